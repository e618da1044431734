package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/ncclwatch/internal/config"
	"github.com/hugo-lorenzo-mato/ncclwatch/internal/core"
	"github.com/hugo-lorenzo-mato/ncclwatch/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/ncclwatch/internal/native"
	"github.com/hugo-lorenzo-mato/ncclwatch/internal/native/sim"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration and host",
	Long: `Validate the configuration, list legacy environment variables that are
in effect, and report the host the dumps will describe.`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ncclwatch %s (dump schema %s)\n\n", appVersion, core.DumpVersion)

	fmt.Fprintln(out, "Validating configuration...")
	issues := validationIssues(appConfig)
	for _, issue := range issues {
		fmt.Fprintf(out, "  ✗ %s\n", issue)
	}
	if len(issues) == 0 {
		fmt.Fprintln(out, "  ✓ configuration valid")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Legacy environment...")
	legacy := 0
	for _, key := range config.LegacyKeys() {
		name, _ := config.LegacyEnvFor(key)
		if v, ok := os.LookupEnv(name); ok && v != "" {
			fmt.Fprintf(out, "  ○ %s=%s (%s)\n", name, v, key)
			legacy++
		}
	}
	if legacy == 0 {
		fmt.Fprintln(out, "  ✓ none set")
	}
	fmt.Fprintln(out)

	lib := sim.New()
	fmt.Fprintf(out, "Simulated library %s...\n", lib.Version())
	writeCapabilities(out, native.CapabilitiesOf(lib))
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Host...")
	host := diagnostics.CollectHost(cmd.Context(), appConfig.Diagnostics.DumpPrefix)
	fmt.Fprintf(out, "  host:    %s\n", host.Hostname)
	if host.CPUModel != "" {
		fmt.Fprintf(out, "  cpu:     %s (%d threads, load %.2f)\n", host.CPUModel, host.CPUThreads, host.LoadAvg1)
	}
	if host.MemTotalMB > 0 {
		fmt.Fprintf(out, "  memory:  %.0f/%.0f MB used\n", host.MemUsedMB, host.MemTotalMB)
	}
	if host.DumpDir != "" {
		fmt.Fprintf(out, "  dumps:   %s (%.0f MB free)\n", host.DumpDir, host.DumpFreeMB)
	}
	if len(host.GPUs) == 0 {
		fmt.Fprintln(out, "  ○ no GPUs detected")
	}
	for _, gpu := range host.GPUs {
		fmt.Fprintf(out, "  gpu %d:   %s [%s]\n", gpu.Index, gpu.Name, gpu.Source)
	}

	if len(issues) > 0 {
		return fmt.Errorf("configuration check failed")
	}
	return nil
}

func writeCapabilities(w io.Writer, caps native.Capabilities) {
	flags := []struct {
		name string
		ok   bool
	}{
		{"error checking", caps.ErrorChecking},
		{"p2p", caps.P2P},
		{"premul sum", caps.PremulSum},
		{"last error", caps.GetLastError},
		{"remote error", caps.RemoteError},
		{"non-blocking", caps.NonBlocking},
		{"cta/cga config", caps.CTACGA},
		{"split", caps.Split},
		{"segment registration", caps.Register},
		{"comm dump", caps.CommDump},
	}
	var missing []string
	for _, f := range flags {
		if f.ok {
			fmt.Fprintf(w, "  ✓ %s\n", f.name)
		} else {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		fmt.Fprintf(w, "  ○ unsupported: %s\n", strings.Join(missing, ", "))
	}
}
