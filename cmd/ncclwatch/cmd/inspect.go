package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/ncclwatch/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/ncclwatch/internal/flightrec"
	"github.com/hugo-lorenzo-mato/ncclwatch/internal/fsutil"
	"github.com/hugo-lorenzo-mato/ncclwatch/internal/report"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [dump-file...]",
	Short: "Render flight-recorder dumps",
	Long: `Render one or more flight-recorder dumps.

Without arguments every rank file under the configured dump prefix is
read. With --sqlite the newest dump of --rank is read from the database
written by the sqlite sink.

Examples:
  ncclwatch inspect /tmp/nccl_trace_rank_0
  ncclwatch inspect --prefix /scratch/trace_ --only-active
  ncclwatch inspect --sqlite .ncclwatch/dumps.db --rank 3 --match allreduce
  ncclwatch inspect /tmp/nccl_trace_rank_0 --format yaml`,
	RunE: runInspect,
}

var (
	inspectPrefix     string
	inspectSQLite     string
	inspectRank       int
	inspectOnlyActive bool
	inspectMatch      string
	inspectPG         string
	inspectFormat     string
)

func init() {
	rootCmd.AddCommand(inspectCmd)

	inspectCmd.Flags().StringVar(&inspectPrefix, "prefix", "", "dump file prefix (default: diagnostics.dump_prefix)")
	inspectCmd.Flags().StringVar(&inspectSQLite, "sqlite", "", "read from a dump database instead of files")
	inspectCmd.Flags().IntVar(&inspectRank, "rank", 0, "rank to read from the dump database")
	inspectCmd.Flags().BoolVar(&inspectOnlyActive, "only-active", false, "hide entries retired as completed")
	inspectCmd.Flags().StringVar(&inspectMatch, "match", "", "fuzzy filter on profiling names")
	inspectCmd.Flags().StringVar(&inspectPG, "pg", "", "restrict to one process group name")
	inspectCmd.Flags().StringVarP(&inspectFormat, "format", "f", "table", "output format (table, json, yaml)")
}

// namedDump is one dump and where it came from.
type namedDump struct {
	source string
	data   []byte
}

func runInspect(cmd *cobra.Command, args []string) error {
	switch inspectFormat {
	case "table", "json", "yaml":
	default:
		return fmt.Errorf("unknown format %q (want table, json or yaml)", inspectFormat)
	}

	dumps, err := loadDumps(cmd.Context(), args)
	if err != nil {
		return err
	}
	if len(dumps) == 0 {
		return fmt.Errorf("no dumps found")
	}

	filter := report.Filter{OnlyActive: inspectOnlyActive, Match: inspectMatch, PG: inspectPG}
	out := cmd.OutOrStdout()
	for i, d := range dumps {
		doc, err := flightrec.ParseDocument(d.data)
		if err != nil {
			return fmt.Errorf("%s: %w", d.source, err)
		}
		if len(dumps) > 1 {
			if i > 0 {
				fmt.Fprintln(out)
			}
			fmt.Fprintln(out, report.HeaderStyle.Render("== "+d.source+" =="))
		}
		if err := renderDump(out, doc, filter); err != nil {
			return err
		}
	}
	return nil
}

func loadDumps(ctx context.Context, args []string) ([]namedDump, error) {
	if inspectSQLite != "" {
		w, err := diagnostics.NewSQLiteWriter(inspectSQLite, inspectRank)
		if err != nil {
			return nil, err
		}
		defer w.Close()
		d, ok, err := w.Latest(ctx, inspectRank)
		if err != nil || !ok {
			return nil, err
		}
		source := fmt.Sprintf("%s rank %d at %s", inspectSQLite, d.Rank, d.CreatedAt.Format("2006-01-02 15:04:05"))
		return []namedDump{{source: source, data: d.Payload}}, nil
	}

	paths := args
	if len(paths) == 0 {
		prefix := inspectPrefix
		if prefix == "" {
			prefix = appConfig.Diagnostics.DumpPrefix
		}
		files, err := fsutil.ListRankFiles(prefix)
		if err != nil {
			return nil, fmt.Errorf("listing dumps for %s: %w", prefix, err)
		}
		for _, f := range files {
			paths = append(paths, f.Path)
		}
	}

	dumps := make([]namedDump, 0, len(paths))
	for _, p := range paths {
		data, err := fsutil.ReadFileScoped(p)
		if err != nil {
			return nil, err
		}
		dumps = append(dumps, namedDump{source: p, data: data})
	}
	return dumps, nil
}

func renderDump(w io.Writer, doc flightrec.Document, filter report.Filter) error {
	if inspectFormat == "table" {
		return report.Write(w, doc, filter)
	}

	if doc.Entries != nil {
		doc.Entries = filter.Apply(doc.Entries)
	}
	var data []byte
	var err error
	if inspectFormat == "yaml" {
		data, err = doc.YAML()
	} else {
		data, err = doc.JSON()
	}
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
