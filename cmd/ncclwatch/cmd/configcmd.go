package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/renameio/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/hugo-lorenzo-mato/ncclwatch/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage ncclwatch configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after merging defaults, the config file and
environment variables, including the legacy TORCH_NCCL_* variables.`,
	RunE: runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the effective configuration",
	RunE:  runConfigValidate,
}

var (
	configInitForce bool
	configInitPath  string
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd, configShowCmd, configValidateCmd)

	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing file")
	configInitCmd.Flags().StringVar(&configInitPath, "path", ".ncclwatch.yaml", "file to write")
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	if _, err := os.Stat(configInitPath); err == nil && !configInitForce {
		return fmt.Errorf("%s already exists, use --force to overwrite", configInitPath)
	}
	if err := renameio.WriteFile(configInitPath, []byte(config.DefaultConfigYAML), 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", configInitPath)
	return nil
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	out, err := yaml.Marshal(viper.AllSettings())
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

func runConfigValidate(cmd *cobra.Command, _ []string) error {
	issues := validationIssues(appConfig)
	if len(issues) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "configuration valid")
		return nil
	}
	for _, issue := range issues {
		fmt.Fprintf(cmd.OutOrStdout(), "  ✗ %s\n", issue)
	}
	return fmt.Errorf("%d configuration error(s)", len(issues))
}

// validationIssues flattens ValidateConfig's result into one line per
// problem.
func validationIssues(cfg *config.Config) []string {
	err := config.ValidateConfig(cfg)
	if err == nil {
		return nil
	}
	var verrs config.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	issues := make([]string, 0, len(verrs))
	for _, verr := range verrs {
		issues = append(issues, verr.Error())
	}
	return issues
}
