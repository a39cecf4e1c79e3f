package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/coachpo/eventflow/internal/infra/config"
)

func newConfigCmd(configPath *string) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}

	var printEffective bool
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		Long: `Load the configuration file, apply defaults and run every validation rule.
With --print the effective configuration is written as YAML.

Examples:
  eventflow config validate --config config/eventflow.yaml
  eventflow config validate --config config/eventflow.yaml --print`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Context(), *configPath)
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "configuration valid: env=%s hierarchy=%s fanoutWorkers=%d topics=%d\n",
				cfg.Environment, cfg.EventFlow.Hierarchy, cfg.EventFlow.FanoutWorkerCount(), len(cfg.EventFlow.Topics))
			if !printEffective {
				return nil
			}
			encoded, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("encode configuration: %w", err)
			}
			_, err = out.Write(encoded)
			return err
		},
	}
	validateCmd.Flags().BoolVar(&printEffective, "print", false, "Print the effective configuration")

	configCmd.AddCommand(validateCmd)
	return configCmd
}
