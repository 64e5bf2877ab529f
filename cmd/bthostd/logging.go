package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/bthost/pkg/config"
)

// buildLogger resolves the logging flags onto cfg and constructs the
// logger through the config layer. --log-level takes precedence over
// --verbose, and both override the config file; without either the level
// loaded into cfg stands.
func buildLogger(cmd *cobra.Command, cfg *config.Config, verboseFlagName string) (*logrus.Logger, error) {
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	} else if verbose, _ := cmd.Flags().GetBool(verboseFlagName); verbose {
		cfg.LogLevel = "debug"
	}

	return cfg.NewLogger()
}
