// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/holomush/authd/internal/config"
	"github.com/holomush/authd/internal/xdg"
	"github.com/holomush/authd/pkg/errutil"
)

// Global flags available to all subcommands.
var (
	configFile string
	envFile    string
)

// NewRootCmd creates the root command for the authd CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "authd",
		Short: "authd - session authentication service",
		Long: `authd registers accounts and authenticates them with session
cookies, password reset tokens and HTTP Basic credentials.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file exported before reading AUTHD_* variables")
	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())

	return cmd
}

// loadConfig layers the config file, AUTHD_* environment and the flags
// changed on cmd. Without --config, $XDG_CONFIG_HOME/authd/config.yaml is
// read when it exists.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if envFile != "" {
		if err := config.LoadEnvFile(envFile); err != nil {
			return nil, err
		}
	}

	path := configFile
	if path == "" {
		defaultPath, ok, err := xdg.ConfigFile()
		switch {
		case ok:
			path = defaultPath
		case err != nil && errutil.Code(err) != "XDG_NO_HOME":
			return nil, err
		}
	}
	return config.Load(path, cmd.Flags())
}
