package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cyberinferno/turnserver/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "turnserver",
		Short: "Authoritative server for turn-based games",
		Long: `turnserver hosts turn-based games (chess, tic-tac-toe, connect four,
gomoku) for clients connected over TCP or WebSocket. The server validates
every move and relays state to all participants.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newPlayCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// configFlags are the flags shared by commands that load the server config.
type configFlags struct {
	path     string
	envFile  string
	host     string
	port     int
	logLevel string
}

func (f *configFlags) register(cmd *cobra.Command) {
	def := config.Default()

	cmd.Flags().StringVarP(&f.path, "config", "c", "", "TOML config file")
	cmd.Flags().StringVar(&f.envFile, "env-file", ".env", "File of TURNSERVER_* variables; ignored when missing")
	cmd.Flags().StringVar(&f.host, "host", def.Server.Host, "Game listener host")
	cmd.Flags().IntVarP(&f.port, "port", "p", def.Server.Port, "Game listener port")
	cmd.Flags().StringVar(&f.logLevel, "log-level", def.Log.Level, "Log level: trace, debug, info, warn, error")
}

// load builds the config from file and environment, then applies the flags
// that were set explicitly.
func (f *configFlags) load(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(f.path, f.envFile)
	if err != nil {
		return config.Config{}, err
	}

	if cmd.Flags().Changed("host") {
		cfg.Server.Host = f.host
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = f.port
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}

	return cfg, nil
}

func newConfigCmd() *cobra.Command {
	var flags configFlags

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as TOML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}

			return cfg.Encode(cmd.OutOrStdout())
		},
	}
	flags.register(cmd)

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "turnserver %s\n", version)
		},
	}
}
