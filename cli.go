package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ephemera/server/internal/config"
)

// newRootCmd builds the command tree. Running the bare binary serves.
func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	root := &cobra.Command{
		Use:          "ephemera",
		Short:        "Ephemeral multi-room chat relay",
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return initViper(v, cfgFile)
		},
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")

	flags := root.PersistentFlags()
	flags.String("addr", config.Default().Addr, "HTTP listen address")
	flags.Bool("debug", false, "enable debug logging (auto-enabled for dev builds)")
	flags.Bool("trust-proxy", false, "take the client IP from X-Forwarded-For")
	flags.String("public-room", config.Default().PublicRoomID, "id of the permanent public room")
	bindings := map[string]string{
		"addr":           "addr",
		"debug":          "debug",
		"trust_proxy":    "trust-proxy",
		"public_room_id": "public-room",
	}
	for key, name := range bindings {
		_ = v.BindPFlag(key, flags.Lookup(name))
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		RunE:  root.RunE,
	}
	root.AddCommand(serveCmd, newVersionCmd(), newConfigCmd(v))
	return root
}

func initViper(v *viper.Viper, cfgFile string) error {
	config.SetDefaults(v)
	if err := config.BindEnv(v); err != nil {
		return err
	}
	if cfgFile == "" {
		return nil
	}
	v.SetConfigFile(cfgFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", cfgFile, err)
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ephemera server %s\n", Version)
		},
	}
}

// newConfigCmd prints the effective configuration with secrets masked.
func newConfigCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(cfg.Redacted(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}
