package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// CommonConfig holds settings shared by all subcommands. mapstructure only
// squashes exported embedded structs.
type CommonConfig struct {
	LogLevel string `mapstructure:"log-level"`
	Trace    bool   `mapstructure:"trace"`
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:          "dgram",
		Short:        "UDP echo server and prober",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "config file (json, yaml, toml, ...)")
	root.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	root.PersistentFlags().Bool("trace", false, "log every transport call")
	root.AddCommand(newServeCmd(v), newPingCmd(v))
	return root
}

// loadConfig merges flags, DGRAM_* environment variables and the optional
// config file into out. Environment variables use underscores for dashes,
// e.g. DGRAM_ADDR_FILE.
func loadConfig(cmd *cobra.Command, v *viper.Viper, out interface{}) error {
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	v.SetEnvPrefix("dgram")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("config %s: %w", path, err)
		}
	}
	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func newLogger(w io.Writer, level string) (*log.Logger, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	logger := log.NewWithOptions(w, log.Options{
		Level:           lvl,
		ReportTimestamp: true,
		Prefix:          "dgram",
	})
	logger.SetFormatter(log.TextFormatter)
	return logger, nil
}
