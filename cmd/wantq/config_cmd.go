package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/wantq"
	"pkt.systems/wantq/client"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage wantq configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.wantq/" + wantq.DefaultConfigFileName
	if path, err := wantq.DefaultConfigPath(); err == nil {
		defaultOutput = path
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default wantq configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				path, err := wantq.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = path
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			// Credentials may end up in this file.
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Server                    string  `yaml:"server"`
	Username                  string  `yaml:"username"`
	Password                  string  `yaml:"password"`
	Timeout                   string  `yaml:"timeout"`
	HandshakeTimeout          string  `yaml:"handshake-timeout"`
	WriteTimeout              string  `yaml:"write-timeout"`
	MaxMessageSize            string  `yaml:"max-message-size"`
	Workers                   int     `yaml:"workers"`
	Reconnect                 bool    `yaml:"reconnect"`
	ReconnectImmediateRetries int     `yaml:"reconnect-immediate-retries"`
	ReconnectBaseDelay        string  `yaml:"reconnect-base-delay"`
	ReconnectMaxDelay         string  `yaml:"reconnect-max-delay"`
	ReconnectMultiplier       float64 `yaml:"reconnect-multiplier"`
	ReconnectJitter           string  `yaml:"reconnect-jitter"`
	ReconnectMaxFailures      int     `yaml:"reconnect-max-failures"`
	OTLPEndpoint              string  `yaml:"otlp-endpoint"`
	MetricsListen             string  `yaml:"metrics-listen"`
	PprofListen               string  `yaml:"pprof-listen"`
	EnableProfilingMetrics    bool    `yaml:"enable-profiling-metrics"`
	LogLevel                  string  `yaml:"log-level"`
	LogOutput                 string  `yaml:"log-output"`
}

func defaultConfigYAML() ([]byte, error) {
	policy := client.DefaultReconnectPolicy()
	defaults := configDefaults{
		Server:                    wantq.DefaultServer,
		Timeout:                   wantq.DefaultHTTPTimeout.String(),
		HandshakeTimeout:          wantq.DefaultHandshakeTimeout.String(),
		WriteTimeout:              wantq.DefaultWriteTimeout.String(),
		MaxMessageSize:            wantq.HumanizeBytes(wantq.DefaultMaxMessageSize),
		Reconnect:                 !policy.Disabled,
		ReconnectImmediateRetries: policy.ImmediateRetries,
		ReconnectBaseDelay:        policy.BaseDelay.String(),
		ReconnectMaxDelay:         policy.MaxDelay.String(),
		ReconnectMultiplier:       policy.Multiplier,
		ReconnectJitter:           policy.Jitter.String(),
		ReconnectMaxFailures:      policy.MaxFailures,
		MetricsListen:             wantq.DefaultMetricsListen,
		PprofListen:               wantq.DefaultPprofListen,
		LogLevel:                  wantq.DefaultLogLevel,
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}
	header := []byte("# wantq configuration. Keys mirror the long command line flags;\n# WANTQ_* environment variables and flags take precedence.\n")
	return append(header, data...), nil
}
