package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/pslog"
	"pkt.systems/wantq"
	"pkt.systems/wantq/client"
	"pkt.systems/wantq/internal/loggingutil"
	"pkt.systems/wantq/internal/pathutil"
)

const (
	configKey                    = "config"
	serverKey                    = "server"
	usernameKey                  = "username"
	passwordKey                  = "password"
	timeoutKey                   = "timeout"
	handshakeTimeoutKey          = "handshake-timeout"
	writeTimeoutKey              = "write-timeout"
	maxMessageSizeKey            = "max-message-size"
	workersKey                   = "workers"
	reconnectKey                 = "reconnect"
	reconnectImmediateRetriesKey = "reconnect-immediate-retries"
	reconnectBaseDelayKey        = "reconnect-base-delay"
	reconnectMaxDelayKey         = "reconnect-max-delay"
	reconnectMultiplierKey       = "reconnect-multiplier"
	reconnectJitterKey           = "reconnect-jitter"
	reconnectMaxFailuresKey      = "reconnect-max-failures"
	otlpEndpointKey              = "otlp-endpoint"
	metricsListenKey             = "metrics-listen"
	pprofListenKey               = "pprof-listen"
	profilingMetricsKey          = "enable-profiling-metrics"
	logLevelKey                  = "log-level"
	logOutputKey                 = "log-output"

	envQueue = "WANTQ_QUEUE"
	envKey   = "WANTQ_KEY"
)

// exitEmpty is returned by submain when take/peek found no item.
const exitEmpty = 3

var errQueueEmpty = errors.New("queue is empty")

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("WANTQ_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "wantq")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		switch {
		case errors.Is(err, context.Canceled):
		case errors.Is(err, errQueueEmpty):
			fmt.Fprintln(os.Stderr, err)
			return exitEmpty
		default:
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

// cliConfig is resolved once per invocation from flags, environment and the
// config file.
type cliConfig struct {
	baseLogger pslog.Logger
	logger     pslog.Logger
	cfg        wantq.Config
	configFile string
	closers    []io.Closer
	loaded     bool
}

func (c *cliConfig) load() error {
	if c.loaded {
		return nil
	}
	configFile, err := loadConfigFile()
	if err != nil {
		return err
	}
	c.configFile = configFile
	if err := c.setupLogger(); err != nil {
		return err
	}
	if configFile != "" {
		loggingutil.WithSubsystem(c.logger, "cli.config").Debug("cli.config.loaded", "path", configFile)
	}
	if err := bindConfig(&c.cfg); err != nil {
		return err
	}
	c.loaded = true
	return nil
}

func (c *cliConfig) setupLogger() error {
	levelStr := strings.ToLower(strings.TrimSpace(viper.GetString(logLevelKey)))
	if levelStr == "" {
		levelStr = wantq.DefaultLogLevel
	}
	if levelStr == "none" || levelStr == "disabled" || levelStr == "off" {
		c.logger = loggingutil.NoopLogger()
		return nil
	}
	level, ok := pslog.ParseLevel(levelStr)
	if !ok {
		return fmt.Errorf("invalid log level %q", levelStr)
	}
	logger := c.baseLogger
	switch output := strings.TrimSpace(viper.GetString(logOutputKey)); output {
	case "", "stderr":
	case "-", "stdout":
		logger = pslog.NewStructured(os.Stdout).With("app", "wantq")
	default:
		path, err := pathutil.ExpandAbs(output)
		if err != nil {
			return fmt.Errorf("expand log output %q: %w", output, err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		c.closers = append(c.closers, f)
		logger = pslog.NewStructured(f).With("app", "wantq")
	}
	c.logger = loggingutil.EnsureLogger(logger).LogLevel(level)
	return nil
}

func (c *cliConfig) client() (*client.Client, error) {
	if err := c.load(); err != nil {
		return nil, err
	}
	return client.New(c.cfg.Server, c.cfg.ClientOptions(c.logger)...)
}

func (c *cliConfig) cleanup() {
	for _, closer := range c.closers {
		_ = closer.Close()
	}
	c.closers = nil
	c.loaded = false
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString(configKey))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if candidate, err := wantq.DefaultConfigPath(); err == nil {
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := pathutil.ExpandAbs(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func bindConfig(cfg *wantq.Config) error {
	size, err := wantq.ParseSize(viper.GetString(maxMessageSizeKey))
	if err != nil {
		return fmt.Errorf("%s: %w", maxMessageSizeKey, err)
	}
	*cfg = wantq.Config{
		Server:           viper.GetString(serverKey),
		Username:         viper.GetString(usernameKey),
		Password:         viper.GetString(passwordKey),
		HTTPTimeout:      viper.GetDuration(timeoutKey),
		HandshakeTimeout: viper.GetDuration(handshakeTimeoutKey),
		WriteTimeout:     viper.GetDuration(writeTimeoutKey),
		MaxMessageSize:   size,
		Workers:          viper.GetInt(workersKey),
		Reconnect: client.ReconnectPolicy{
			Disabled:         !viper.GetBool(reconnectKey),
			ImmediateRetries: viper.GetInt(reconnectImmediateRetriesKey),
			BaseDelay:        viper.GetDuration(reconnectBaseDelayKey),
			MaxDelay:         viper.GetDuration(reconnectMaxDelayKey),
			Multiplier:       viper.GetFloat64(reconnectMultiplierKey),
			Jitter:           viper.GetDuration(reconnectJitterKey),
			MaxFailures:      viper.GetInt(reconnectMaxFailuresKey),
		},
		ReconnectSet:           true,
		OTLPEndpoint:           viper.GetString(otlpEndpointKey),
		MetricsListen:          viper.GetString(metricsListenKey),
		PprofListen:            viper.GetString(pprofListenKey),
		EnableProfilingMetrics: viper.GetBool(profilingMetricsKey),
	}
	return cfg.Validate()
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cli := &cliConfig{baseLogger: loggingutil.EnsureLogger(baseLogger)}
	defaultConfig := "$HOME/.wantq/" + wantq.DefaultConfigFileName
	if path, err := wantq.DefaultConfigPath(); err == nil {
		defaultConfig = path
	}

	cmd := &cobra.Command{
		Use:           "wantq",
		Short:         "wantq talks to a multi-queue server: manage queues, put and take items, or consume continuously",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Create a queue and put an item on it
  id=$(wantq queue create)
  wantq queue put "$id" "hello" --key greeting

  # Consume forever, printing items as JSON lines
  WANTQ_SERVER=https://queues.example.com WANTQ_USERNAME=worker WANTQ_PASSWORD=secret wantq consume "$id"

  # Stop after 10 items, 4 concurrent handlers, metrics on :9464
  wantq consume "$id" --max-items 10 --slots 4 --metrics-listen :9464
`,
		PersistentPostRun: func(*cobra.Command, []string) {
			cli.cleanup()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringP(configKey, "c", "", "path to YAML config file (default "+defaultConfig+")")
	flags.StringP(serverKey, "s", wantq.DefaultServer, "queue server base URL")
	flags.StringP(usernameKey, "u", "", "basic auth username")
	flags.StringP(passwordKey, "p", "", "basic auth password")
	flags.Duration(timeoutKey, wantq.DefaultHTTPTimeout, "per-request HTTP timeout")
	flags.String(logLevelKey, wantq.DefaultLogLevel, "log level (trace|debug|info|warn|error|none)")
	flags.String(logOutputKey, "", "log output path (default stderr, - for stdout)")

	mustBindFlag(configKey, "WANTQ_CONFIG", flags.Lookup(configKey))
	mustBindFlag(serverKey, "WANTQ_SERVER", flags.Lookup(serverKey))
	mustBindFlag(usernameKey, "WANTQ_USERNAME", flags.Lookup(usernameKey))
	mustBindFlag(passwordKey, "WANTQ_PASSWORD", flags.Lookup(passwordKey))
	mustBindFlag(timeoutKey, "WANTQ_TIMEOUT", flags.Lookup(timeoutKey))
	mustBindFlag(logLevelKey, "WANTQ_LOG_LEVEL", flags.Lookup(logLevelKey))
	mustBindFlag(logOutputKey, "WANTQ_LOG_OUTPUT", flags.Lookup(logOutputKey))

	cmd.AddCommand(
		newQueueCommand(cli),
		newConsumeCommand(cli),
		newConfigCommand(),
		newVersionCommand(),
	)
	return cmd
}

func mustBindFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if env != "" {
		if err := viper.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
}

// resolveArg returns args[idx] when present, else the named environment
// variable.
func resolveArg(args []string, idx int, envVar string, required bool) (string, error) {
	if idx < len(args) {
		if v := strings.TrimSpace(args[idx]); v != "" {
			return v, nil
		}
	}
	if v := strings.TrimSpace(os.Getenv(envVar)); v != "" {
		return v, nil
	}
	if required {
		return "", fmt.Errorf("missing argument (or set %s)", envVar)
	}
	return "", nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
