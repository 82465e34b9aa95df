// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/arkenar/internal/config"
	"github.com/xkilldash9x/arkenar/internal/observability"
)

type contextKey string

const configKey contextKey = "config"

// flagBindings maps command-line flags to configuration keys. A flag only
// overrides the config file and environment when it is set explicitly.
var flagBindings = map[string]string{
	"threads":          "engine.threads",
	"timeout":          "engine.timeout",
	"mode":             "engine.mode",
	"rate-limit":       "engine.rate_limit",
	"dry-run":          "engine.dry_run",
	"verbose":          "engine.verbose",
	"proxy":            "network.proxy",
	"header":           "network.headers",
	"payloads":         "payloads.generic",
	"payloads-xss":     "payloads.xss",
	"payloads-sqli":    "payloads.sqli",
	"payloads-json":    "payloads.json",
	"scope":            "discovery.scope",
	"crawl":            "discovery.crawler.enabled",
	"crawler-depth":    "discovery.crawler.depth",
	"crawler-timeout":  "discovery.crawler.timeout",
	"crawler-max-urls": "discovery.crawler.max_urls",
	"templates":        "discovery.templates.enabled",
	"tags":             "discovery.templates.tags",
	"passive":          "discovery.passive.enabled",
	"output":           "output.path",
	"state-file":       "output.state_file",
	"checkpoint":       "output.checkpoint",
	"listen":           "proxy.listen",
	"ca-cert":          "proxy.ca_cert",
	"ca-key":           "proxy.ca_key",
}

// NewRootCommand builds the command tree. A fresh tree is returned on every
// call so flag state never leaks between executions.
func NewRootCommand() *cobra.Command {
	return newRootCommand(NewStoreProvider())
}

func newRootCommand(provider storeProvider) *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "arkenar",
		Short: "ARKENAR is an active web vulnerability scanner.",
		Long: `ARKENAR discovers URLs with an external crawler, runs a template scanner
against each seed, then mutates every injection point of every target with
XSS, SQL injection and JSON-breaking payloads.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(cmd, v, cfgFile); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "arkenar"})
				return fmt.Errorf("failed to load or validate config: %w", err)
			}
			if cfg.Engine.Verbose {
				cfg.Logger.Level = "debug"
			}

			observability.InitializeLogger(cfg.Logger)
			observability.GetLogger().Debug("Starting ARKENAR", zap.String("version", Version))

			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "%s version %s\n" .Name .Version}}`)

	rootCmd.AddCommand(newScanCmd(provider))
	rootCmd.AddCommand(newResumeCmd(provider))
	rootCmd.AddCommand(newProxyCmd(provider))
	rootCmd.AddCommand(newWatchCmd(provider))
	rootCmd.AddCommand(newReportCmd(provider))
	rootCmd.AddCommand(newImportCmd(provider))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// Execute runs the command tree with ctx, logging a failure before
// returning it.
func Execute(ctx context.Context) error {
	defer observability.Sync()

	rootCmd := NewRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			observability.GetLogger().Warn("Interrupted")
			return err
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

// initializeConfig reads the config file and environment into v, then binds
// the flags cmd declares.
func initializeConfig(cmd *cobra.Command, v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("ARKENAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return bindFlags(cmd.Flags(), v)
}

func bindFlags(flags *pflag.FlagSet, v *viper.Viper) error {
	for name, key := range flagBindings {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind flag --%s: %w", name, err)
		}
	}
	return nil
}

// getConfigFromContext returns the configuration loaded by the root command.
func getConfigFromContext(ctx context.Context) (*config.Config, error) {
	if ctx == nil {
		return nil, errors.New("command context is nil")
	}
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}
