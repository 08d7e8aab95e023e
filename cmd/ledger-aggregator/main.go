package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/costops/ledger-aggregator/pkg/config"
)

const envPrefix = "LEDGER_AGGREGATOR"

var (
	configFile  string
	logLevelStr string
	logQueries  bool
)

var rootCmd = &cobra.Command{
	Use:   "ledger-aggregator",
	Short: "aggregates billing data from multiple sources into the cost ledger",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

func AddCommands() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(setupTablesCmd)
}

func init() {
	// globally set time to UTC
	time.Local = time.UTC

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "/etc/ledger-aggregator/config.toml", "path to the TOML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevelStr, "log-level", "", "override the configured log level")
	rootCmd.PersistentFlags().BoolVar(&logQueries, "log-queries", false, "log warehouse queries at debug level")
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	AddCommands()
	rootCmd.ParseFlags(os.Args[1:])

	if err := SetFlagsFromEnv(rootCmd.PersistentFlags(), envPrefix); err != nil {
		log.WithError(err).Fatalf("error setting flags from environment variables: %v", err)
	}
	for _, cmd := range rootCmd.Commands() {
		if err := SetFlagsFromEnv(cmd.Flags(), envPrefix); err != nil {
			log.WithError(err).Fatalf("error setting flags from environment variables: %v", err)
		}
	}

	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Fatalf("error executing command: %v", err)
	}
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return config.Config{}, err
	}
	if logLevelStr != "" {
		cfg.LogLevel = logLevelStr
	}
	if logQueries {
		cfg.LogQueries = true
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newLogger(cfg config.Config) log.FieldLogger {
	logger := log.New()
	logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	logger.SetLevel(cfg.LogrusLevel())
	return logger
}

// SetFlagsFromEnv parses all registered flags in the given flagset,
// and if they are not already set it attempts to set their values from
// environment variables. Environment variables take the name of the flag but
// are UPPERCASE, and any dashes are replaced by underscores. Environment
// variables additionally are prefixed by the given string followed by
// an underscore. For example, if prefix=PREFIX: some-flag => PREFIX_SOME_FLAG
func SetFlagsFromEnv(fs *pflag.FlagSet, prefix string) (err error) {
	alreadySet := make(map[string]bool)
	fs.Visit(func(f *pflag.Flag) {
		alreadySet[f.Name] = true
	})
	fs.VisitAll(func(f *pflag.Flag) {
		if !alreadySet[f.Name] {
			key := prefix + "_" + strings.ToUpper(strings.Replace(f.Name, "-", "_", -1))
			val := os.Getenv(key)
			if val != "" {
				if serr := fs.Set(f.Name, val); serr != nil {
					err = fmt.Errorf("invalid value %q for %s: %v", val, key, serr)
				}
			}
		}
	})
	return err
}

func setupSignals() context.Context {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := <-sigs
		log.Infof("got signal %s, performing shutdown", sig)
		cancel()
	}()
	return ctx
}
