package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"nanopod/pkg/config"
	"nanopod/pkg/metrics"
)

var version = "dev"

var (
	configFile string
	v          = config.NewViper()
	cfg        *config.Config

	// Set by the run command to the child's translated exit code.
	exitCode int
)

var rootCmd = &cobra.Command{
	Use:   "nanopod",
	Short: "Run a command inside a container image without a container runtime",
	Long: `nanopod pulls an image from a Docker Registry v2 endpoint, unpacks its layers
into a fresh root directory and runs a command there, confined by chroot and a
new PID namespace.`,
	Version:           version,
	SilenceErrors:     true,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	defaults := config.NewConfig()

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file path")
	flags.Bool(config.Debug, false, "enable debug logging")
	flags.String(config.RegistryURL, defaults.RegistryURL, "registry base URL")
	flags.String(config.AuthURL, defaults.AuthURL, "token endpoint URL")
	flags.String(config.AuthService, defaults.AuthService, "service name sent to the token endpoint")
	flags.String(config.Namespace, defaults.Namespace, "repository namespace for single-segment image names")
	flags.String(config.ScratchDir, defaults.ScratchDir, "directory for scratch roots and staged blobs")
	flags.Duration(config.HTTPTimeout, defaults.HTTPTimeout, "timeout for a single registry request")
	flags.Int(config.Concurrency, defaults.Concurrency, "number of blobs downloaded in parallel")
	flags.Int64(config.RateLimit, 0, "blob download limit in bytes per second (0 disables)")
	flags.Bool(config.KeepScratch, false, "leave the scratch root in place after the command exits")

	bindFlags(v, flags)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(pullCmd)
}

// bindFlags makes every persistent flag except --config a viper key.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		v.BindPFlag(f.Name, f) //nolint:errcheck
	})
}

func loadConfig(cmd *cobra.Command, args []string) error {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	c, err := config.FromViper(v)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cfg = c

	setupLogging(cfg.Debug)
	metrics.LogStartupBanner(logrus.WithField("component", "cli"), version)
	if configFile != "" {
		logrus.WithField("path", v.ConfigFileUsed()).Debug("Loaded config file")
	}
	return nil
}

func setupLogging(debug bool) {
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if debug {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	stop()
	os.Exit(exitCode)
}
