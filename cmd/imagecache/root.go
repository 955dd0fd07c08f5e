package main

import (
	"fmt"
	"os"

	"github.com/cyverse/imagecache/config"
	"github.com/cyverse/imagecache/key"
	"github.com/cyverse/imagecache/metrics"
	"github.com/cyverse/imagecache/service"
	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// CLI holds state shared by commands
type CLI struct {
	configPath string
	baseDir    string
	logLevel   string
	logJSON    bool

	config   *config.Config
	registry *prometheus.Registry
	observer *metrics.PrometheusObserver
}

// NewRootCommand creates the root cobra command
func NewRootCommand() *cobra.Command {
	cli := &CLI{}

	rootCmd := &cobra.Command{
		Use:           "imagecache",
		Short:         "Fetch and cache remote images",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return cli.setup(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cli.configPath, "config", "c", "", "YAML config file")
	flags.StringVar(&cli.baseDir, "base-dir", "", "base directory of the cache")
	flags.StringVar(&cli.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.BoolVar(&cli.logJSON, "log-json", false, "log in JSON")

	rootCmd.AddCommand(
		cli.newGetCommand(),
		cli.newWarmCommand(),
		cli.newDeleteCommand(),
		cli.newSweepCommand(),
		cli.newListCommand(),
	)

	return rootCmd
}

// setup loads config and applies flag overrides
func (cli *CLI) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(cli.configPath)
	if err != nil {
		return cli.fail(err)
	}

	if len(cli.baseDir) > 0 {
		cfg.BaseDir = cli.baseDir
	}

	if len(cli.logLevel) > 0 {
		cfg.LogLevel = cli.logLevel
	}

	if cmd.Flags().Changed("log-json") {
		cfg.LogJSON = cli.logJSON
	}

	err = cfg.Validate()
	if err != nil {
		return cli.fail(err)
	}

	level, _ := cfg.GetLogLevel()
	log.SetLevel(level)
	if cfg.LogJSON {
		log.SetFormatter(&log.JSONFormatter{})
	}

	cli.config = cfg
	cli.registry = prometheus.NewRegistry()
	cli.observer, err = metrics.NewPrometheusObserver("", cli.registry)
	if err != nil {
		return cli.fail(err)
	}
	return nil
}

func (cli *CLI) newService() (*service.Service, error) {
	svc, err := service.New(service.Options{
		Config:   cli.config,
		Observer: cli.observer,
	})
	if err != nil {
		return nil, cli.fail(xerrors.Errorf("failed to create image service: %w", err))
	}
	return svc, nil
}

// fail prints err and returns it for cobra
func (cli *CLI) fail(err error) error {
	fmt.Fprintln(os.Stderr, red("error: "+err.Error()))
	return err
}

// makeKey builds a key from a url argument and an optional identifier
func makeKey(args []string, identifier string) (key.CacheKey, error) {
	sourceURL := ""
	if len(args) > 0 {
		sourceURL = args[0]
	}

	k := key.NewIdentifierKey(identifier, sourceURL)
	if err := k.Validate(); err != nil {
		return k, xerrors.Errorf("either a url or --id is required: %w", err)
	}
	return k, nil
}
