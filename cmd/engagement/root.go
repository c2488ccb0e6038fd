package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ThreeDotsLabs/watermill"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/campuslink/engagement/internal/config"
	"github.com/campuslink/engagement/internal/logging"
)

var (
	cfgFile string
	cfg     config.Config
	logger  watermill.LoggerAdapter
)

var rootCmd = &cobra.Command{
	Use:   "engagement",
	Short: "Reactions and comments with optimistic sync.",
	Long: `Reactions and comments with optimistic sync.

Serve the HTTP API, manage the database, or act as a client session
reacting to and commenting on items from the console.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(viper.GetViper(), configFile())
		if err != nil {
			return err
		}

		logger, err = logging.NewLogger(cfg.LoggingConfig())
		if err != nil {
			return errors.Wrap(err, "cannot create logger")
		}

		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().SortFlags = false
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.engagement.yaml when present)")

	globalFlags := pflag.NewFlagSet("global", pflag.ExitOnError)
	globalFlags.String("dsn", "", "SQLite data source name")
	ensure(viper.BindPFlag("database.dsn", globalFlags.Lookup("dsn")))

	globalFlags.String("realtime-backend", "", "change feed backend: gochannel or redis")
	ensure(viper.BindPFlag("realtime.backend", globalFlags.Lookup("realtime-backend")))

	globalFlags.String("redis-addr", "", "redis address for the redis backend")
	ensure(viper.BindPFlag("realtime.redis.addr", globalFlags.Lookup("redis-addr")))

	globalFlags.String("log-level", "", "trace, debug, info, warn, error or off")
	ensure(viper.BindPFlag("log.level", globalFlags.Lookup("log-level")))

	globalFlags.String("log-format", "", "text or json")
	ensure(viper.BindPFlag("log.format", globalFlags.Lookup("log-format")))

	rootCmd.PersistentFlags().AddFlagSet(globalFlags)

	rootCmd.AddCommand(
		serveCmd(),
		migrateCmd(),
		watchCmd(),
		reactCmd(),
		commentCmd(),
		tailCmd(),
		configCmd(),
	)
}

func configFile() string {
	if cfgFile != "" {
		return cfgFile
	}

	home, err := homedir.Dir()
	if err != nil {
		return ""
	}

	file := filepath.Join(home, ".engagement.yaml")
	if _, err := os.Stat(file); err != nil {
		return ""
	}
	return file
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}
