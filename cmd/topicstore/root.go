// Package topicstore is the topicstore command line.
package topicstore

import (
	"fmt"
	"os"

	"github.com/edgeflare/topicstore/pkg/config"
	"github.com/edgeflare/topicstore/pkg/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *zap.Logger
	v       = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "topicstore",
	Short: "topicstore caches Kafka topics in a local queryable store",
	Long: `topicstore consumes Kafka topics into a local SQLite store and serves
paginated SQL queries, exports and consumer control over a command API.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
	Run: func(cmd *cobra.Command, args []string) {
		if versionFlag, _ := cmd.Flags().GetBool("version"); versionFlag {
			fmt.Println(config.Version)
			return
		}
		cmd.Help()
	},
}

// Main runs the command line and exits non-zero on error.
func Main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	config.ApplyDefaults(v)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/topicstore.yaml)")
	pf.StringP("log-level", "L", "info", "log at this level (debug, info, warn, error, none)")
	pf.String("store", "", "path of the local record database")
	v.BindPFlag("logLevel", pf.Lookup("log-level"))
	v.BindPFlag("store.path", pf.Lookup("store"))
	rootCmd.Flags().BoolP("version", "v", false, "Print the version number")

	rootCmd.AddCommand(serveCmd, consumeCmd, queryCmd, exportCmd, offsetsCmd, callCmd)
}

func initConfig() error {
	var err error
	if cfg, err = config.LoadFrom(v, cfgFile); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logger, err = logging.New(cfg.LogLevel); err != nil {
		return err
	}
	if used := v.ConfigFileUsed(); used != "" {
		logger.Debug("using config file", zap.String("path", used))
	}
	return nil
}
