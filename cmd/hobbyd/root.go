package main

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var rootCmd = &cobra.Command{
	Use:   "hobbyd",
	Short: "Local-first hobby tracking data layer",
	Long: `hobbyd is the local-first data layer for hobby tracking: categories,
hobbies, goals and progress records in an embedded SQLite store, with a
per-row sync state machine, a change journal for offline reconciliation,
and a loopback relay that keeps multiple local instances in step.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("db", "", "database path (default ~/.hobbyd/hobbyd.db)")
	rootCmd.PersistentFlags().String("log-file", "", "also log to this file, rotated")
	rootCmd.PersistentFlags().String("config", "", "config file (default ~/.hobbyd/config.yaml)")

	viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))
	viper.BindPFlag("log_file", rootCmd.PersistentFlags().Lookup("log-file"))

	cobra.OnInitialize(initConfig)
}

func initConfig() {
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
	}

	viper.SetEnvPrefix("HOBBYD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("db", filepath.Join(configDir(), "hobbyd.db"))
	viper.SetDefault("hub_addr", "127.0.0.1:7411")
	viper.SetDefault("spool_dir", filepath.Join(configDir(), "spool"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("Warning: failed to read config: %v", err)
		}
	}
}

func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hobbyd"
	}
	return filepath.Join(home, ".hobbyd")
}

// newLogger builds a component logger writing to stderr, and to a rotated
// file when log_file is configured.
func newLogger(prefix string) *log.Logger {
	var out io.Writer = os.Stderr
	if logFile := viper.GetString("log_file"); logFile != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // MB
			MaxBackups: 3,
			MaxAge:     28, // days
		})
	}
	return log.New(out, prefix, log.LstdFlags)
}
