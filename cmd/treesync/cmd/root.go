package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aweris/treesync"
	"github.com/aweris/treesync/drive"
)

var rootCmd = &cobra.Command{
	Use:               "treesync",
	Short:             "Diff, merge and export trees between folders and archives",
	Long:              "CLI for comparing and synchronising local folders and versioned archives.",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

// config is the validated view of the viper settings.
type config struct {
	LibraryDir       string `mapstructure:"library_dir" validate:"required"`
	Concurrency      int    `mapstructure:"concurrency" validate:"gte=1,lte=256"`
	LogLevel         string `mapstructure:"log_level" validate:"oneof=trace debug info warn error"`
	LogFormat        string `mapstructure:"log_format" validate:"oneof=text json"`
	CompressionLevel int    `mapstructure:"compression_level" validate:"gte=0,lte=3"`
}

var cfg config

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default: ~/.config/treesync/config.yaml)")
	rootCmd.PersistentFlags().String("library-dir", "", "archive library directory (default: ~/.local/share/treesync)")
	rootCmd.PersistentFlags().Int("concurrency", 0, "parallel operations")
	rootCmd.PersistentFlags().String("log-level", "", "log level: trace, debug, info, warn or error")
	rootCmd.PersistentFlags().String("log-format", "", "log format: text or json")

	viper.BindPFlag("library_dir", rootCmd.PersistentFlags().Lookup("library-dir"))
	viper.BindPFlag("concurrency", rootCmd.PersistentFlags().Lookup("concurrency"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func initConfig() {
	if file := rootCmd.PersistentFlags().Lookup("config").Value.String(); file != "" {
		viper.SetConfigFile(file)
	} else {
		viper.AddConfigPath(configDir())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("TREESYNC")
	viper.AutomaticEnv()
	viper.SetDefault("library_dir", defaultLibraryDir())
	viper.SetDefault("concurrency", 8)
	viper.SetDefault("log_level", "warn")
	viper.SetDefault("log_format", "text")
	viper.SetDefault("compression_level", 2)

	viper.ReadInConfig()
}

func setup(cmd *cobra.Command, args []string) error {
	if err := viper.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	logrus.SetOutput(os.Stderr)
	if cfg.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	}
	return nil
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "treesync")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "treesync")
	}
	return ".treesync"
}

func defaultLibraryDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "treesync")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "treesync")
	}
	return ".treesync"
}

func openLibrary() (*drive.Library, error) {
	return drive.OpenLibrary(cfg.LibraryDir,
		drive.WithConcurrency(cfg.Concurrency),
		drive.WithCompressionLevel(cfg.CompressionLevel),
		drive.WithLogger(logrus.StandardLogger()),
	)
}

func newEngine() *treesync.Engine {
	return treesync.New(
		treesync.WithConcurrency(cfg.Concurrency),
		treesync.WithLogger(logrus.StandardLogger()),
	)
}
