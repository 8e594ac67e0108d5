package main

import (
	"errors"
	"io/fs"
	"os"

	"github.com/MarcoPoloResearchLab/ordersync/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	envFile string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "ordersync",
		Short:         "Real-time order collaboration hub and client",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newWatchCommand(), newCommitCommand(), newSoundCommand())
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before reading the environment")
	flags.String("base-url", defaults.GetString("sync.base_url"), "Order API base URL")
	flags.String("prefs-database-path", defaults.GetString("prefs.database_path"), "SQLite path for client identity and preferences")
	flags.String("user-id", "", "Client user id (generated on first run when empty)")
	flags.String("user-name", "", "Client display name")
	flags.String("user-role", "", "Client role")
	flags.String("sound-player", defaults.GetString("sound.player"), "Cue output (bell, command, none)")
	flags.String("sound-command", "", "Audio program receiving WAV cues on stdin, e.g. \"aplay -q -\"")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-format", defaults.GetString("log.format"), "Log format (json, console)")

	bindFlag(cmd, "sync.base_url", "base-url")
	bindFlag(cmd, "prefs.database_path", "prefs-database-path")
	bindFlag(cmd, "user.id", "user-id")
	bindFlag(cmd, "user.name", "user-name")
	bindFlag(cmd, "user.role", "user-role")
	bindFlag(cmd, "sound.player", "sound-player")
	bindFlag(cmd, "sound.command", "sound-command")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func bindLocalFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
