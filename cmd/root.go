package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/yaoapp/relay/config"
	"github.com/yaoapp/relay/share"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   share.BUILDNAME,
	Short: "Relay protocol proxy",
	Long:  `Relay protocol proxy`,
	Args:  cobra.MinimumNArgs(1),
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(os.Stderr, "One or more arguments are not correct", args)
		os.Exit(1)
	},
}

func init() {
	rootCmd.AddCommand(
		versionCmd,
		startCmd,
	)
	rootCmd.PersistentFlags().StringVarP(&envFile, "env", "e", "", "Environment file")
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Boot loads the configuration and applies the run mode
func Boot() error {
	var cfg config.Config
	var err error
	if envFile != "" {
		cfg, err = config.LoadFrom(envFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	config.Conf = cfg

	if config.Conf.Mode == "development" {
		config.Development()
	} else {
		config.Production()
	}
	return nil
}
