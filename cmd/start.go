package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/yaoapp/relay/config"
	"github.com/yaoapp/relay/server"
	"github.com/yaoapp/relay/share"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the proxy",
	Long:  `Start the proxy`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := Boot(); err != nil {
			fmt.Fprintln(os.Stderr, color.RedString("Fatal: %s", err.Error()))
			os.Exit(1)
		}

		mode := ""
		if config.Conf.Mode == "development" {
			mode = color.RedString("development mode")
		}
		fmt.Print(color.GreenString("\nRelay v%s %s", share.VERSION, mode))
		fmt.Print(color.WhiteString("\n---------------------------------"))
		fmt.Print(color.GreenString("\nProfiles: %s", config.Conf.ProfilesPath))
		fmt.Print(color.GreenString("\nProviders: %s", config.Conf.ProvidersPath))
		fmt.Print(color.WhiteString("\n---------------------------------\n"))

		srv, err := server.New(config.Conf)
		if err != nil {
			fmt.Fprintln(os.Stderr, color.RedString("Fatal: %s", err.Error()))
			os.Exit(1)
		}

		fmt.Print(color.GreenString("\nListening http://%s:%d\n\n", config.Conf.Host, config.Conf.Port))

		done := make(chan os.Signal, 1)
		signal.Notify(done, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-done
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Stop(ctx)
		}()

		if err := srv.Start(); err != nil {
			fmt.Fprintln(os.Stderr, color.RedString("Fatal: %s", err.Error()))
			os.Exit(1)
		}
		fmt.Println(color.GreenString("Service stopped"))
	},
}
