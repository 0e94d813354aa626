package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"promptforge/app"

	"github.com/spf13/cobra"
)

var (
	service     string
	application *app.App
)

var rootCmd = &cobra.Command{
	Use:           "promptforge <command>",
	Short:         "PromptForge services and event consumers",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.Boot()
		if err != nil {
			return err
		}
		application = a
		if service == "" {
			service = a.Service()
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if application != nil {
			_ = application.Logger().Sync()
		}
	},
}

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Serve the HTTP API of one service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return application.RunAPI(cmd.Context(), service)
	},
}

var consumerCmd = &cobra.Command{
	Use:   "consumer",
	Short: "Run the event consumer of one service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return application.RunConsumer(cmd.Context(), service)
	},
}

var standaloneCmd = &cobra.Command{
	Use:   "standalone",
	Short: "Run every service and consumer in one process on the in-memory broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		return application.RunStandalone(cmd.Context())
	},
}

func init() {
	for _, cmd := range []*cobra.Command{apiCmd, consumerCmd} {
		cmd.Flags().StringVar(&service, "service", "", "service to run (user-service, prompt-service, analytics-service); defaults to SERVICE_NAME")
	}
	rootCmd.AddCommand(apiCmd, consumerCmd, standaloneCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		stop()
		os.Exit(1)
	}
}
