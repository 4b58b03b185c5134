package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/electr1fy0/presence/internal/config"
	"github.com/electr1fy0/presence/internal/logger"
)

var (
	cfg *config.Config
	log *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "presenced",
	Short: "Branch presence tracking service",
	Long: `presenced tracks which users are connected to which branch and
broadcasts membership changes to websocket clients.

Without REDIS_URL it keeps state in process. With REDIS_URL every instance
shares one view through Redis and relays events over Redis pub/sub.

Example usage:
  presenced serve                          # run the gateway on $PORT
  presenced serve --redis-url redis://cache:6379/0
  presenced online                         # dump every branch's members
  presenced watch --branch b1 --user u1    # print frames as a client`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		log = logger.Init(cfg.LogLevel)
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd, onlineCmd, watchCmd)
}
