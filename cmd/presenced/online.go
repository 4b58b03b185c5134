package main

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/electr1fy0/presence/internal/presence"
)

var onlineRedisURL string

var onlineCmd = &cobra.Command{
	Use:   "online",
	Short: "Print every branch and its online members",
	Long: `online lists every branch in the shared Redis store with its members.
It scans all branch keys, so keep it for occasional admin use.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		url := cfg.RedisURL
		if cmd.Flags().Changed("redis-url") {
			url = onlineRedisURL
		}
		if url == "" {
			return errors.New("online needs a shared store: set REDIS_URL or --redis-url")
		}

		backend, err := presence.RedisBackend(cmd.Context(), url, log)
		if err != nil {
			return err
		}
		registry := presence.NewRegistry(backend, presence.WithInstanceID(cfg.InstanceID), presence.WithLogger(log))
		defer registry.Close()

		all, err := registry.ListAllOnline(cmd.Context())
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(all)
	},
}

func init() {
	onlineCmd.Flags().StringVar(&onlineRedisURL, "redis-url", "", "shared Redis URL (overrides REDIS_URL)")
}
