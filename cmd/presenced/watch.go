package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/cobra"
)

var (
	watchURL    string
	watchBranch string
	watchUser   string
	watchName   string
	watchRole   string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Connect to a gateway as a client and print every frame",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		return watch(ctx)
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchURL, "url", "ws://localhost:8080/ws", "gateway websocket URL")
	watchCmd.Flags().StringVar(&watchBranch, "branch", "", "branch id")
	watchCmd.Flags().StringVar(&watchUser, "user", "", "user id")
	watchCmd.Flags().StringVar(&watchName, "name", "", "display name")
	watchCmd.Flags().StringVar(&watchRole, "role", "", "role")
	_ = watchCmd.MarkFlagRequired("branch")
	_ = watchCmd.MarkFlagRequired("user")
}

func watch(ctx context.Context) error {
	u, err := url.Parse(watchURL)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("branchId", watchBranch)
	q.Set("userId", watchUser)
	if watchName != "" {
		q.Set("name", watchName)
	}
	if watchRole != "" {
		q.Set("role", watchRole)
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "watch done")

	for {
		var frame json.RawMessage
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fmt.Println(string(frame))
	}
}
