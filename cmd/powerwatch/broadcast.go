package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"powerwatch/cmd/powerwatch/ui"
	"powerwatch/internal/queue"
)

func broadcastCmd() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "broadcast <text>",
		Short: "Queue a message to every active subscriber",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.TrimSpace(strings.Join(args, " "))
			if text == "" {
				return fmt.Errorf("broadcast text is empty")
			}
			payload, err := queue.EncodeBroadcast(queue.BroadcastPayload{Text: text, Prefix: prefix})
			if err != nil {
				return err
			}
			s, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			id, err := s.EnqueueJob(cmd.Context(), queue.KindBroadcast, payload, nil, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("broadcast queued as job %d", id))
			return nil
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "Message prefix (default 📢 )")
	return cmd
}
