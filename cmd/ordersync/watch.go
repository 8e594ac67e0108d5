package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/ordersync/internal/channel"
	"github.com/MarcoPoloResearchLab/ordersync/internal/collab"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const watchRefreshInterval = 500 * time.Millisecond

func newWatchCommand() *cobra.Command {
	var orderFlag string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Join an order and print presence, typing and section updates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), orderFlag, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&orderFlag, "order", "", "Order id to join")
	return cmd
}

func runWatch(ctx context.Context, rawOrderID string, out io.Writer) error {
	orderID, err := requireOrderID(rawOrderID)
	if err != nil {
		return err
	}
	runtime, err := openClientRuntime()
	if err != nil {
		return err
	}
	defer runtime.close()

	session, err := collab.NewSession(collab.Config{
		Identity:          runtime.identity,
		BaseURL:           runtime.config.BaseURL,
		Enabled:           runtime.config.SyncEnabled,
		HeartbeatInterval: runtime.config.HeartbeatInterval,
		ReconnectDelay:    runtime.config.ReconnectDelay,
		TypingTTL:         runtime.config.TypingTTL,
		Committer:         runtime.committer,
		Notifier:          runtime.dispatcher,
		Logger:            runtime.logger,
		OnComment: func(payload json.RawMessage) {
			fmt.Fprintf(out, "comment: %s\n", payload)
		},
		OnStatus: func(status channel.Status) {
			runtime.logger.Info("channel state",
				zap.String("state", string(status.State)),
				zap.String("order_id", status.OrderID.String()),
				zap.String("error", status.Err))
		},
	})
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.Open(orderID); err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(watchRefreshInterval)
	defer ticker.Stop()
	previous := ""
	for {
		select {
		case <-signalCtx.Done():
			return nil
		case <-ticker.C:
			current := describeSession(session)
			if current != previous {
				fmt.Fprintln(out, current)
				previous = current
			}
		}
	}
}

func describeSession(session *collab.Session) string {
	var builder strings.Builder
	status := session.Status()
	fmt.Fprintf(&builder, "[%s] order %s", status.State, session.OrderID())
	if status.Err != "" {
		fmt.Fprintf(&builder, " (%s)", status.Err)
	}

	others := session.Others()
	names := make([]string, 0, len(others))
	for _, user := range others {
		names = append(names, displayName(user.UserName, user.UserID))
	}
	fmt.Fprintf(&builder, " | viewing: %s", joinOrNone(names))

	typing := session.Typing()
	typists := make([]string, 0, len(typing))
	for _, marker := range typing {
		typists = append(typists, displayName(marker.UserName, marker.UserID))
	}
	fmt.Fprintf(&builder, " | typing: %s", joinOrNone(typists))

	pending := session.PendingUpdates()
	changed := make([]string, 0, len(pending))
	for _, notice := range pending {
		changed = append(changed, fmt.Sprintf("%s v%d by %s", notice.Section, notice.Version, displayName(notice.UpdatedByName, notice.UpdatedByID)))
	}
	fmt.Fprintf(&builder, " | updated: %s", joinOrNone(changed))
	return builder.String()
}

func displayName(name, id string) string {
	if strings.TrimSpace(name) != "" {
		return name
	}
	return id
}

func joinOrNone(values []string) string {
	if len(values) == 0 {
		return "-"
	}
	return strings.Join(values, ", ")
}
