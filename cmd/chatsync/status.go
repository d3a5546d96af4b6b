package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connection status",
	Long:  "Display the effective configuration, then try to connect and fetch the conversation list.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Base URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		if cfg.Auth.Token != "" {
			fmt.Fprintf(out, "  Token:     %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Fprintln(out, "  Token:     (not set)")
		}
		fmt.Fprintf(out, "  User ID:   %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		fmt.Fprintf(out, "  Transport: %s\n", valueOrDefault(cfg.Realtime.Transport, "auto"))

		if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
			return nil
		}

		sess, err := newSession(cfg)
		if err != nil {
			return err
		}
		defer sess.Close()

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live status:")

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		if err := sess.conn.Connect(ctx); err != nil {
			fmt.Fprintf(out, "  Connection:    failed (%v)\n", err)
		} else {
			st := sess.conn.Status()
			fmt.Fprintf(out, "  Connection:    %s via %s\n", st.State, st.Transport)
		}

		convs, err := sess.client.ListConversations(ctx)
		if err != nil {
			fmt.Fprintf(out, "  Error fetching conversations: %v\n", err)
			return nil
		}
		unread := 0
		for _, c := range convs {
			unread += c.UnreadCount
		}
		fmt.Fprintf(out, "  Conversations: %d\n", len(convs))
		fmt.Fprintf(out, "  Unread:        %d\n", unread)
		return nil
	},
}
