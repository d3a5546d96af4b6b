package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/wayfarer-travel/chatsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// inbox list
	inboxListWatch  bool
	inboxListUnread bool
	inboxListJSON   bool

	// inbox start
	inboxStartJSON bool
)

// ============================================================================
// Root inbox command
// ============================================================================

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "Conversation list",
}

// ============================================================================
// inbox list
// ============================================================================

var inboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, most recent first",
	Long:  "List conversations. With --watch, stay connected and reprint the list whenever a message arrives.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		sess, err := newSession(cfg)
		if err != nil {
			return err
		}
		defer sess.Close()

		inbox, err := sess.newInbox()
		if err != nil {
			return err
		}
		defer inbox.Close()

		out := cmd.OutOrStdout()
		if !inboxListWatch {
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			convs, err := inbox.Load(ctx)
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			return printConversations(out, convs)
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := sess.conn.Connect(ctx); err != nil {
			logger.Warn("initial connect failed, retrying in background", "error", err)
		}
		convs, err := inbox.Load(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if err := printConversations(out, convs); err != nil {
			return err
		}
		inbox.OnChange(func(convs []chatsync.Conversation) {
			fmt.Fprintln(out)
			printConversations(out, convs)
		})
		<-ctx.Done()
		return nil
	},
}

func printConversations(w io.Writer, convs []chatsync.Conversation) error {
	if inboxListUnread {
		filtered := convs[:0:0]
		for _, c := range convs {
			if c.UnreadCount > 0 {
				filtered = append(filtered, c)
			}
		}
		convs = filtered
	}

	if inboxListJSON {
		b, err := json.MarshalIndent(convs, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(b))
		return nil
	}

	if len(convs) == 0 {
		fmt.Fprintln(w, "No conversations.")
		return nil
	}
	fmt.Fprintf(w, "Conversations (%d):\n", len(convs))
	for _, c := range convs {
		unread := ""
		if c.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
		}
		when := ""
		if !c.LastMessageAt.IsZero() {
			when = " " + c.LastMessageAt.Local().Format("Jan 2 15:04")
		}
		fmt.Fprintf(w, "  %s:%s %s%s\n", c.ID, when, valueOrDefault(c.LastMessagePreview, "(no messages)"), unread)
	}
	return nil
}

// ============================================================================
// inbox start
// ============================================================================

var inboxStartCmd = &cobra.Command{
	Use:   "start <user-id>",
	Short: "Start (or find) a direct conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		sess, err := newSession(cfg)
		if err != nil {
			return err
		}
		defer sess.Close()

		inbox, err := sess.newInbox()
		if err != nil {
			return err
		}
		defer inbox.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		conv, err := inbox.StartConversation(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		out := cmd.OutOrStdout()
		if inboxStartJSON {
			b, _ := json.MarshalIndent(conv, "", "  ")
			fmt.Fprintln(out, string(b))
			return nil
		}
		fmt.Fprintf(out, "Conversation: %s\n", conv.ID)
		fmt.Fprintf(out, "  Participants: %v\n", conv.ParticipantIDs)
		fmt.Fprintf(out, "Run 'chatsync chat %s' to open it.\n", conv.ID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(inboxCmd)
	inboxCmd.AddCommand(inboxListCmd)
	inboxCmd.AddCommand(inboxStartCmd)

	inboxListCmd.Flags().BoolVarP(&inboxListWatch, "watch", "w", false, "Stay connected and reprint on every change")
	inboxListCmd.Flags().BoolVar(&inboxListUnread, "unread", false, "Show only unread conversations")
	inboxListCmd.Flags().BoolVar(&inboxListJSON, "json", false, "Output raw JSON")
	inboxStartCmd.Flags().BoolVar(&inboxStartJSON, "json", false, "Output raw JSON")
}
