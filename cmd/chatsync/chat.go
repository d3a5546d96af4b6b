package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/wayfarer-travel/chatsync"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <conversation-id>",
	Short: "Open a conversation and chat interactively",
	Long: "Open a conversation, print its history and follow it live.\n" +
		"Each input line is sent as a message. Commands:\n" +
		"  /retry  resend every failed message\n" +
		"  /quit   leave the conversation",
	Args: cobra.ExactArgs(1),
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

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		return runChat(ctx, sess, args[0], cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

// chatPrinter serializes output from the read goroutine and the input loop.
// Each message is printed once, whether it arrives in the history snapshot
// or as a live mutation.
type chatPrinter struct {
	mu      sync.Mutex
	w       io.Writer
	userID  string
	printed map[string]bool
}

func (p *chatPrinter) printf(format string, a ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, a...)
}

func (p *chatPrinter) message(m chatsync.Message) {
	if !p.firstSight(m) {
		return
	}
	who := m.SenderID
	if who == p.userID {
		who = "you"
	}
	mark := ""
	switch {
	case m.IsPending():
		mark = " …"
	case m.IsFailed():
		mark = " (failed, /retry to resend)"
	}
	p.printf("[%s] %s: %s%s\n", m.CreatedAt.Local().Format("15:04"), who, m.Text, mark)
}

// firstSight records m and reports whether it was not printed before.
func (p *chatPrinter) firstSight(m chatsync.Message) bool {
	key := "id:" + m.ID.String()
	if m.TempID != "" {
		key = "tmp:" + m.TempID
	} else if m.ID == "" {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.printed == nil {
		p.printed = make(map[string]bool)
	}
	if p.printed[key] {
		return false
	}
	p.printed[key] = true
	return true
}

// snapshot prints the entries of a Messages() copy not yet seen live.
func (p *chatPrinter) snapshot(msgs []chatsync.Message) {
	for _, m := range msgs {
		p.message(m)
	}
}

func (p *chatPrinter) mutation(m chatsync.Mutation) {
	switch m.Kind {
	case chatsync.MutationLoaded:
		p.printf("-- %d messages --\n", m.Len)
	case chatsync.MutationAppended, chatsync.MutationInserted:
		p.message(m.Message)
	case chatsync.MutationReplaced:
		p.printf("  ✓ delivered: %s\n", m.Message.Text)
	case chatsync.MutationStateChanged:
		if m.Message.IsFailed() {
			p.printf("  ! not delivered: %s (/retry to resend)\n", m.Message.Text)
		}
	case chatsync.MutationRead:
		if m.Message.SenderID == p.userID {
			p.printf("  ✓✓ read: %s\n", m.Message.Text)
		}
	}
}

func runChat(ctx context.Context, sess *session, conversationID string, in io.Reader, out io.Writer) error {
	pr := &chatPrinter{w: out, userID: sess.cfg.Auth.UserID}

	sess.conn.OnStateChange(func(st chatsync.ConnectionStatus) {
		switch st.State {
		case chatsync.StateReconnecting:
			pr.printf("  (reconnecting, attempt %d)\n", st.Attempt)
		case chatsync.StateConnected:
			pr.printf("  (connected via %s)\n", st.Transport)
		case chatsync.StateDisconnected:
			pr.printf("  (disconnected, messages will be queued)\n")
		}
	})

	if err := sess.conn.Connect(ctx); err != nil {
		logger.Warn("initial connect failed, retrying in background", "error", err)
	}

	inbox, err := sess.newInbox()
	if err != nil {
		return err
	}
	defer inbox.Close()

	scroller := chatsync.ScrollerFunc(func(animated bool) {
		logger.Debug("scroll to bottom", "animated", animated)
	})
	view, err := inbox.Open(ctx, conversationID, scroller)
	if view == nil {
		return err
	}
	defer view.Close()

	// Subscribe before the snapshot so pushes landing in between are not lost.
	view.Store.Observe(pr.mutation)
	if err != nil {
		pr.printf("  ! history unavailable: %v\n", err)
	}
	pr.snapshot(view.Store.Messages())
	view.Typing.OnRemoteChange(func(users []string) {
		if len(users) > 0 {
			pr.printf("  %s typing…\n", strings.Join(users, ", "))
		}
	})

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				// Leave time for the last echo before disconnecting.
				waitForPending(ctx, view.Sender, 2*time.Second)
				return nil
			}
			if quit := handleLine(ctx, view, pr, line); quit {
				return nil
			}
		}
	}
}

// handleLine processes one input line and reports whether to quit.
func handleLine(ctx context.Context, view *chatsync.ConversationView, out *chatPrinter, line string) bool {
	switch strings.TrimSpace(line) {
	case "":
		return false
	case "/quit":
		return true
	case "/retry":
		n := 0
		for _, m := range view.Store.Messages() {
			if !m.IsFailed() {
				continue
			}
			if err := view.Sender.Resend(ctx, m.TempID); err != nil {
				out.printf("  ! resend failed: %v\n", err)
				continue
			}
			n++
		}
		out.printf("  resent %d message(s)\n", n)
		return false
	}

	if err := view.Typing.Keystroke(ctx, line); err != nil {
		logger.Debug("typing signal failed", "error", err)
	}
	if _, err := view.Sender.Send(ctx, line); err != nil {
		out.printf("  ! %v\n", err)
	}
	return false
}

func waitForPending(ctx context.Context, s *chatsync.Sender, limit time.Duration) {
	deadline := time.Now().Add(limit)
	for len(s.Pending()) > 0 && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}
