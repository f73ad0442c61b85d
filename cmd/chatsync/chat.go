package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/healthevents/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <peer-id>",
	Short: "Chat interactively with a peer",
	Long: `Open a live conversation. Lines typed are sent as messages.

Commands:
  /file <path> [caption]  send a file
  /resend <temp-id>       resend a message that failed
  /pending                list messages not yet confirmed
  /reload                 reload history from the server
  /retry                  reconnect after the connection gave up
  /quit                   leave`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireConfig()
		if err != nil {
			return err
		}
		out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()

		s := newSession(cfg, errOut)
		defer s.Shutdown()

		p := &printer{out: out, selfID: cfg.Identity.UserID, seen: make(map[string]bool)}
		s.On(chatsync.EventMessages, func(_ string, payload any) {
			if payload.(string) == s.RoomID() {
				p.flush(s.Messages())
			}
		})
		s.On(chatsync.EventConnection, func(_ string, payload any) {
			fmt.Fprintf(errOut, "* %s\n", payload)
		})
		s.On(chatsync.EventNotice, func(_ string, payload any) {
			fmt.Fprintln(errOut, formatNotice(payload.(chatsync.Notice)))
		})

		room := s.Open(chatsync.Participant{ID: args[0]})
		fmt.Fprintf(errOut, "* room %s, type /quit to leave\n", room)

		ctx := cmd.Context()
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			quit, err := handleLine(ctx, s, scanner.Text(), errOut)
			if err != nil {
				fmt.Fprintf(errOut, "! %v\n", err)
			}
			if quit {
				break
			}
		}
		return scanner.Err()
	},
}

// chatSession is the part of *chatsync.Session driven by typed lines.
type chatSession interface {
	Send(ctx context.Context, d chatsync.Draft) (chatsync.Message, error)
	Resend(ctx context.Context, tempID string) error
	Reload(ctx context.Context) error
	Retry()
	RoomID() string
	History(roomID string) []chatsync.Message
}

// handleLine executes one line of input and reports whether to quit.
func handleLine(ctx context.Context, s chatSession, line string, out io.Writer) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := s.Send(ctx, chatsync.Draft{Text: line})
		return false, err
	}

	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch name {
	case "/quit", "/exit":
		return true, nil
	case "/retry":
		s.Retry()
	case "/reload":
		return false, s.Reload(ctx)
	case "/resend":
		if rest == "" {
			return false, errors.New("usage: /resend <temp-id>")
		}
		return false, s.Resend(ctx, rest)
	case "/pending":
		n := 0
		for _, m := range s.History(s.RoomID()) {
			if m.Pending {
				fmt.Fprintf(out, "  %s  %s\n", m.TempID, m.Text)
				n++
			}
		}
		if n == 0 {
			fmt.Fprintln(out, "  nothing pending")
		}
	case "/file":
		path, caption, _ := strings.Cut(rest, " ")
		if path == "" {
			return false, errors.New("usage: /file <path> [caption]")
		}
		f, err := chatsync.ReadFileUpload(path)
		if err != nil {
			return false, err
		}
		_, err = s.Send(ctx, chatsync.Draft{Text: caption, File: f})
		return false, err
	default:
		return false, fmt.Errorf("unknown command %s", name)
	}
	return false, nil
}

func formatNotice(n chatsync.Notice) string {
	var b strings.Builder
	fmt.Fprintf(&b, "! %s", n.Kind)
	if n.TempID != "" {
		fmt.Fprintf(&b, " [%s]", n.TempID)
	}
	if n.Err != nil {
		fmt.Fprintf(&b, ": %v", n.Err)
	}
	switch n.Kind {
	case chatsync.NoticeReconnectExhausted:
		b.WriteString(" (type /retry to reconnect)")
	case chatsync.NoticeDeliveryFailed, chatsync.NoticeUploadFailed:
		b.WriteString(" (type /resend " + n.TempID + ")")
	}
	return b.String()
}

// printer writes a pending message when it appears and again once it is
// confirmed. Everything else is written once.
type printer struct {
	mu     sync.Mutex
	out    io.Writer
	selfID string
	seen   map[string]bool
}

func (p *printer) flush(msgs []chatsync.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		key := m.ID
		switch {
		case m.Pending:
			key = "pending:" + m.TempID
		case key == "":
			key = m.Timestamp + "|" + m.SenderID + "|" + m.Text
		}
		if p.seen[key] {
			continue
		}
		p.seen[key] = true
		fmt.Fprintln(p.out, formatMessage(m, p.selfID))
	}
}
