package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cuts-ae/support/internal/console"
	"github.com/cuts-ae/support/internal/session"
)

const shellHelp = `commands:
  queue                 list waiting sessions
  active                list your active sessions
  accept <id>           claim a waiting session
  open <id>             open one of your active sessions
  leave                 close the open session view
  send <text>           send a message to the open session
  image <url> [caption] send an uploaded image
  type <text>           update the composer (drives the typing indicator)
  close [id]            end a session (default: the open one)
  state                 show connectivity and the open session
  resync                re-read the snapshot
  quit                  exit`

// shell is the line-oriented operator interface.
type shell struct {
	c   *console.Console
	in  io.Reader
	out io.Writer
}

func newShell(c *console.Console, in io.Reader, out io.Writer) *shell {
	return &shell{c: c, in: in, out: out}
}

func (s *shell) run(ctx context.Context) {
	fmt.Fprintln(s.out, shellHelp)
	scanner := bufio.NewScanner(s.in)
	for {
		fmt.Fprint(s.out, "> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			return
		}
		if err := s.exec(ctx, line); err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *shell) exec(ctx context.Context, line string) error {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "queue", "active":
		st, err := s.c.State(ctx)
		if err != nil {
			return err
		}
		list := st.Queue
		if cmd == "active" {
			list = st.Active
		}
		s.printSessions(list)
	case "accept":
		return s.c.Accept(ctx, rest)
	case "open":
		return s.c.Select(ctx, rest)
	case "leave":
		return s.c.Deselect(ctx)
	case "send":
		return s.c.Send(ctx, rest)
	case "image":
		url, caption, _ := strings.Cut(rest, " ")
		return s.c.SendImage(ctx, url, strings.TrimSpace(caption))
	case "type":
		return s.c.InputChanged(ctx, rest)
	case "close":
		id := rest
		if id == "" {
			st, err := s.c.State(ctx)
			if err != nil {
				return err
			}
			if st.Selected == "" {
				return console.ErrNoSelection
			}
			id = st.Selected
		}
		return s.c.Close(ctx, id)
	case "state":
		st, err := s.c.State(ctx)
		if err != nil {
			return err
		}
		s.printState(st)
	case "resync":
		return s.c.Resync(ctx)
	case "help":
		fmt.Fprintln(s.out, shellHelp)
	default:
		return fmt.Errorf("unknown command %q (try help)", cmd)
	}
	return nil
}

func (s *shell) printSessions(list []session.Session) {
	if len(list) == 0 {
		fmt.Fprintln(s.out, "  (none)")
		return
	}
	for _, sess := range list {
		preview := ""
		if sess.LastMessage != nil {
			preview = sess.LastMessage.Content
			if len(preview) > 40 {
				preview = preview[:40] + "..."
			}
		}
		fmt.Fprintf(s.out, "  %-36s %-8s unread=%-3d %s  %q\n",
			sess.ID, sess.Status, sess.UnreadCount, sess.CreatedAt.Format(time.Kitchen), preview)
		if sess.SubjectLabel != "" {
			fmt.Fprintf(s.out, "      %s\n", sess.SubjectLabel)
		}
	}
}

func (s *shell) printState(st console.State) {
	conn := "disconnected"
	if st.Connected {
		conn = "connected"
	}
	fmt.Fprintf(s.out, "  %s  queue=%d active=%d\n", conn, len(st.Queue), len(st.Active))
	if st.Selected == "" {
		fmt.Fprintln(s.out, "  no session open")
		return
	}
	fmt.Fprintf(s.out, "  open: %s (%s)\n", st.Selected, st.Phase)
	for _, m := range st.Messages {
		body := m.Content
		if m.AttachmentRef != "" {
			body = strings.TrimSpace(body + " [" + m.AttachmentRef + "]")
		}
		fmt.Fprintf(s.out, "    %s %-8s %s\n", m.CreatedAt.Format(time.Kitchen), m.SenderRole, body)
	}
	if st.Typing {
		fmt.Fprintln(s.out, "    ... customer is typing")
	}
}
