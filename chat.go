package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"chat-relay/internal/logging"
	"chat-relay/internal/models"
	"chat-relay/internal/syncmgr"
)

func newChatCmd() *cobra.Command {
	var (
		relayURL string
		deviceID string
		name     string
		roomID   string
		logLevel string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Join a room from the terminal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := logging.New(logLevel, "text")
			if err != nil {
				return err
			}
			m := syncmgr.New(syncmgr.WSDialer{URL: relayURL, DeviceID: deviceID, DisplayName: name}, syncmgr.Config{
				DeviceID:    deviceID,
				DisplayName: name,
				Logger:      logger,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			runErr := make(chan error, 1)
			go func() { runErr <- m.Run(ctx) }()
			if err := m.Activate(ctx, roomID, models.RoomDirect); err != nil {
				return err
			}

			session := &chatSession{m: m, room: roomID, out: cmd.OutOrStdout()}
			go session.render(ctx)
			session.readInput(ctx, cmd.InOrStdin())
			stop()
			if err := <-runErr; err != nil && err != context.Canceled {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&relayURL, "url", "ws://localhost:8083/ws", "relay websocket url")
	cmd.Flags().StringVar(&deviceID, "device", "", "device id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&roomID, "room", "lobby", "room to join")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "log level")
	_ = cmd.MarkFlagRequired("device")
	return cmd
}

type chatSession struct {
	m    *syncmgr.Manager
	room string
	out  io.Writer
}

func (s *chatSession) render(ctx context.Context) {
	events, unsubscribe := s.m.Subscribe(64)
	defer unsubscribe()
	printed := map[string]models.Status{}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case syncmgr.EventMessages:
				if ev.RoomID != s.room {
					continue
				}
				for _, e := range s.m.Messages(s.room) {
					if status, seen := printed[e.ID]; seen && status == e.Status && !e.IsDeleted {
						continue
					}
					printed[e.ID] = e.Status
					s.printEntry(e)
				}
			case syncmgr.EventTyping:
				if users := s.m.TypingUsers(s.room); len(users) > 0 {
					fmt.Fprintf(s.out, "  %s typing...\n", strings.Join(users, ", "))
				}
			case syncmgr.EventSendFailed:
				fmt.Fprintf(s.out, "! send %s failed, /retry %s\n", ev.MessageID, ev.MessageID)
			case syncmgr.EventConnection:
				if ev.Connected {
					fmt.Fprintln(s.out, "* connected")
				} else {
					fmt.Fprintln(s.out, "* disconnected, reconnecting")
				}
			case syncmgr.EventError:
				fmt.Fprintf(s.out, "! %v\n", ev.Err)
			}
		}
	}
}

func (s *chatSession) printEntry(e syncmgr.Entry) {
	text := e.Text
	if e.IsDeleted {
		text = "(deleted)"
	}
	fmt.Fprintf(s.out, "[%s] %s %s: %s (%s)\n", e.CreatedAt.Local().Format(time.Kitchen), e.ID, e.SenderID, text, e.Status)
}

func (s *chatSession) readInput(ctx context.Context, in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := s.command(ctx, line); err != nil {
			if err == io.EOF {
				return
			}
			fmt.Fprintf(s.out, "! %v\n", err)
		}
	}
}

func (s *chatSession) command(ctx context.Context, line string) error {
	if !strings.HasPrefix(line, "/") {
		_, err := s.m.Send(s.room, syncmgr.Outgoing{Text: line})
		return err
	}
	fields := strings.Fields(line)
	arg := func(i int) string {
		if i < len(fields) {
			return fields[i]
		}
		return ""
	}
	switch fields[0] {
	case "/quit":
		return io.EOF
	case "/typing":
		return s.m.SetTyping(ctx, s.room, arg(1) != "off")
	case "/read":
		return s.m.MarkRead(ctx, s.room)
	case "/delete":
		return s.m.DeleteMessage(ctx, s.room, arg(1))
	case "/react":
		return s.m.AddReaction(ctx, s.room, arg(1), arg(2))
	case "/reply":
		_, err := s.m.Send(s.room, syncmgr.Outgoing{ReplyTo: arg(1), Text: strings.Join(fields[min(2, len(fields)):], " ")})
		return err
	case "/retry":
		return s.m.Retry(arg(1))
	case "/name":
		return s.m.SetDisplayName(ctx, strings.Join(fields[1:], " "))
	case "/clear":
		return s.m.ClearChat(ctx, s.room)
	case "/pin", "/mute":
		flag := models.FlagPinned
		if fields[0] == "/mute" {
			flag = models.FlagMuted
		}
		return s.m.SetFlag(ctx, s.room, flag, arg(1) != "off")
	case "/rooms":
		for _, r := range s.m.Rooms() {
			fmt.Fprintf(s.out, "  %s unread=%d pinned=%t muted=%t\n", r.ID, r.UnreadCount, r.Pinned, r.Muted)
		}
		return nil
	}
	return fmt.Errorf("unknown command %s", fields[0])
}
