package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/wirechat-sync/internal/client"
	"github.com/vovakirdan/wirechat-sync/internal/log"
	"github.com/vovakirdan/wirechat-sync/internal/proto"
)

type options struct {
	server   string
	user     string
	token    string
	logLevel string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "chatcli",
		Short:         "Terminal client for a wirechat-sync server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.server, "server", "s", "http://localhost:8080", "server base URL")
	pf.StringVarP(&opts.user, "user", "u", os.Getenv("WIRECHAT_USER"), "identity to connect as")
	pf.StringVar(&opts.token, "token", os.Getenv("WIRECHAT_TOKEN"), "JWT issued by /api/login")
	pf.StringVar(&opts.logLevel, "log-level", "warn", "log level")

	root.AddCommand(
		newListCmd(opts),
		newWatchCmd(opts),
		newSendCmd(opts),
		newCreateCmd(opts),
		newAddCmd(opts),
	)
	return root
}

func newListCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List your chats, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeFn, err := openSession(cmd.Context(), opts, nil)
			if err != nil {
				return err
			}
			defer closeFn()

			for _, c := range s.State().Chats {
				printChatLine(c)
			}
			return nil
		},
	}
}

func newWatchCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [chatId]",
		Short: "Follow your chat list and, optionally, one chat's messages",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var printer statePrinter
			s, closeFn, err := openSession(ctx, opts, printer.print)
			if err != nil {
				return err
			}
			defer closeFn()

			if len(args) == 1 {
				if err := s.SelectChat(ctx, args[0]); err != nil {
					return err
				}
			}

			select {
			case <-ctx.Done():
				return nil
			case <-s.Done():
				return s.Err()
			}
		},
	}
}

func newSendCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "send <chatId> <message...>",
		Short: "Send a message to a chat",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeFn, err := openSession(cmd.Context(), opts, nil)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := s.SelectChat(cmd.Context(), args[0]); err != nil {
				return err
			}
			s.SetDraft(strings.Join(args[1:], " "))
			if err := s.SendMessage(cmd.Context()); err != nil {
				return err
			}
			printMessages(s.State().Selected)
			return nil
		},
	}
}

func newCreateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "create <username>",
		Short: "Start a chat with another user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeFn, err := openSession(cmd.Context(), opts, nil)
			if err != nil {
				return err
			}
			defer closeFn()

			s.SelectUser(args[0])
			if err := s.CreateChat(cmd.Context()); err != nil {
				return err
			}
			if sel := s.State().Selected; sel != nil {
				printChatLine(*sel)
			}
			return nil
		},
	}
}

func newAddCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "add <chatId> <username>",
		Short: "Add a participant to a chat",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeFn, err := openSession(cmd.Context(), opts, nil)
			if err != nil {
				return err
			}
			defer closeFn()

			return s.AddParticipant(cmd.Context(), args[0], args[1])
		},
	}
}

// openSession dials the socket, starts a session and returns a func that
// closes both.
func openSession(ctx context.Context, opts *options, onChange func(client.State)) (*client.Session, func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.user == "" && opts.token == "" {
		return nil, nil, errors.New("either --user or --token is required")
	}
	logger := log.New(opts.logLevel, "console")

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	sock, err := client.DialSocket(dialCtx, wsURL(opts.server), proto.HelloData{User: opts.user, Token: opts.token}, logger)
	if err != nil {
		return nil, nil, err
	}

	sessionOpts := []client.Option{client.WithLogger(logger)}
	if onChange != nil {
		sessionOpts = append(sessionOpts, client.WithOnChange(onChange))
	}
	// The server decides identity when a token is used.
	s := client.NewSession(sock.User(), client.NewHTTPAPI(opts.server, opts.token, nil), sock, sessionOpts...)
	if err := s.Start(dialCtx); err != nil {
		sock.Close()
		return nil, nil, err
	}

	closeFn := func() {
		s.Close()
		if err := sock.Close(); err != nil {
			logger.Debug().Err(err).Msg("close socket")
		}
	}
	return s, closeFn, nil
}

func wsURL(server string) string {
	server = strings.TrimRight(server, "/")
	switch {
	case strings.HasPrefix(server, "https://"):
		return "wss://" + strings.TrimPrefix(server, "https://") + "/ws"
	case strings.HasPrefix(server, "http://"):
		return "ws://" + strings.TrimPrefix(server, "http://") + "/ws"
	}
	return server + "/ws"
}

// statePrinter prints what changed between consecutive snapshots.
type statePrinter struct {
	mu       sync.Mutex
	chats    map[string]int
	selected int
}

func (p *statePrinter) print(st client.State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.chats == nil {
		p.chats = make(map[string]int)
		for _, c := range st.Chats {
			p.chats[c.ID] = len(c.Participants)
			printChatLine(c)
		}
	}
	for _, c := range st.Chats {
		if n, ok := p.chats[c.ID]; !ok || n != len(c.Participants) {
			p.chats[c.ID] = len(c.Participants)
			fmt.Print("* ")
			printChatLine(c)
		}
	}
	if st.Selected != nil && len(st.Selected.Messages) > p.selected {
		for _, m := range st.Selected.Messages[p.selected:] {
			printMessage(m)
		}
		p.selected = len(st.Selected.Messages)
	}
}

func printChatLine(c proto.Chat) {
	fmt.Printf("%s  [%s]  %d messages\n", c.ID, strings.Join(c.Participants, ", "), len(c.Messages))
}

func printMessages(c *proto.Chat) {
	if c == nil {
		return
	}
	for _, m := range c.Messages {
		printMessage(m)
	}
}

func printMessage(m proto.Message) {
	fmt.Printf("%s  %s: %s\n", m.SentAt.Local().Format(time.Kitchen), m.MsgFrom, m.Msg)
}
