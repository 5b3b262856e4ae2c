package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"whatsnep/internal/app/changefeed"
	"whatsnep/internal/app/chatsync"
	"whatsnep/internal/app/session"
	"whatsnep/internal/domain/chat"
	"whatsnep/internal/infra/obs"
	"whatsnep/internal/infra/realtime"
	"whatsnep/internal/infra/storage/memory"
)

var demoUsers = []chat.User{
	{ID: "u-alice", Handle: "alice", DisplayName: "Alice"},
	{ID: "u-bob", Handle: "bob", DisplayName: "Bob"},
	{ID: "u-carol", Handle: "carol", DisplayName: "Carol"},
}

func seedDemoUsers(ctx context.Context, store chat.Backend) error {
	for _, u := range demoUsers {
		if err := store.CreateUser(ctx, u); err != nil {
			return fmt.Errorf("seed %s: %w", u.Handle, err)
		}
	}
	return nil
}

type DemoOptions struct {
	*RootOptions
	Format  string
	Text    string
	Timeout time.Duration
}

// demoResult is what the two-user scenario observed.
type demoResult struct {
	ConversationID  string `json:"conversation_id"`
	SenderActive    string `json:"sender_active"`
	SenderMessages  int    `json:"sender_messages"`
	Text            string `json:"text"`
	UnreadBefore    int    `json:"recipient_unread_before"`
	UnreadAfter     int    `json:"recipient_unread_after"`
	MarkedRead      bool   `json:"marked_read"`
	RecipientOnline bool   `json:"sender_sees_recipient_online"`
}

func NewDemoCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DemoOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run two in-process synchronizers through a start/send/read exchange",
		Long: `Run two synchronizers (alice and bob) on the memory store.

Alice starts a conversation with bob and sends a message. Bob sees it as
unread, opens the conversation and the message is marked read.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()
			logger := obs.NewLogger("dev")
			if !opts.Verbose {
				logger = slog.New(slog.NewTextHandler(io.Discard, nil))
			}
			res, err := runDemo(ctx, opts.Text, logger)
			if err != nil {
				return err
			}
			return printDemo(cmd.OutOrStdout(), opts.Format, res)
		},
	}
	cmd.Flags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.Flags().StringVar(&opts.Text, "text", "hi", "message alice sends")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "overall deadline")
	return cmd
}

func runDemo(ctx context.Context, text string, logger *slog.Logger) (demoResult, error) {
	var res demoResult
	store := memory.NewStore()
	if err := seedDemoUsers(ctx, store); err != nil {
		return res, err
	}
	hub := realtime.NewHub(realtime.WithLogger(logger))
	backend := changefeed.New(store, hub, logger)
	clock := clockwork.NewRealClock()
	alice, bob := demoUsers[0], demoUsers[1]

	start := func(user chat.User) (*chatsync.Synchronizer, func(), error) {
		mgr := session.NewManager(backend, clock, logger)
		if _, err := mgr.SignIn(ctx, user.ID); err != nil {
			return nil, nil, err
		}
		s, err := chatsync.New(chatsync.Config{Store: backend, Realtime: hub, Session: mgr, Clock: clock, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		if err := s.Start(ctx); err != nil {
			_ = s.Close()
			return nil, nil, err
		}
		return s, func() {
			_ = s.Close()
			_ = mgr.SignOut(context.Background())
		}, nil
	}

	a, stopA, err := start(alice)
	if err != nil {
		return res, err
	}
	defer stopA()
	b, stopB, err := start(bob)
	if err != nil {
		return res, err
	}
	defer stopB()

	conv, err := a.StartConversation(ctx, bob.ID)
	if err != nil {
		return res, fmt.Errorf("start conversation: %w", err)
	}
	res.ConversationID = conv.ID
	msg, err := a.Send(ctx, text)
	if err != nil {
		return res, fmt.Errorf("send: %w", err)
	}
	res.Text = msg.Text

	if err := waitFor(ctx, b, func(s chatsync.Snapshot) bool { return s.UnreadCounts[conv.ID] == 1 }); err != nil {
		return res, fmt.Errorf("waiting for unread: %w", err)
	}
	if err := a.Quiesce(ctx); err != nil {
		return res, err
	}
	snapA, err := a.Snapshot(ctx)
	if err != nil {
		return res, err
	}
	if snapA.Active != nil {
		res.SenderActive = snapA.Active.ID
	}
	res.SenderMessages = len(snapA.Messages)
	res.RecipientOnline = snapA.Online[bob.ID]

	snapB, err := b.Snapshot(ctx)
	if err != nil {
		return res, err
	}
	res.UnreadBefore = snapB.UnreadCounts[conv.ID]

	var target chat.Conversation
	for _, view := range snapB.Conversations {
		if view.ID == conv.ID {
			target = view.Conversation
		}
	}
	if err := b.SetActiveConversation(ctx, target); err != nil {
		return res, err
	}
	if err := b.Quiesce(ctx); err != nil {
		return res, err
	}
	snapB, err = b.Snapshot(ctx)
	if err != nil {
		return res, err
	}
	res.UnreadAfter = snapB.UnreadCounts[conv.ID]
	res.MarkedRead = store.ReadFlags(conv.ID)[msg.ID]
	return res, nil
}

// waitFor re-checks cond on every state change of s.
func waitFor(ctx context.Context, s *chatsync.Synchronizer, cond func(chatsync.Snapshot) bool) error {
	changes := s.Changes()
	for {
		if err := s.Quiesce(ctx); err != nil {
			return err
		}
		snap, err := s.Snapshot(ctx)
		if err != nil {
			return err
		}
		if cond(snap) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, open := <-changes:
			if !open {
				return chatsync.ErrClosed
			}
		}
	}
}

func printDemo(w io.Writer, format string, res demoResult) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	_, err := fmt.Fprintf(w, `conversation        %s
alice active        %s
alice stream        %d message(s), last %q
bob unread before   %d
bob unread after    %d
marked read         %t
`, res.ConversationID, res.SenderActive, res.SenderMessages, res.Text, res.UnreadBefore, res.UnreadAfter, res.MarkedRead)
	return err
}
