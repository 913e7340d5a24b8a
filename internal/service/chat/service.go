package chat

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/store"
	"github.com/vovakirdan/wirechat-sync/internal/utils"
)

// populateConcurrency bounds parallel population in ListChatsForUser.
const populateConcurrency = 8

// MessageInput is a message as submitted by a caller.
// A zero SentAt means "now".
type MessageInput struct {
	Body   string
	Author string
	SentAt time.Time
}

// CreateChatInput describes a new chat.
type CreateChatInput struct {
	Participants []string
	Messages     []MessageInput
}

// Service implements chat mutations and reads. Every mutation persists,
// re-populates, then publishes the populated snapshot.
type Service struct {
	store     store.ChatStore
	publisher core.Publisher
	log       zerolog.Logger
	reads     singleflight.Group
	now       func() time.Time
}

// New creates a chat service. publisher and logger may be nil.
func New(st store.ChatStore, publisher core.Publisher, logger *zerolog.Logger) *Service {
	s := &Service{
		store:     st,
		publisher: publisher,
		log:       zerolog.Nop(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	if logger != nil {
		s.log = logger.With().Str("component", "chat").Logger()
	}
	return s
}

// CreateChat creates a chat with its initial messages and announces it.
func (s *Service) CreateChat(ctx context.Context, in CreateChatInput) (*store.PopulatedChat, error) {
	participants, ok := normalizeParticipants(in.Participants)
	if !ok {
		return nil, invalid(MsgInvalidCreateChat)
	}
	for _, m := range in.Messages {
		if !validMessage(m) {
			return nil, invalid(MsgInvalidCreateChat)
		}
	}

	messageIDs := make([]string, 0, len(in.Messages))
	for _, m := range in.Messages {
		msg := s.newMessage(m)
		if err := s.store.CreateMessage(ctx, msg); err != nil {
			return nil, failure(KindGateway, prefixCreateChat, err)
		}
		messageIDs = append(messageIDs, msg.ID)
	}

	created, err := s.store.CreateChat(ctx, participants, messageIDs)
	if err != nil {
		return nil, failure(KindGateway, prefixCreateChat, err)
	}

	chat, err := s.store.PopulateChat(ctx, created.ID)
	if err != nil {
		return nil, failure(KindPopulate, prefixCreateChat, err)
	}

	s.publish(ctx, core.UpdateCreated, chat)
	return chat, nil
}

// SendMessage appends a message to chatID.
func (s *Service) SendMessage(ctx context.Context, chatID string, in MessageInput) (*store.PopulatedChat, error) {
	if !utils.ValidID(chatID) || !validMessage(in) {
		return nil, invalid(MsgInvalidAddMessage)
	}
	chatID = strings.TrimSpace(chatID)

	msg := s.newMessage(in)
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return nil, failure(KindGateway, prefixAddMessage, err)
	}
	if _, err := s.store.AddMessageToChat(ctx, chatID, msg.ID); err != nil {
		return nil, failure(KindGateway, prefixAddMessage, err)
	}

	chat, err := s.store.PopulateChat(ctx, chatID)
	if err != nil {
		return nil, failure(KindPopulate, prefixAddMessage, err)
	}

	s.publish(ctx, core.UpdateNewMessage, chat)
	return chat, nil
}

// AddParticipant adds participant to chatID. Adding an existing participant
// still publishes the current snapshot.
func (s *Service) AddParticipant(ctx context.Context, chatID, participant string) (*store.PopulatedChat, error) {
	chatID = strings.TrimSpace(chatID)
	participant = strings.TrimSpace(participant)
	if chatID == "" || participant == "" {
		return nil, invalid(MsgInvalidAddParticipant)
	}

	if _, err := s.store.AddParticipant(ctx, chatID, participant); err != nil {
		return nil, failure(KindGateway, prefixAddParticipant, err)
	}

	chat, err := s.store.PopulateChat(ctx, chatID)
	if err != nil {
		return nil, failure(KindPopulate, prefixAddParticipant, err)
	}

	s.publish(ctx, core.UpdateNewParticipant, chat)
	return chat, nil
}

// GetChat returns the populated chat. Concurrent reads of the same chat
// share one gateway round trip; a caller that gives up only abandons its
// own wait.
func (s *Service) GetChat(ctx context.Context, chatID string) (*store.PopulatedChat, error) {
	shared := context.WithoutCancel(ctx)
	ch := s.reads.DoChan(chatID, func() (any, error) {
		return s.store.PopulateChat(shared, chatID)
	})
	select {
	case <-ctx.Done():
		return nil, failure(KindGateway, prefixGetChat, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, failure(KindGateway, prefixGetChat, res.Err)
		}
		return res.Val.(*store.PopulatedChat), nil
	}
}

// ListChatsForUser returns every chat username participates in, most
// recently updated first. Any population failure fails the whole call.
func (s *Service) ListChatsForUser(ctx context.Context, username string) ([]*store.PopulatedChat, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, invalid(MsgInvalidListChats)
	}

	raw, err := s.store.ListChatsByParticipant(ctx, username)
	if err != nil {
		return nil, failure(KindGateway, prefixGetChat, err)
	}

	chats := make([]*store.PopulatedChat, len(raw))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(populateConcurrency)
	for i, c := range raw {
		g.Go(func() error {
			populated, err := s.store.PopulateChat(gctx, c.ID)
			if err != nil {
				return err
			}
			chats[i] = populated
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, &Error{Kind: KindPopulate, Msg: MsgPopulateChats, Err: err}
	}
	return chats, nil
}

func (s *Service) newMessage(in MessageInput) *store.Message {
	sentAt := in.SentAt
	if sentAt.IsZero() {
		sentAt = s.now()
	}
	return &store.Message{
		Body:      in.Body,
		Author:    strings.TrimSpace(in.Author),
		Type:      store.MessageTypeDirect,
		CreatedAt: sentAt.UTC(),
	}
}

// publish is best effort: the mutation already succeeded.
func (s *Service) publish(ctx context.Context, kind core.UpdateKind, chat *store.PopulatedChat) {
	if s.publisher == nil {
		return
	}
	update, err := core.Classify(kind, chat)
	if err != nil {
		s.log.Error().Err(err).Str("chat_id", chat.ID).Msg("classify update")
		return
	}
	if err := s.publisher.Publish(ctx, update); err != nil {
		s.log.Warn().Err(err).Str("chat_id", chat.ID).Stringer("kind", kind).Msg("publish update")
	}
}

func validMessage(m MessageInput) bool {
	return strings.TrimSpace(m.Body) != "" && strings.TrimSpace(m.Author) != ""
}

// normalizeParticipants trims and de-duplicates, keeping first-seen order.
// A chat needs at least two distinct participants.
func normalizeParticipants(in []string) ([]string, bool) {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, p := range in {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, false
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out, len(out) >= 2
}
