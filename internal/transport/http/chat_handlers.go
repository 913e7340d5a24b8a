package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/proto"
	"github.com/vovakirdan/wirechat-sync/internal/service/chat"
)

// ChatHandlers exposes the chat service over REST.
type ChatHandlers struct {
	chats *chat.Service
	log   *zerolog.Logger
}

// NewChatHandlers creates a new chat handlers instance.
func NewChatHandlers(chats *chat.Service, logger *zerolog.Logger) *ChatHandlers {
	return &ChatHandlers{
		chats: chats,
		log:   logger,
	}
}

// CreateChat handles chat creation.
// POST /chat/createChat
func (h *ChatHandlers) CreateChat(c *gin.Context) {
	var req proto.CreateChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid create chat request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: chat.MsgInvalidCreateChat})
		return
	}

	in := chat.CreateChatInput{Participants: req.Participants}
	for _, m := range req.Messages {
		in.Messages = append(in.Messages, messageInput(m))
	}

	created, err := h.chats.CreateChat(c.Request.Context(), in)
	if err != nil {
		h.fail(c, err)
		return
	}

	h.log.Info().Str("chat_id", created.ID).Strs("participants", created.Participants).Msg("chat created")
	c.JSON(http.StatusOK, proto.FromPopulatedChat(created))
}

// AddMessage appends a message to a chat.
// POST /chat/:chatId/addMessage
func (h *ChatHandlers) AddMessage(c *gin.Context) {
	var req proto.MessagePayload
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid add message request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: chat.MsgInvalidAddMessage})
		return
	}

	updated, err := h.chats.SendMessage(c.Request.Context(), c.Param("chatId"), messageInput(req))
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, proto.FromPopulatedChat(updated))
}

// GetChat returns a populated chat.
// GET /chat/:chatId
func (h *ChatHandlers) GetChat(c *gin.Context) {
	found, err := h.chats.GetChat(c.Request.Context(), c.Param("chatId"))
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, proto.FromPopulatedChat(found))
}

// AddParticipant adds a user to a chat.
// POST /chat/:chatId/addParticipant
func (h *ChatHandlers) AddParticipant(c *gin.Context) {
	var req proto.AddParticipantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid add participant request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: chat.MsgInvalidAddParticipant})
		return
	}

	updated, err := h.chats.AddParticipant(c.Request.Context(), c.Param("chatId"), req.Participant)
	if err != nil {
		h.fail(c, err)
		return
	}

	h.log.Info().Str("chat_id", updated.ID).Str("participant", req.Participant).Msg("participant added")
	c.JSON(http.StatusOK, proto.FromPopulatedChat(updated))
}

// GetChatsByUser lists the chats a user participates in.
// GET /chat/getChatsByUser/:username
func (h *ChatHandlers) GetChatsByUser(c *gin.Context) {
	chats, err := h.chats.ListChatsForUser(c.Request.Context(), c.Param("username"))
	if err != nil {
		h.fail(c, err)
		return
	}

	response := make([]proto.Chat, 0, len(chats))
	for _, ch := range chats {
		response = append(response, proto.FromPopulatedChat(ch))
	}
	c.JSON(http.StatusOK, response)
}

func (h *ChatHandlers) fail(c *gin.Context, err error) {
	if chat.IsValidation(err) {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	h.log.Error().Err(err).Str("path", c.FullPath()).Msg("chat request failed")
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
}

func messageInput(m proto.MessagePayload) chat.MessageInput {
	in := chat.MessageInput{Body: m.Msg, Author: m.MsgFrom}
	if m.MsgDateTime != nil {
		in.SentAt = *m.MsgDateTime
	}
	return in
}
