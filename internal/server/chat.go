package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"streamchat/internal/bus"
	"streamchat/internal/domain"
	"streamchat/internal/generation"
)

var (
	errUnauthorized     = domain.NewError(domain.KindUnauthorized, "chat")
	errForbiddenChat    = domain.NewError(domain.KindForbidden, "chat")
	errChatNotFound     = domain.NewError(domain.KindNotFound, "chat")
	errForbiddenModel   = domain.NewError(domain.KindForbidden, "model")
	errQuotaExceeded    = domain.NewError(domain.KindRateLimit, "chat")
	errStreamBadRequest = domain.NewError(domain.KindBadRequest, "stream")
)

// handlePostChat persists the user's message and streams the generated
// reply as server-sent events.
func (s *Server) handlePostChat(w http.ResponseWriter, r *http.Request) {
	req, err := decodePostChat(r.Body)
	if err != nil {
		s.writeError(w, r, err, "api")
		return
	}

	sess := s.session(r)
	if sess == nil {
		s.writeError(w, r, errUnauthorized, "chat")
		return
	}

	model, ok := s.cfg.Catalog.Model(req.SelectedModelID)
	if !ok {
		s.writeError(w, r, errBadRequest.WithCause("unknown model "+req.SelectedModelID), "api")
		return
	}
	if !s.cfg.Catalog.Allowed(sess.Type, model.ID) {
		s.writeError(w, r, errForbiddenModel.WithCause("model not available for "+string(sess.Type)+" users"), "model")
		return
	}

	ctx := r.Context()
	if err := s.checkQuota(ctx, sess); err != nil {
		s.writeError(w, r, err, "chat")
		return
	}

	chat, created, err := s.loadOrCreateChat(ctx, req, sess)
	if err != nil {
		s.writeError(w, r, err, "chat")
		return
	}

	userMsg := domain.Message{
		ID:        req.Message.ID,
		ChatID:    chat.ID,
		Role:      domain.RoleUser,
		Parts:     req.Message.Parts,
		CreatedAt: s.now(),
	}
	run, err := s.cfg.Driver.Start(ctx, generation.Request{
		ChatID:             chat.ID,
		UserMessage:        &userMsg,
		Provider:           model.Provider,
		Model:              model.UpstreamModel,
		PreviousResponseID: req.PreviousResponseID,
	})
	if err != nil {
		switch {
		case errors.Is(err, generation.ErrGenerationInProgress):
			s.logger.Info("generation already running", "chat", chat.ID)
		case errors.Is(err, domain.ErrMessageIDTaken):
			if created {
				s.dropChat(ctx, chat.ID)
			}
			err = errBadRequest.WithCause("message id is already in use")
		}
		s.writeError(w, r, err, "chat")
		return
	}

	s.logger.Info("generation started",
		"chat", chat.ID, "stream", run.StreamID, "user", sess.UserID, "model", model.ID)
	w.Header().Set("X-Stream-Id", run.StreamID)
	w.Header().Set("X-Message-Id", run.MessageID)
	s.serveEvents(w, r, run.Events(ctx, 0))
}

func (s *Server) checkQuota(ctx context.Context, sess *domain.Session) error {
	limit := s.cfg.Catalog.Entitlement(sess.Type).MaxMessagesPerDay
	if limit <= 0 {
		return nil
	}
	n, err := s.cfg.Chats.CountRecentMessages(ctx, sess.UserID, s.now().Add(-quotaWindow))
	if err != nil {
		return fmt.Errorf("count recent messages: %w", err)
	}
	if n < limit {
		return nil
	}
	s.cfg.Bus.Emit(bus.Event{
		Type:    bus.EventQuotaExceeded,
		Source:  "server",
		Payload: map[string]any{"user": sess.UserID, "type": string(sess.Type), "limit": limit},
	})
	return errQuotaExceeded
}

func (s *Server) dropChat(ctx context.Context, id string) {
	if err := s.cfg.Chats.DeleteChat(context.WithoutCancel(ctx), id); err != nil {
		s.logger.Warn("failed to drop chat after rejected message", "chat", id, "err", err)
	}
}

// loadOrCreateChat reports whether the chat was created by this request.
func (s *Server) loadOrCreateChat(ctx context.Context, req *postChatRequest, sess *domain.Session) (*domain.Chat, bool, error) {
	chat, err := s.cfg.Chats.GetChat(ctx, req.ID)
	if err != nil {
		return nil, false, fmt.Errorf("load chat: %w", err)
	}
	if chat != nil {
		if !chat.Owns(sess) {
			return nil, false, errForbiddenChat
		}
		return chat, false, nil
	}

	chat = &domain.Chat{
		ID:         req.ID,
		UserID:     sess.UserID,
		Title:      titleFrom(domain.Message{Parts: req.Message.Parts}),
		Visibility: req.SelectedVisibilityType,
		CreatedAt:  s.now(),
	}
	if err := s.cfg.Chats.SaveChat(ctx, *chat); err != nil {
		return nil, false, fmt.Errorf("create chat: %w", err)
	}
	s.cfg.Bus.Emit(bus.Event{Type: bus.EventChatCreated, ChatID: chat.ID, Source: "server"})
	return chat, true, nil
}

type chatView struct {
	Chat     *domain.Chat     `json:"chat"`
	Messages []domain.Message `json:"messages"`
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if uuid.Validate(id) != nil {
		s.writeError(w, r, errBadRequest.WithCause("id must be a uuid"), "api")
		return
	}
	ctx := r.Context()
	chat, err := s.cfg.Chats.GetChat(ctx, id)
	if err != nil {
		s.writeError(w, r, err, "chat")
		return
	}
	if chat == nil {
		s.writeError(w, r, errChatNotFound, "chat")
		return
	}
	if !chat.CanRead(s.session(r)) {
		s.writeError(w, r, errForbiddenChat, "chat")
		return
	}
	msgs, err := s.cfg.Chats.GetMessages(ctx, id)
	if err != nil {
		s.writeError(w, r, err, "chat")
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	writeJSON(w, http.StatusOK, chatView{Chat: chat, Messages: msgs})
}

// handleDeleteChat removes a chat owned by the caller and returns it.
func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		s.writeError(w, r, errBadRequest.WithCause("id is required"), "api")
		return
	}
	sess := s.session(r)
	if sess == nil {
		s.writeError(w, r, errUnauthorized, "chat")
		return
	}
	ctx := r.Context()
	chat, err := s.cfg.Chats.GetChat(ctx, id)
	if err != nil {
		s.writeError(w, r, err, "chat")
		return
	}
	if chat == nil {
		s.writeError(w, r, errChatNotFound, "chat")
		return
	}
	if !chat.Owns(sess) {
		s.writeError(w, r, errForbiddenChat, "chat")
		return
	}
	if err := s.cfg.Chats.DeleteChat(ctx, id); err != nil {
		s.writeError(w, r, err, "chat")
		return
	}
	s.cfg.Bus.Emit(bus.Event{Type: bus.EventChatDeleted, ChatID: id, Source: "server"})
	s.logger.Info("chat deleted", "chat", id, "user", sess.UserID)
	writeJSON(w, http.StatusOK, chat)
}
