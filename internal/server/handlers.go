package server

import (
	"net/http"
	"time"

	"streamchat/internal/catalog"
	"streamchat/internal/config"
	"streamchat/internal/domain"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"version":     s.cfg.Version,
		"time":        s.now().Format(time.RFC3339),
		"resumable":   s.cfg.Coordinator.Configured(),
		"generations": s.cfg.Driver.Active(),
	})
}

// handleModels lists the models the caller may select. Callers without a
// session see the guest list.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	userType := domain.UserGuest
	if sess := s.session(r); sess != nil {
		userType = sess.Type
	}
	ent := s.cfg.Catalog.Entitlement(userType)
	models := []catalog.Model{}
	for _, m := range s.cfg.Catalog.Models() {
		if s.cfg.Catalog.Allowed(userType, m.ID) {
			models = append(models, m)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"defaultModelId":    catalog.DefaultModelID,
		"models":            models,
		"maxMessagesPerDay": ent.MaxMessagesPerDay,
	})
}

// handleGuest issues a guest session and stores it in the session cookie.
func (s *Server) handleGuest(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Auth == nil {
		s.writeError(w, r, domain.NewError(domain.KindUnconfigured, "auth"), "auth")
		return
	}
	sess, token, expires, err := s.cfg.Auth.IssueGuest()
	if err != nil {
		s.writeError(w, r, err, "auth")
		return
	}
	s.cfg.Auth.SetCookie(w, token, expires)
	writeJSON(w, http.StatusOK, map[string]any{
		"userId":    sess.UserID,
		"type":      sess.Type,
		"token":     token,
		"expiresAt": expires.UTC().Format(time.RFC3339),
	})
}

// handleGetConfig returns the running config with secrets masked. Only
// regular users may read it.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	sess := s.session(r)
	if sess == nil {
		s.writeError(w, r, errUnauthorized, "api")
		return
	}
	if sess.Type != domain.UserRegular {
		s.writeError(w, r, domain.NewError(domain.KindForbidden, "api"), "api")
		return
	}
	writeJSON(w, http.StatusOK, config.Sanitize(s.cfg.AppConfig))
}
