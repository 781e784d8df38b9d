package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"streamchat/internal/domain"
)

const (
	maxTextLen  = 2000
	maxTitleLen = 80
)

var allowedMediaTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
}

// postChatRequest is the body of POST /chat.
type postChatRequest struct {
	ID                     string            `json:"id"`
	Message                postedMessage     `json:"message"`
	SelectedModelID        string            `json:"selectedModelId"`
	SelectedVisibilityType domain.Visibility `json:"selectedVisibilityType"`
	PreviousResponseID     string            `json:"previousResponseId,omitempty"`
}

type postedMessage struct {
	ID    string        `json:"id"`
	Role  domain.Role   `json:"role"`
	Parts []domain.Part `json:"parts"`
}

var errBadRequest = domain.NewError(domain.KindBadRequest, "api")

func decodePostChat(r io.Reader) (*postChatRequest, error) {
	var req postChatRequest
	dec := json.NewDecoder(io.LimitReader(r, maxBodySize))
	if err := dec.Decode(&req); err != nil {
		return nil, errBadRequest.WithCause("invalid JSON body").Wrap(err)
	}
	if err := req.validate(); err != nil {
		return nil, errBadRequest.WithCause(err.Error())
	}
	return &req, nil
}

func (req *postChatRequest) validate() error {
	if err := uuid.Validate(req.ID); err != nil {
		return errors.New("id must be a uuid")
	}
	if err := uuid.Validate(req.Message.ID); err != nil {
		return errors.New("message.id must be a uuid")
	}
	if req.Message.Role != domain.RoleUser {
		return fmt.Errorf("message.role must be %q", domain.RoleUser)
	}
	if len(req.Message.Parts) == 0 {
		return errors.New("message.parts must not be empty")
	}
	for i, p := range req.Message.Parts {
		if err := validatePart(p); err != nil {
			return fmt.Errorf("message.parts[%d]: %w", i, err)
		}
	}
	switch req.SelectedVisibilityType {
	case domain.VisibilityPublic, domain.VisibilityPrivate:
	default:
		return errors.New("selectedVisibilityType must be public or private")
	}
	if req.SelectedModelID == "" {
		return errors.New("selectedModelId is required")
	}
	return nil
}

func validatePart(p domain.Part) error {
	switch p.Type {
	case domain.PartText:
		n := utf8.RuneCountInString(p.Text)
		if n < 1 || n > maxTextLen {
			return fmt.Errorf("text must be 1..%d characters", maxTextLen)
		}
	case domain.PartFile:
		if !allowedMediaTypes[p.MediaType] {
			return fmt.Errorf("unsupported media type %q", p.MediaType)
		}
		if p.Name == "" || p.URL == "" {
			return errors.New("file parts need a name and url")
		}
		if !strings.HasPrefix(p.URL, "http://") && !strings.HasPrefix(p.URL, "https://") {
			return errors.New("file url must be http(s)")
		}
	default:
		return fmt.Errorf("unknown part type %q", p.Type)
	}
	return nil
}

// titleFrom derives a chat title from the first text part of msg.
func titleFrom(msg domain.Message) string {
	title := strings.TrimSpace(msg.Text())
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	if utf8.RuneCountInString(title) > maxTitleLen {
		title = string([]rune(title)[:maxTitleLen])
	}
	if title == "" {
		return "New chat"
	}
	return title
}
