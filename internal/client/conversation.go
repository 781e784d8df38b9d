// Package client follows chat generations from the caller's side: it keeps
// a local copy of a conversation, applies streamed events to it exactly once
// and reconnects to an interrupted generation.
package client

import (
	"slices"
	"strings"
	"sync"

	"streamchat/internal/domain"
)

// ArtifactStatus is whether an artifact is still being written.
type ArtifactStatus string

const (
	ArtifactIdle      ArtifactStatus = "idle"
	ArtifactStreaming ArtifactStatus = "streaming"
)

// Artifact is the structured side document described by field events.
type Artifact struct {
	ID      string
	Title   string
	Kind    string
	Status  ArtifactStatus
	Cleared bool
}

type dedupKey struct {
	messageID string
	parts     int
}

// Conversation is the local state of one chat. It is safe for concurrent use.
type Conversation struct {
	ChatID string

	mu        sync.Mutex
	messages  []domain.Message
	applied   []domain.Event
	processed map[dedupKey]struct{}
	cursors   map[string]int64
	current   string // id of the assistant message being streamed
	artifact  Artifact
	lastErr   string
	stream    string
}

func NewConversation(chatID string, messages ...domain.Message) *Conversation {
	return &Conversation{
		ChatID:    chatID,
		messages:  slices.Clone(messages),
		processed: make(map[dedupKey]struct{}),
		cursors:   make(map[string]int64),
		artifact:  Artifact{Status: ArtifactIdle},
	}
}

// Apply merges ev from streamID into the conversation. It reports false when
// the event was already applied: positional events at or below the stream's
// cursor, and replayed messages whose (id, part count) was seen before.
func (c *Conversation) Apply(streamID string, ev domain.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if am, ok := ev.Payload.(domain.AppendMessage); ok {
		key := dedupKey{messageID: am.Message.ID, parts: len(am.Message.Parts)}
		if _, seen := c.processed[key]; seen {
			return false
		}
		c.processed[key] = struct{}{}
		c.applied = append(c.applied, ev)
		c.upsert(am.Message)
		return true
	}

	if cur, ok := c.cursors[streamID]; ok && ev.Seq <= cur {
		return false
	}
	c.cursors[streamID] = ev.Seq
	c.stream = streamID
	c.applied = append(c.applied, ev)

	switch p := ev.Payload.(type) {
	case domain.Start:
		c.current = p.MessageID
		c.upsert(domain.Message{ID: p.MessageID, ChatID: c.ChatID, Role: domain.RoleAssistant})
	case domain.Delta:
		c.appendDelta(streamID, p.Text)
	case domain.FieldStart:
		c.applyField(p)
	case domain.ErrorPart:
		c.lastErr = p.Message
	case domain.Finish:
		c.current = ""
		c.artifact.Status = ArtifactIdle
	}
	return true
}

func (c *Conversation) appendDelta(streamID, text string) {
	if c.current == "" {
		// A stream joined after its start event; key the message by stream.
		c.current = streamID
		c.upsert(domain.Message{ID: streamID, ChatID: c.ChatID, Role: domain.RoleAssistant})
	}
	i := c.index(c.current)
	m := &c.messages[i]
	if n := len(m.Parts); n > 0 && m.Parts[n-1].Type == domain.PartText {
		m.Parts[n-1].Text += text
		return
	}
	m.Parts = append(m.Parts, domain.TextPart(text))
}

func (c *Conversation) applyField(f domain.FieldStart) {
	c.artifact.Status = ArtifactStreaming
	switch f.Field {
	case domain.FieldID:
		c.artifact.ID = f.Value
	case domain.FieldTitle:
		c.artifact.Title = f.Value
	case domain.FieldKind:
		c.artifact.Kind = f.Value
	case domain.FieldClear:
		c.artifact.Cleared = true
	}
}

func (c *Conversation) index(id string) int {
	return slices.IndexFunc(c.messages, func(m domain.Message) bool { return m.ID == id })
}

// Upsert merges msg into the message with the same id, or appends it.
func (c *Conversation) Upsert(msg domain.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upsert(msg)
}

func (c *Conversation) upsert(msg domain.Message) {
	if i := c.index(msg.ID); i >= 0 {
		c.messages[i] = MergeMessage(c.messages[i], msg)
		return
	}
	msg.Parts = slices.Clone(msg.Parts)
	c.messages = append(c.messages, msg)
}

// Reset starts a new session: the applied log, dedup keys and cursors are
// cleared while messages are kept.
func (c *Conversation) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applied = nil
	c.processed = make(map[dedupKey]struct{})
	c.cursors = make(map[string]int64)
	c.current = ""
	c.stream = ""
}

// Messages returns a copy of the local message list.
func (c *Conversation) Messages() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Message, len(c.messages))
	for i, m := range c.messages {
		m.Parts = slices.Clone(m.Parts)
		out[i] = m
	}
	return out
}

// Last returns the most recent message.
func (c *Conversation) Last() (domain.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) == 0 {
		return domain.Message{}, false
	}
	return c.messages[len(c.messages)-1], true
}

// NeedsResume reports whether the last message is a user turn, meaning the
// reply never arrived or was cut off.
func (c *Conversation) NeedsResume() bool {
	last, ok := c.Last()
	return ok && last.Role == domain.RoleUser
}

// Cursor returns the last applied position on streamID.
func (c *Conversation) Cursor(streamID string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq, ok := c.cursors[streamID]
	return seq, ok
}

// LastStream is the stream that most recently delivered a positional event.
func (c *Conversation) LastStream() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

func (c *Conversation) Applied() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.applied)
}

func (c *Conversation) Artifact() Artifact {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.artifact
}

// Err is the last in-band error reported by a stream.
func (c *Conversation) Err() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// MergeMessage combines two versions of the same message. Text that extends
// the existing text replaces it, a stale prefix is ignored and unrelated text
// is appended. File parts are kept once each, in order of first appearance.
func MergeMessage(existing, incoming domain.Message) domain.Message {
	out := existing
	if out.Role == "" {
		out.Role = incoming.Role
	}
	if out.ChatID == "" {
		out.ChatID = incoming.ChatID
	}
	if !incoming.CreatedAt.IsZero() {
		out.CreatedAt = incoming.CreatedAt
	}
	if len(incoming.Attachments) > 0 {
		out.Attachments = slices.Clone(incoming.Attachments)
	}

	var files []domain.Part
	seen := make(map[string]bool)
	for _, p := range slices.Concat(existing.Parts, incoming.Parts) {
		if p.Type != domain.PartFile || seen[p.URL] {
			continue
		}
		seen[p.URL] = true
		files = append(files, p)
	}
	text := mergeText(existing.Text(), incoming.Text())

	out.Parts = files
	if text != "" {
		out.Parts = append(out.Parts, domain.TextPart(text))
	}
	return out
}

func mergeText(existing, incoming string) string {
	switch {
	case strings.HasPrefix(incoming, existing):
		return incoming
	case strings.HasPrefix(existing, incoming):
		return existing
	default:
		return existing + incoming
	}
}
