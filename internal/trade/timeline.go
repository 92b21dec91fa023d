package trade

import (
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/p2ptrade/internal/idgen"
	"github.com/mbd888/p2ptrade/internal/security"
)

// EntryKind discriminates timeline entries.
type EntryKind string

const (
	KindSystemEvent EntryKind = "SYSTEM_EVENT"
	KindMessage     EntryKind = "MESSAGE"
)

const maxMessageLength = 2000

// TimelineEntry is one item in a trade's history. Exactly one of Event and
// Message is set, matching Kind.
type TimelineEntry struct {
	ID        string       `json:"id"`
	TradeID   string       `json:"tradeId"`
	Seq       int64        `json:"seq"`
	Kind      EntryKind    `json:"kind"`
	ActorID   string       `json:"actorId"`
	ActorRole Party        `json:"actorRole"`
	Event     *SystemEvent `json:"event,omitempty"`
	Message   *Message     `json:"message,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
}

// SystemEvent records a status change.
type SystemEvent struct {
	Action     Action `json:"action"`
	FromStatus Status `json:"fromStatus,omitempty"`
	ToStatus   Status `json:"toStatus"`
	Note       string `json:"note,omitempty"`
}

// Message is chat between the parties, or from an admin.
type Message struct {
	Text       string      `json:"text"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// Attachment references an uploaded file by URL.
type Attachment struct {
	URL         string `json:"url"`
	Name        string `json:"name,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

func newSystemEvent(tradeID, actorID string, role Party, ev SystemEvent, at time.Time) *TimelineEntry {
	return &TimelineEntry{
		ID:        idgen.WithPrefix(idgen.PrefixTimeline),
		TradeID:   tradeID,
		Kind:      KindSystemEvent,
		ActorID:   actorID,
		ActorRole: role,
		Event:     &ev,
		CreatedAt: at,
	}
}

func newMessage(tradeID, actorID string, role Party, msg Message, at time.Time) *TimelineEntry {
	return &TimelineEntry{
		ID:        idgen.WithPrefix(idgen.PrefixTimeline),
		TradeID:   tradeID,
		Kind:      KindMessage,
		ActorID:   actorID,
		ActorRole: role,
		Message:   &msg,
		CreatedAt: at,
	}
}

// Validate checks that the payload matches Kind.
func (e *TimelineEntry) Validate() error {
	switch e.Kind {
	case KindSystemEvent:
		if e.Event == nil || e.Message != nil {
			return fmt.Errorf("%w: system event payload mismatch", ErrInvalidMessage)
		}
	case KindMessage:
		if e.Message == nil || e.Event != nil {
			return fmt.Errorf("%w: message payload mismatch", ErrInvalidMessage)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, e.Kind)
	}
	return nil
}

func normalizeMessage(msg Message) (Message, error) {
	msg.Text = strings.TrimSpace(strings.ReplaceAll(msg.Text, "\x00", ""))
	if msg.Text == "" && msg.Attachment == nil {
		return Message{}, fmt.Errorf("%w: text or attachment required", ErrInvalidMessage)
	}
	if len(msg.Text) > maxMessageLength {
		return Message{}, fmt.Errorf("%w: text longer than %d characters", ErrInvalidMessage, maxMessageLength)
	}
	if a := msg.Attachment; a != nil {
		normalized, err := security.ValidateAttachmentURL(a.URL)
		if err != nil {
			return Message{}, fmt.Errorf("%w: attachment: %v", ErrInvalidMessage, err)
		}
		a.URL = normalized
	}
	return msg, nil
}
