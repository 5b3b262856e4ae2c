// Package realtime carries chat events between synchronizers. Events travel as
// CloudEvents-style JSON envelopes addressed to a list of user ids.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"whatsnep/internal/domain/chat"
	"whatsnep/internal/domain/shared/events"
)

const (
	specVersion   = "1.0"
	contentType   = "application/json"
	typeSuffix    = ".v1"
	DefaultSource = "app://chatsync"
)

var (
	ErrUnknownEvent = errors.New("realtime: unknown event type")
	ErrBadEnvelope  = errors.New("realtime: malformed envelope")
)

// Envelope is the wire form of one event. An empty Recipients list addresses
// every subscriber.
type Envelope struct {
	SpecVersion     string          `json:"specversion"`
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	Source          string          `json:"source"`
	Subject         string          `json:"subject,omitempty"`
	Time            time.Time       `json:"time"`
	DataContentType string          `json:"datacontenttype"`
	Recipients      []string        `json:"recipients,omitempty"`
	Data            json.RawMessage `json:"data"`
}

// AddressedTo reports whether userID should receive the envelope.
func (e Envelope) AddressedTo(userID string) bool {
	return len(e.Recipients) == 0 || slices.Contains(e.Recipients, userID)
}

// Name is the event name without its version suffix.
func (e Envelope) Name() string {
	return strings.TrimSuffix(e.Type, typeSuffix)
}

// Encode wraps ev into an envelope and marshals it.
func Encode(ev events.DomainEvent, source string, recipients []string) ([]byte, error) {
	if ev == nil {
		return nil, ErrBadEnvelope
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("realtime: encode %s: %w", ev.EventName(), err)
	}
	if source == "" {
		source = DefaultSource
	}
	env := Envelope{
		SpecVersion:     specVersion,
		ID:              uuid.NewString(),
		Type:            ev.EventName() + typeSuffix,
		Source:          source,
		Subject:         ev.AggregateID(),
		Time:            ev.OccurredAt().UTC(),
		DataContentType: contentType,
		Recipients:      dedupe(recipients),
		Data:            data,
	}
	return json.Marshal(env)
}

// Decode parses an envelope and its typed event.
func Decode(payload []byte) (Envelope, events.DomainEvent, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if env.Type == "" || len(env.Data) == 0 {
		return env, nil, ErrBadEnvelope
	}
	ev, err := decodeData(env.Name(), env.Data)
	if err != nil {
		return env, nil, err
	}
	return env, ev, nil
}

func decodeData(name string, data json.RawMessage) (events.DomainEvent, error) {
	switch name {
	case chat.EventTyping:
		var ev chat.TypingChanged
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
		}
		return ev, nil
	case chat.EventMessageInserted:
		var ev chat.MessageInserted
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
		}
		return ev, nil
	case chat.EventPresenceChanged:
		var ev chat.PresenceChanged
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || slices.Contains(out, id) {
			continue
		}
		out = append(out, id)
	}
	return out
}
