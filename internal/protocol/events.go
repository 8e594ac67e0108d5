package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Inbound event types pushed by the collaboration server.
const (
	TypeSyncConnected  = "sync.connected"
	TypeUserJoined     = "user.joined"
	TypeUserLeft       = "user.left"
	TypeUserTyping     = "user.typing"
	TypeSectionUpdated = "order.section.updated"
	TypeCommentAdded   = "order.comment.added"
	TypePong           = "pong"
)

// Outbound message types sent by a client.
const (
	TypePing   = "ping"
	TypeTyping = "typing"
)

// ErrMalformedMessage marks an inbound frame that could not be decoded.
var ErrMalformedMessage = errors.New("protocol: malformed message")

// Event is one variant of the inbound message union.
type Event interface {
	EventType() string
}

// SyncConnected carries the presence snapshot delivered right after connecting.
type SyncConnected struct {
	Users []PresenceEntry
}

// UserJoined carries the presence snapshot after another user joined.
type UserJoined struct {
	Users []PresenceEntry
}

// UserLeft carries the presence snapshot after a user left.
type UserLeft struct {
	Users []PresenceEntry
}

// UserTyping reports that a user is composing input.
type UserTyping struct {
	UserID   string
	UserName string
}

// SectionUpdated reports that a section was committed by some session.
type SectionUpdated struct {
	Section        string
	Version        int64
	UpdatedByID    string
	UpdatedByName  string
	ChangedFields  []string
	ChangesSummary string
	Timestamp      string
}

// CommentAdded passes through the comment payload untouched.
type CommentAdded struct {
	Raw json.RawMessage
}

// Pong acknowledges a heartbeat.
type Pong struct{}

// Unknown is any event type this client does not understand.
type Unknown struct {
	Type string
}

func (SyncConnected) EventType() string  { return TypeSyncConnected }
func (UserJoined) EventType() string     { return TypeUserJoined }
func (UserLeft) EventType() string       { return TypeUserLeft }
func (UserTyping) EventType() string     { return TypeUserTyping }
func (SectionUpdated) EventType() string { return TypeSectionUpdated }
func (CommentAdded) EventType() string   { return TypeCommentAdded }
func (Pong) EventType() string           { return TypePong }
func (u Unknown) EventType() string      { return u.Type }

type envelopeHeader struct {
	Type string `json:"type"`
}

type presencePayload struct {
	Type  string           `json:"type"`
	Users *[]PresenceEntry `json:"users"`
}

type typingPayload struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}

type sectionUpdatedPayload struct {
	Type           string   `json:"type"`
	Section        string   `json:"section"`
	Version        *int64   `json:"version"`
	UpdatedByID    string   `json:"updated_by_id"`
	UpdatedByName  string   `json:"updated_by_name"`
	ChangedFields  []string `json:"changed_fields"`
	ChangesSummary string   `json:"changes_summary"`
	Timestamp      string   `json:"timestamp"`
}

// Decode parses one inbound frame into its event variant. Frames with an
// unrecognised type decode to Unknown without error.
func Decode(data []byte) (Event, error) {
	var header envelopeHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if strings.TrimSpace(header.Type) == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}

	switch header.Type {
	case TypeSyncConnected, TypeUserJoined, TypeUserLeft:
		users, err := decodeUsers(data)
		if err != nil {
			return nil, err
		}
		switch header.Type {
		case TypeSyncConnected:
			return SyncConnected{Users: users}, nil
		case TypeUserJoined:
			return UserJoined{Users: users}, nil
		default:
			return UserLeft{Users: users}, nil
		}
	case TypeUserTyping:
		var payload typingPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		if payload.UserID == "" {
			return nil, fmt.Errorf("%w: typing event without user_id", ErrMalformedMessage)
		}
		return UserTyping{UserID: payload.UserID, UserName: payload.UserName}, nil
	case TypeSectionUpdated:
		var payload sectionUpdatedPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		if payload.Section == "" || payload.Version == nil {
			return nil, fmt.Errorf("%w: section update without section or version", ErrMalformedMessage)
		}
		return SectionUpdated{
			Section:        payload.Section,
			Version:        *payload.Version,
			UpdatedByID:    payload.UpdatedByID,
			UpdatedByName:  payload.UpdatedByName,
			ChangedFields:  payload.ChangedFields,
			ChangesSummary: payload.ChangesSummary,
			Timestamp:      payload.Timestamp,
		}, nil
	case TypeCommentAdded:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return CommentAdded{Raw: raw}, nil
	case TypePong:
		return Pong{}, nil
	default:
		return Unknown{Type: header.Type}, nil
	}
}

func decodeUsers(data []byte) ([]PresenceEntry, error) {
	var payload presencePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if payload.Users == nil {
		return nil, fmt.Errorf("%w: presence event without users", ErrMalformedMessage)
	}
	users := *payload.Users
	if users == nil {
		users = []PresenceEntry{}
	}
	return users, nil
}

// Encode serialises an event in the wire format Decode accepts.
func Encode(event Event) ([]byte, error) {
	switch e := event.(type) {
	case SyncConnected:
		return encodePresence(TypeSyncConnected, e.Users)
	case UserJoined:
		return encodePresence(TypeUserJoined, e.Users)
	case UserLeft:
		return encodePresence(TypeUserLeft, e.Users)
	case UserTyping:
		return json.Marshal(typingPayload{Type: TypeUserTyping, UserID: e.UserID, UserName: e.UserName})
	case SectionUpdated:
		version := e.Version
		fields := e.ChangedFields
		if fields == nil {
			fields = []string{}
		}
		return json.Marshal(sectionUpdatedPayload{
			Type:           TypeSectionUpdated,
			Section:        e.Section,
			Version:        &version,
			UpdatedByID:    e.UpdatedByID,
			UpdatedByName:  e.UpdatedByName,
			ChangedFields:  fields,
			ChangesSummary: e.ChangesSummary,
			Timestamp:      e.Timestamp,
		})
	case CommentAdded:
		if len(e.Raw) == 0 {
			return json.Marshal(envelopeHeader{Type: TypeCommentAdded})
		}
		return e.Raw, nil
	case Pong:
		return json.Marshal(envelopeHeader{Type: TypePong})
	case nil:
		return nil, errors.New("protocol: nil event")
	default:
		return nil, fmt.Errorf("protocol: cannot encode event type %q", event.EventType())
	}
}

func encodePresence(eventType string, users []PresenceEntry) ([]byte, error) {
	if users == nil {
		users = []PresenceEntry{}
	}
	return json.Marshal(presencePayload{Type: eventType, Users: &users})
}

// OutboundMessage is a client-to-server frame.
type OutboundMessage struct {
	Type string `json:"type"`
}

// PingMessage is the heartbeat keep-alive.
func PingMessage() OutboundMessage {
	return OutboundMessage{Type: TypePing}
}

// TypingMessage signals local input activity.
func TypingMessage() OutboundMessage {
	return OutboundMessage{Type: TypeTyping}
}

// DecodeOutbound parses a client frame on the server side.
func DecodeOutbound(data []byte) (OutboundMessage, error) {
	var message OutboundMessage
	if err := json.Unmarshal(data, &message); err != nil {
		return OutboundMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if message.Type == "" {
		return OutboundMessage{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	return message, nil
}
