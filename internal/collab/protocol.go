package collab

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/knowhub/collab/internal/auth"
)

// Wire message types.
const (
	TypeJoin      = "join"
	TypeLeave     = "leave"
	TypeEdit      = "edit"
	TypeCursor    = "cursor"
	TypeSelection = "selection"
	TypeError     = "error"
)

// DefaultRevisionNote is recorded when an edit carries no note.
const DefaultRevisionNote = "Collaborative edit"

var (
	// ErrMalformed covers frames that fail to decode or are missing
	// required fields. Recoverable: the sender is told, the connection
	// stays open.
	ErrMalformed = errors.New("malformed message")

	// ErrUnsupportedType covers frames with an unknown type value.
	ErrUnsupportedType = errors.New("unsupported message type")
)

var validate = validator.New()

// frame is the wire envelope. userId/username on inbound frames are
// ignored; the server stamps outbound frames with the identity bound at
// admission.
type frame struct {
	Type     string          `json:"type"`
	EntryID  int64           `json:"entryId,omitempty"`
	UserID   int64           `json:"userId,omitempty"`
	Username string          `json:"username,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// EditPayload is the document state carried by an edit frame. It maps
// one-to-one onto a stored revision.
type EditPayload struct {
	Title        string   `json:"title" validate:"required"`
	Content      string   `json:"content" validate:"required"`
	Category     string   `json:"category"`
	Tags         []string `json:"tags"`
	RevisionNote string   `json:"revisionNote,omitempty"`
}

// CursorPayload is a caret position.
type CursorPayload struct {
	Line int `json:"line" validate:"min=0"`
	Ch   int `json:"ch" validate:"min=0"`
}

// SelectionPayload is a highlighted range.
type SelectionPayload struct {
	From CursorPayload `json:"from"`
	To   CursorPayload `json:"to"`
}

// Inbound is the closed set of client-originated messages. DecodeFrame
// is the only constructor, so a type switch over Inbound covers every
// message kind the protocol knows.
type Inbound interface {
	Entry() int64
	isInbound()
}

type JoinMessage struct{ EntryID int64 }

type LeaveMessage struct{ EntryID int64 }

type EditMessage struct {
	EntryID int64
	Payload EditPayload
}

type CursorMessage struct {
	EntryID int64
	Payload CursorPayload
}

type SelectionMessage struct {
	EntryID int64
	Payload SelectionPayload
}

func (m JoinMessage) Entry() int64      { return m.EntryID }
func (m LeaveMessage) Entry() int64     { return m.EntryID }
func (m EditMessage) Entry() int64      { return m.EntryID }
func (m CursorMessage) Entry() int64    { return m.EntryID }
func (m SelectionMessage) Entry() int64 { return m.EntryID }

func (JoinMessage) isInbound()      {}
func (LeaveMessage) isInbound()     {}
func (EditMessage) isInbound()      {}
func (CursorMessage) isInbound()    {}
func (SelectionMessage) isInbound() {}

// DecodeFrame parses and validates one raw text frame.
func DecodeFrame(raw []byte) (Inbound, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if f.EntryID == 0 {
		return nil, fmt.Errorf("%w: missing entryId", ErrMalformed)
	}

	switch f.Type {
	case TypeJoin:
		return JoinMessage{EntryID: f.EntryID}, nil
	case TypeLeave:
		return LeaveMessage{EntryID: f.EntryID}, nil
	case TypeEdit:
		var p EditPayload
		if err := decodePayload(f.Data, &p); err != nil {
			return nil, err
		}
		if p.Tags == nil {
			p.Tags = []string{}
		}
		if p.RevisionNote == "" {
			p.RevisionNote = DefaultRevisionNote
		}
		return EditMessage{EntryID: f.EntryID, Payload: p}, nil
	case TypeCursor:
		var p CursorPayload
		if err := decodePayload(f.Data, &p); err != nil {
			return nil, err
		}
		return CursorMessage{EntryID: f.EntryID, Payload: p}, nil
	case TypeSelection:
		var p SelectionPayload
		if err := decodePayload(f.Data, &p); err != nil {
			return nil, err
		}
		return SelectionMessage{EntryID: f.EntryID, Payload: p}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, f.Type)
	}
}

func decodePayload(data json.RawMessage, dst any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", ErrMalformed)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// encodeEvent builds an outbound room frame stamped with the sender's
// admitted identity.
func encodeEvent(typ string, entryID int64, sender auth.Identity, data any) ([]byte, error) {
	f := frame{
		Type:     typ,
		EntryID:  entryID,
		UserID:   sender.UserID,
		Username: sender.Username,
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		f.Data = raw
	}
	return json.Marshal(f)
}

// encodeError builds the error frame delivered to a single connection.
func encodeError(message string) []byte {
	raw, _ := json.Marshal(frame{Type: TypeError, Message: message})
	return raw
}
