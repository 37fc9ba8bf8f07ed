package schema

import (
	"fmt"

	"github.com/danmuck/callbridge/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs.
const (
	MsgCall       uint32 = 1
	MsgCompletion uint32 = 2
	MsgRelease    uint32 = 3
	MsgEvent      uint32 = 4
	MsgError      uint32 = 5
)

// Field IDs.
const (
	FieldCallID    uint16 = 1
	FieldModuleID  uint16 = 2
	FieldMethodID  uint16 = 3
	FieldTargetRef uint16 = 4
	FieldArgs      uint16 = 5

	FieldCompletion uint16 = 100

	FieldRef uint16 = 200

	FieldEventName    uint16 = 300
	FieldEventPayload uint16 = 301

	FieldReason uint16 = 400
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgCall: {
		{FieldCallID, tlv.TypeString},
		{FieldMethodID, tlv.TypeString},
	},
	MsgCompletion: {
		{FieldCompletion, tlv.TypeBytes},
	},
	MsgRelease: {
		{FieldRef, tlv.TypeU64},
	},
	MsgEvent: {
		{FieldEventName, tlv.TypeString},
		{FieldEventPayload, tlv.TypeBytes},
	},
	MsgError: {
		{FieldReason, tlv.TypeString},
	},
}

// optional fields are type-checked only when present.
var optional = map[uint32][]Requirement{
	MsgCall: {
		{FieldModuleID, tlv.TypeString},
		{FieldTargetRef, tlv.TypeU64},
		{FieldArgs, tlv.TypeBytes},
	},
	MsgError: {
		{FieldCallID, tlv.TypeString},
		{FieldRef, tlv.TypeU64},
	},
}

// Name returns a label for a message type.
func Name(messageType uint32) string {
	switch messageType {
	case MsgCall:
		return "call"
	case MsgCompletion:
		return "completion"
	case MsgRelease:
		return "release"
	case MsgEvent:
		return "event"
	case MsgError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", messageType)
	}
}

// Validate enforces required fields and field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Uint32("message_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Error().
				Str("message", Name(messageType)).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Error().
				Str("message", Name(messageType)).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	for _, opt := range optional[messageType] {
		if f, found := tlv.GetField(fields, opt.ID); found && f.Type != opt.Type {
			return ValidationError{MessageType: messageType, FieldID: opt.ID, Reason: "type mismatch"}
		}
	}
	log.Trace().Str("message", Name(messageType)).Int("fields", len(fields)).Msg("schema.Validate ok")
	return nil
}
