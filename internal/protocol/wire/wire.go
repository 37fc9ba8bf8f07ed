// Package wire maps dispatch messages onto framed TLV payloads.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/danmuck/callbridge/internal/interop"
	"github.com/danmuck/callbridge/internal/protocol/frame"
	"github.com/danmuck/callbridge/internal/protocol/schema"
	"github.com/danmuck/callbridge/internal/protocol/tlv"
)

// ErrorReport is a transport-level rejection that is not a call completion,
// such as a failed release or an undecodable frame.
type ErrorReport struct {
	Reason string
	CallID string
	Ref    int64
	HasRef bool
}

// Message is one decoded frame. Exactly one of the payload fields is set,
// selected by Type.
type Message struct {
	Type       uint32
	ID         uint64
	Call       *interop.CallRequest
	Completion *interop.CompletionEvent
	Release    int64
	Event      *interop.HostEvent
	Error      *ErrorReport
}

// CallFrame builds a call frame. Empty identifiers are carried as-is so the
// dispatcher can classify them.
func CallFrame(messageID uint64, req interop.CallRequest) (frame.Frame, error) {
	fields := []tlv.Field{
		tlv.String(schema.FieldCallID, req.CallID),
		tlv.String(schema.FieldMethodID, req.MethodID),
	}
	if req.ModuleID != "" {
		fields = append(fields, tlv.String(schema.FieldModuleID, req.ModuleID))
	}
	if req.TargetRef != nil {
		fields = append(fields, tlv.U64(schema.FieldTargetRef, uint64(*req.TargetRef)))
	}
	if req.ArgsJSON != "" {
		fields = append(fields, tlv.Bytes(schema.FieldArgs, []byte(req.ArgsJSON)))
	}
	return build(messageID, schema.MsgCall, 0, fields)
}

func DecodeCall(f frame.Frame) (interop.CallRequest, error) {
	fields, err := decodeFields(f, schema.MsgCall)
	if err != nil {
		return interop.CallRequest{}, err
	}
	req := interop.CallRequest{
		CallID:   getString(fields, schema.FieldCallID),
		ModuleID: getString(fields, schema.FieldModuleID),
		MethodID: getString(fields, schema.FieldMethodID),
		ArgsJSON: getString(fields, schema.FieldArgs),
	}
	if field, ok := tlv.GetField(fields, schema.FieldTargetRef); ok {
		v, err := field.AsU64()
		if err != nil {
			return interop.CallRequest{}, err
		}
		req.TargetRef = interop.TargetOf(int64(v))
	}
	return req, nil
}

// CompletionFrame carries the [call_id, success, payload] array.
func CompletionFrame(messageID uint64, ev interop.CompletionEvent) (frame.Frame, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return frame.Frame{}, err
	}
	flags := frame.FlagIsResponse
	if !ev.Success {
		flags |= frame.FlagIsError
	}
	return build(messageID, schema.MsgCompletion, flags, []tlv.Field{
		tlv.Bytes(schema.FieldCompletion, raw),
	})
}

func DecodeCompletion(f frame.Frame) (interop.CompletionEvent, error) {
	fields, err := decodeFields(f, schema.MsgCompletion)
	if err != nil {
		return interop.CompletionEvent{}, err
	}
	var ev interop.CompletionEvent
	field, _ := tlv.GetField(fields, schema.FieldCompletion)
	if err := json.Unmarshal(field.Value, &ev); err != nil {
		return interop.CompletionEvent{}, fmt.Errorf("wire: completion payload: %w", err)
	}
	return ev, nil
}

func ReleaseFrame(messageID uint64, ref int64) (frame.Frame, error) {
	return build(messageID, schema.MsgRelease, 0, []tlv.Field{
		tlv.U64(schema.FieldRef, uint64(ref)),
	})
}

func DecodeRelease(f frame.Frame) (int64, error) {
	fields, err := decodeFields(f, schema.MsgRelease)
	if err != nil {
		return 0, err
	}
	field, _ := tlv.GetField(fields, schema.FieldRef)
	v, err := field.AsU64()
	if err != nil {
		return 0, err
	}
	return int64(v), nil
}

func EventFrame(messageID uint64, ev interop.HostEvent) (frame.Frame, error) {
	payload := ev.PayloadJSON
	if payload == "" {
		payload = "null"
	}
	return build(messageID, schema.MsgEvent, 0, []tlv.Field{
		tlv.String(schema.FieldEventName, ev.Name),
		tlv.Bytes(schema.FieldEventPayload, []byte(payload)),
	})
}

func DecodeEvent(f frame.Frame) (interop.HostEvent, error) {
	fields, err := decodeFields(f, schema.MsgEvent)
	if err != nil {
		return interop.HostEvent{}, err
	}
	return interop.HostEvent{
		Name:        getString(fields, schema.FieldEventName),
		PayloadJSON: getString(fields, schema.FieldEventPayload),
	}, nil
}

func ErrorFrame(messageID uint64, report ErrorReport) (frame.Frame, error) {
	fields := []tlv.Field{tlv.String(schema.FieldReason, report.Reason)}
	if report.CallID != "" {
		fields = append(fields, tlv.String(schema.FieldCallID, report.CallID))
	}
	if report.HasRef {
		fields = append(fields, tlv.U64(schema.FieldRef, uint64(report.Ref)))
	}
	return build(messageID, schema.MsgError, frame.FlagIsResponse|frame.FlagIsError, fields)
}

func DecodeError(f frame.Frame) (ErrorReport, error) {
	fields, err := decodeFields(f, schema.MsgError)
	if err != nil {
		return ErrorReport{}, err
	}
	report := ErrorReport{
		Reason: getString(fields, schema.FieldReason),
		CallID: getString(fields, schema.FieldCallID),
	}
	if field, ok := tlv.GetField(fields, schema.FieldRef); ok {
		v, err := field.AsU64()
		if err != nil {
			return ErrorReport{}, err
		}
		report.Ref = int64(v)
		report.HasRef = true
	}
	return report, nil
}

// Decode reads any known message type from f.
func Decode(f frame.Frame) (Message, error) {
	msg := Message{Type: f.Header.MessageType, ID: f.Header.MessageID}
	switch f.Header.MessageType {
	case schema.MsgCall:
		req, err := DecodeCall(f)
		if err != nil {
			return msg, err
		}
		msg.Call = &req
	case schema.MsgCompletion:
		ev, err := DecodeCompletion(f)
		if err != nil {
			return msg, err
		}
		msg.Completion = &ev
	case schema.MsgRelease:
		ref, err := DecodeRelease(f)
		if err != nil {
			return msg, err
		}
		msg.Release = ref
	case schema.MsgEvent:
		ev, err := DecodeEvent(f)
		if err != nil {
			return msg, err
		}
		msg.Event = &ev
	case schema.MsgError:
		report, err := DecodeError(f)
		if err != nil {
			return msg, err
		}
		msg.Error = &report
	default:
		return msg, schema.ValidationError{MessageType: f.Header.MessageType, Reason: "unknown message_type"}
	}
	return msg, nil
}

// Encode renders f to bytes under limits.
func Encode(f frame.Frame, limits frame.Limits) ([]byte, error) {
	var buf bytes.Buffer
	if err := frame.WriteFrame(&buf, f, limits); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func build(messageID uint64, messageType uint32, flags uint32, fields []tlv.Field) (frame.Frame, error) {
	if err := schema.Validate(messageType, fields); err != nil {
		return frame.Frame{}, err
	}
	return frame.Frame{
		Header: frame.Header{
			MessageID:   messageID,
			MessageType: messageType,
			Flags:       flags,
		},
		Payload: tlv.EncodeFields(fields),
	}, nil
}

func decodeFields(f frame.Frame, messageType uint32) ([]tlv.Field, error) {
	if f.Header.MessageType != messageType {
		return nil, fmt.Errorf("wire: expected %s frame, got %s", schema.Name(messageType), schema.Name(f.Header.MessageType))
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(messageType, fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func getString(fields []tlv.Field, id uint16) string {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return ""
	}
	return string(f.Value)
}
