package schema

import (
	"errors"
	"testing"

	"github.com/danmuck/callbridge/internal/protocol/tlv"
	"github.com/danmuck/callbridge/internal/testutil/testlog"
)

func TestValidateCallRequiredFields(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.String(FieldCallID, "1"),
		tlv.String(FieldModuleID, "demo"),
		tlv.String(FieldMethodID, "Add"),
		tlv.Bytes(FieldArgs, []byte("[1,2]")),
	}
	if err := Validate(MsgCall, fields); err != nil {
		t.Fatalf("validate call: %v", err)
	}
}

func TestValidateUnknownFieldsIgnored(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.U64(FieldRef, 3),
		{ID: 9999, Type: tlv.TypeBytes, Value: []byte{0x01}},
	}
	if err := Validate(MsgRelease, fields); err != nil {
		t.Fatalf("validate with unknown field: %v", err)
	}
}

func TestValidateMissingRequiredDeterministic(t *testing.T) {
	testlog.Start(t)
	err := Validate(MsgCall, []tlv.Field{tlv.String(FieldCallID, "1")})
	var ve ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldMethodID || ve.Reason != "missing required field" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateTypeMismatchDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.String(FieldEventName, "ui.update"),
		tlv.String(FieldEventPayload, "{}"),
	}
	var ve ValidationError
	if err := Validate(MsgEvent, fields); !errors.As(err, &ve) || ve.FieldID != FieldEventPayload {
		t.Fatalf("expected payload type mismatch, got %v", err)
	}
}

func TestValidateOptionalFieldType(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.String(FieldCallID, "1"),
		tlv.String(FieldMethodID, "Reverse"),
		tlv.String(FieldTargetRef, "1"),
	}
	var ve ValidationError
	if err := Validate(MsgCall, fields); !errors.As(err, &ve) || ve.FieldID != FieldTargetRef {
		t.Fatalf("expected target_ref type mismatch, got %v", err)
	}
}

func TestValidateUnknownMessageType(t *testing.T) {
	testlog.Start(t)
	var ve ValidationError
	if err := Validate(99, nil); !errors.As(err, &ve) || ve.Reason != "unknown message_type" {
		t.Fatalf("expected unknown message_type, got %v", err)
	}
	if Name(99) != "unknown(99)" || Name(MsgCompletion) != "completion" {
		t.Fatalf("unexpected names")
	}
}
