package tlv

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/callbridge/internal/testutil/testlog"
)

func TestEncodeDecodeFieldsRoundTripPreservesUnknown(t *testing.T) {
	testlog.Start(t)
	in := []Field{
		String(1, "call-1"),
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}},
	}
	out, err := DecodeFields(EncodeFields(in))
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(out))
	}
	if out[1].ID != 9999 || out[1].Type != TypeBytes || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
}

func TestEmptyStringFieldSurvives(t *testing.T) {
	testlog.Start(t)
	out, err := DecodeFields(EncodeFields([]Field{String(3, "")}))
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	f, ok := GetField(out, 3)
	if !ok || f.Type != TypeString || len(f.Value) != 0 {
		t.Fatalf("empty string field lost: %+v ok=%v", f, ok)
	}
}

func TestTypedAccessors(t *testing.T) {
	testlog.Start(t)
	v, err := U64(4, 1<<40).AsU64()
	if err != nil || v != 1<<40 {
		t.Fatalf("u64 = %d err=%v", v, err)
	}
	b, err := Bool(6, true).AsBool()
	if err != nil || !b {
		t.Fatalf("bool = %v err=%v", b, err)
	}
	if _, err := String(1, "x").AsU64(); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
	if _, err := (Field{ID: 6, Type: TypeBool, Value: []byte{2}}).AsBool(); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
}

func TestDecodeFieldsMalformedHeaderIsDeterministic(t *testing.T) {
	testlog.Start(t)
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsMalformedLengthIsDeterministic(t *testing.T) {
	testlog.Start(t)
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}
