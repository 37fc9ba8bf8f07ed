package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	FixedHeaderLen uint16 = 32
	Magic          uint32 = 0xCA11B1D6
	Version        uint16 = 1

	FlagIsResponse uint32 = 0x02
	FlagIsError    uint32 = 0x04
)

var (
	ErrShortHeader        = errors.New("frame: short fixed header")
	ErrHeaderLenTooSmall  = errors.New("frame: header_len smaller than fixed header")
	ErrInvalidMagic       = errors.New("frame: invalid magic")
	ErrUnsupportedVersion = errors.New("frame: unsupported version")
	ErrPayloadTooLarge    = errors.New("frame: payload too large")
	ErrExtensionTooLarge  = errors.New("frame: header extension too large")
)

// Header is the fixed wire header.
type Header struct {
	Magic       uint32
	Version     uint16
	HeaderLen   uint16
	MessageID   uint64
	MessageType uint32
	Flags       uint32
	PayloadLen  uint64
}

// Frame is one complete wire message. Header extension bytes beyond the fixed
// header are skipped on read and never written.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxExtensionBytes uint64
	MaxPayloadBytes   uint64
}

func DefaultLimits() Limits {
	return Limits{
		MaxExtensionBytes: 4 * 1024,
		MaxPayloadBytes:   1024 * 1024,
	}
}

// WithMaxPayload returns l with the payload cap replaced when n > 0.
func (l Limits) WithMaxPayload(n uint64) Limits {
	if n > 0 {
		l.MaxPayloadBytes = n
	}
	return l
}

func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [FixedHeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if h.Magic != Magic {
		return Frame{}, fmt.Errorf("%w: 0x%08x", ErrInvalidMagic, h.Magic)
	}
	if h.Version != Version {
		return Frame{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	if h.HeaderLen < FixedHeaderLen {
		return Frame{}, ErrHeaderLenTooSmall
	}

	extLen := uint64(h.HeaderLen - FixedHeaderLen)
	if extLen > limits.MaxExtensionBytes {
		return Frame{}, ErrExtensionTooLarge
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}
	if extLen > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(extLen)); err != nil {
			return Frame{}, err
		}
	}

	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Header: h, Payload: payload}, nil
}

// WriteFrame writes f as one contiguous write. Zero magic and version are
// filled with the current values.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	payloadLen := uint64(len(f.Payload))
	if payloadLen > limits.MaxPayloadBytes {
		return ErrPayloadTooLarge
	}

	h := f.Header
	if h.Magic == 0 {
		h.Magic = Magic
	}
	if h.Version == 0 {
		h.Version = Version
	}
	h.HeaderLen = FixedHeaderLen
	h.PayloadLen = payloadLen

	buf := make([]byte, 0, int(FixedHeaderLen)+len(f.Payload))
	buf = append(buf, EncodeHeader(h)...)
	buf = append(buf, f.Payload...)
	_, err := w.Write(buf)
	return err
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, FixedHeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], h.HeaderLen)
	binary.BigEndian.PutUint64(buf[8:16], h.MessageID)
	binary.BigEndian.PutUint32(buf[16:20], h.MessageType)
	binary.BigEndian.PutUint32(buf[20:24], h.Flags)
	binary.BigEndian.PutUint64(buf[24:32], h.PayloadLen)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != int(FixedHeaderLen) {
		return Header{}, fmt.Errorf("frame: invalid fixed header length: %d", len(b))
	}
	return Header{
		Magic:       binary.BigEndian.Uint32(b[0:4]),
		Version:     binary.BigEndian.Uint16(b[4:6]),
		HeaderLen:   binary.BigEndian.Uint16(b[6:8]),
		MessageID:   binary.BigEndian.Uint64(b[8:16]),
		MessageType: binary.BigEndian.Uint32(b[16:20]),
		Flags:       binary.BigEndian.Uint32(b[20:24]),
		PayloadLen:  binary.BigEndian.Uint64(b[24:32]),
	}, nil
}
