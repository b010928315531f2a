package proto

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	HeaderLen  = 3
	MaxPayload = 1<<16 - 1
)

var (
	ErrPayloadTooLarge = errors.New("proto: payload too large")
	ErrShortFrame      = errors.New("proto: truncated frame")
)

// Frame is one decoded control message.
type Frame struct {
	Cmd     Cmd
	Payload []byte
}

// Decode unmarshals the JSON payload into v.
func (f Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", f.Cmd)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%s: %w", f.Cmd, err)
	}
	return nil
}

// Marshal encodes a complete frame.
func Marshal(cmd Cmd, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmd, err)
	}
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %s %d bytes", ErrPayloadTooLarge, cmd, len(payload))
	}
	b := make([]byte, HeaderLen+len(payload))
	b[0] = byte(cmd)
	binary.BigEndian.PutUint16(b[1:3], uint16(len(payload)))
	copy(b[HeaderLen:], payload)
	return b, nil
}

// WriteFrame marshals and writes one frame with a single Write call.
func WriteFrame(w io.Writer, cmd Cmd, v any) error {
	b, err := Marshal(cmd, v)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// ReadFrame reads exactly one frame. A clean close before the header yields
// io.EOF; a close mid-frame yields ErrShortFrame.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortFrame
		}
		return Frame{}, err
	}
	f := Frame{Cmd: Cmd(hdr[0])}
	n := binary.BigEndian.Uint16(hdr[1:3])
	if n == 0 {
		return f, nil
	}
	f.Payload = make([]byte, n)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortFrame
		}
		return Frame{}, err
	}
	return f, nil
}

// ParseFrame decodes one frame from the front of b and returns the number of
// bytes consumed; ok is false when b does not yet hold a full frame.
func ParseFrame(b []byte) (f Frame, n int, ok bool) {
	if len(b) < HeaderLen {
		return Frame{}, 0, false
	}
	size := int(binary.BigEndian.Uint16(b[1:3]))
	if len(b) < HeaderLen+size {
		return Frame{}, 0, false
	}
	f.Cmd = Cmd(b[0])
	if size > 0 {
		f.Payload = append([]byte(nil), b[HeaderLen:HeaderLen+size]...)
	}
	return f, HeaderLen + size, true
}
