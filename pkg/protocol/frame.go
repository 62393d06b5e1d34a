package protocol

import (
	"bytes"
	"errors"
	"io"
)

const (
	// MaxFrameSize is the maximum allowed frame size (1 MB)
	MaxFrameSize = 1024 * 1024

	// maxStringLen is the maximum encodable string length (uint16 prefix)
	maxStringLen = 0xFFFF
)

var (
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size (1 MB)")
	ErrMalformedFrame = errors.New("malformed frame: declared length inconsistent with contents")
	ErrUnknownType    = errors.New("unknown message type tag")
	ErrTruncated      = errors.New("truncated frame: stream ended mid-frame")
	ErrStringTooLong  = errors.New("string exceeds maximum encodable length")
)

// Frame represents one wire unit carrying exactly one message.
// Format: [Length (4 bytes, big-endian)][Type (1 byte)][Payload (N bytes)]
// The length field covers the type byte and the payload.
type Frame struct {
	Type    uint8  // Message type tag
	Payload []byte // Message payload
}

// EncodeFrame writes a frame to the writer. The whole frame is handed to the
// transport before EncodeFrame returns; a partial frame is never left behind
// on success.
func EncodeFrame(w io.Writer, f *Frame) error {
	// Length covers type tag + payload
	length := uint32(1 + len(f.Payload))
	if length > MaxFrameSize {
		return ErrFrameTooLarge
	}

	if err := WriteUint32(w, length); err != nil {
		return err
	}
	if err := WriteUint8(w, f.Type); err != nil {
		return err
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return err
		}
	}

	// Flush if the writer supports it (e.g., *bufio.Writer)
	type flusher interface {
		Flush() error
	}
	if fl, ok := w.(flusher); ok {
		return fl.Flush()
	}
	return nil
}

// DecodeFrame reads one complete frame from the reader.
//
// A clean EOF at a frame boundary is surfaced as io.EOF. A stream that ends
// anywhere inside a frame (mid-length, mid-type, or mid-payload) is surfaced
// as ErrTruncated.
func DecodeFrame(r io.Reader) (*Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, ErrTruncated
		}
		return nil, err
	}
	length := uint32(lenBuf[0])<<24 | uint32(lenBuf[1])<<16 | uint32(lenBuf[2])<<8 | uint32(lenBuf[3])

	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	// Length must cover at least the type tag
	if length < 1 {
		return nil, ErrMalformedFrame
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrTruncated
		}
		return nil, err
	}

	return &Frame{
		Type:    body[0],
		Payload: body[1:],
	}, nil
}

// EncodeMessage serializes a message into a complete frame. The encoding is
// deterministic: the same message always yields the same bytes.
func EncodeMessage(m Message) ([]byte, error) {
	payload, err := m.Encode()
	if err != nil {
		return nil, err
	}
	frame := &Frame{Type: m.MessageType(), Payload: payload}

	buf := new(bytes.Buffer)
	if err := EncodeFrame(buf, frame); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeRawFrame decodes a frame from a byte slice, requiring the slice to
// hold exactly one frame. Fewer bytes than declared yield ErrTruncated,
// trailing bytes yield ErrMalformedFrame.
func DecodeRawFrame(data []byte) (*Frame, error) {
	buf := bytes.NewReader(data)
	frame, err := DecodeFrame(buf)
	if err != nil {
		return nil, err
	}
	if buf.Len() > 0 {
		return nil, ErrMalformedFrame
	}
	return frame, nil
}
