package protocol

import (
	"encoding/binary"
	"io"
	"time"
)

// Primitive wire encodings shared by all message codecs.
// Everything is big-endian. Strings are uint16-length-prefixed UTF-8,
// byte blobs are uint32-length-prefixed.

// WriteUint8 writes a single byte
func WriteUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

// ReadUint8 reads a single byte
func ReadUint8(r io.Reader) (uint8, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// WriteUint16 writes a big-endian uint16
func WriteUint16(w io.Writer, v uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// ReadUint16 reads a big-endian uint16
func ReadUint16(r io.Reader) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

// WriteUint32 writes a big-endian uint32
func WriteUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// ReadUint32 reads a big-endian uint32
func ReadUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// WriteInt64 writes a big-endian int64
func WriteInt64(w io.Writer, v int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	_, err := w.Write(buf[:])
	return err
}

// ReadInt64 reads a big-endian int64
func ReadInt64(r io.Reader) (int64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(buf[:])), nil
}

// WriteString writes a uint16-length-prefixed UTF-8 string
func WriteString(w io.Writer, s string) error {
	if len(s) > maxStringLen {
		return ErrStringTooLong
	}
	if err := WriteUint16(w, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// ReadString reads a uint16-length-prefixed UTF-8 string
func ReadString(r io.Reader) (string, error) {
	n, err := ReadUint16(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// WriteBytes writes a uint32-length-prefixed byte blob
func WriteBytes(w io.Writer, b []byte) error {
	if err := WriteUint32(w, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// ReadBytes reads a uint32-length-prefixed byte blob
func ReadBytes(r io.Reader) ([]byte, error) {
	n, err := ReadUint32(r)
	if err != nil {
		return nil, err
	}
	if n > MaxFrameSize {
		return nil, ErrMalformedFrame
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteTimestamp writes a time as int64 Unix milliseconds
func WriteTimestamp(w io.Writer, t time.Time) error {
	return WriteInt64(w, t.UnixMilli())
}

// ReadTimestamp reads an int64 Unix milliseconds timestamp as UTC time
func ReadTimestamp(r io.Reader) (time.Time, error) {
	ms, err := ReadInt64(r)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
