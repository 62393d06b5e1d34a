package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		frame   Frame
		wantErr error
	}{
		{
			name: "empty payload",
			frame: Frame{
				Type:    TypeQuit,
				Payload: []byte{},
			},
		},
		{
			name: "small payload",
			frame: Frame{
				Type:    TypeText,
				Payload: []byte("hello"),
			},
		},
		{
			name: "max frame size",
			frame: Frame{
				Type:    TypeFile,
				Payload: make([]byte, MaxFrameSize-1), // length covers tag + payload
			},
		},
		{
			name: "oversized payload",
			frame: Frame{
				Type:    TypeFile,
				Payload: make([]byte, MaxFrameSize),
			},
			wantErr: ErrFrameTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := new(bytes.Buffer)
			err := EncodeFrame(buf, &tt.frame)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Zero(t, buf.Len(), "no bytes should reach the wire on encode failure")
				return
			}
			require.NoError(t, err)

			decoded, err := DecodeFrame(buf)
			require.NoError(t, err)
			assert.Equal(t, tt.frame.Type, decoded.Type)
			assert.Equal(t, tt.frame.Payload, decoded.Payload)
		})
	}
}

func TestFrameWireLayout(t *testing.T) {
	// [length:4 BE][tag:1][payload], length covers tag + payload
	buf := new(bytes.Buffer)
	require.NoError(t, EncodeFrame(buf, &Frame{Type: TypeText, Payload: []byte("hi")}))

	want := []byte{0x00, 0x00, 0x00, 0x03, TypeText, 'h', 'i'}
	assert.Equal(t, want, buf.Bytes())
}

func TestDecodeFrameErrors(t *testing.T) {
	t.Run("clean EOF at frame boundary", func(t *testing.T) {
		_, err := DecodeFrame(bytes.NewReader(nil))
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("stream ends mid-length", func(t *testing.T) {
		_, err := DecodeFrame(bytes.NewReader([]byte{0x00, 0x00}))
		assert.ErrorIs(t, err, ErrTruncated)
	})

	t.Run("stream ends mid-body", func(t *testing.T) {
		// Declares 10 bytes of body, delivers 3
		data := []byte{0x00, 0x00, 0x00, 0x0A, TypeText, 'h', 'i'}
		_, err := DecodeFrame(bytes.NewReader(data))
		assert.ErrorIs(t, err, ErrTruncated)
	})

	t.Run("declared length exceeds maximum", func(t *testing.T) {
		buf := new(bytes.Buffer)
		require.NoError(t, WriteUint32(buf, MaxFrameSize+1))
		_, err := DecodeFrame(buf)
		assert.ErrorIs(t, err, ErrFrameTooLarge)
	})

	t.Run("zero length cannot cover the tag", func(t *testing.T) {
		_, err := DecodeFrame(bytes.NewReader([]byte{0x00, 0x00, 0x00, 0x00}))
		assert.ErrorIs(t, err, ErrMalformedFrame)
	})
}

func TestDecodeFrameReadsExactly(t *testing.T) {
	// Two frames back to back: decoding the first must not consume any byte
	// of the second
	buf := new(bytes.Buffer)
	require.NoError(t, EncodeFrame(buf, &Frame{Type: TypeText, Payload: []byte("first")}))
	require.NoError(t, EncodeFrame(buf, &Frame{Type: TypeText, Payload: []byte("second")}))

	f1, err := DecodeFrame(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), f1.Payload)

	f2, err := DecodeFrame(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), f2.Payload)

	_, err = DecodeFrame(buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecodeRawFrame(t *testing.T) {
	data, err := EncodeMessage(&TextMessage{Content: "hello"})
	require.NoError(t, err)

	t.Run("exactly one frame", func(t *testing.T) {
		frame, err := DecodeRawFrame(data)
		require.NoError(t, err)
		assert.Equal(t, uint8(TypeText), frame.Type)
	})

	t.Run("trailing bytes", func(t *testing.T) {
		_, err := DecodeRawFrame(append(append([]byte{}, data...), 0xFF))
		assert.ErrorIs(t, err, ErrMalformedFrame)
	})

	t.Run("missing bytes", func(t *testing.T) {
		_, err := DecodeRawFrame(data[:len(data)-1])
		assert.ErrorIs(t, err, ErrTruncated)
	})
}

func TestEncodeMessage(t *testing.T) {
	data, err := EncodeMessage(&QuitMessage{})
	require.NoError(t, err)

	frame, err := DecodeRawFrame(data)
	require.NoError(t, err)
	assert.Equal(t, uint8(TypeQuit), frame.Type)
	assert.Empty(t, frame.Payload)
}

func TestEncodeMessageDeterministic(t *testing.T) {
	msg := &LoginMessage{Username: "alice", Password: "pw1"}
	a, err := EncodeMessage(msg)
	require.NoError(t, err)
	b, err := EncodeMessage(msg)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
