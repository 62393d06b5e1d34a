package protocol

import (
	"bytes"
	"io"
	"time"
)

// Message is implemented by every wire message. Concrete types additionally
// implement ClientMessage or ServerMessage so that the two directions stay
// separate sum types: a client cannot construct server-only variants and the
// server-side dispatch matches exhaustively over client variants only.
type Message interface {
	// MessageType returns the frame type tag
	MessageType() uint8
	// Encode serializes the payload to bytes (convenience wrapper)
	Encode() ([]byte, error)
	// EncodeTo serializes the payload directly to a writer
	EncodeTo(w io.Writer) error
	// Decode deserializes the payload from bytes
	Decode(payload []byte) error
}

// ClientMessage is a message a client may send to the server.
type ClientMessage interface {
	Message
	clientMessage()
}

// ServerMessage is a message the server may send to a client.
type ServerMessage interface {
	Message
	serverMessage()
}

// Message type constants (Client → Server)
const (
	TypeText        = 0x01
	TypeFile        = 0x02
	TypeImage       = 0x03
	TypeSetUsername = 0x04
	TypeSetColor    = 0x05
	TypeLogin       = 0x06
	TypeRegister    = 0x07
	TypeQuit        = 0x08
)

// Message type constants (Server → Client)
const (
	TypeTextBroadcast      = 0x81
	TypeFileBroadcast      = 0x82
	TypeImageBroadcast     = 0x83
	TypeUsernameChanged    = 0x84
	TypeColorChanged       = 0x85
	TypeLoginResponse      = 0x86
	TypeRegisterResponse   = 0x87
	TypeHistory            = 0x88
	TypeRecoverableError   = 0x89
	TypeUnrecoverableError = 0x8A
	TypeUserJoined         = 0x8B
	TypeUserLeft           = 0x8C
	TypeServerQuit         = 0x8D
)

// Color is an RGB color, one byte per channel
type Color struct {
	R, G, B uint8
}

// UserInfo identifies a message sender: a non-empty username and a color
type UserInfo struct {
	Username string
	Color    Color
}

func writeColor(w io.Writer, c Color) error {
	_, err := w.Write([]byte{c.R, c.G, c.B})
	return err
}

func readColor(r io.Reader) (Color, error) {
	var buf [3]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Color{}, err
	}
	return Color{R: buf[0], G: buf[1], B: buf[2]}, nil
}

func writeUserInfo(w io.Writer, u UserInfo) error {
	if err := WriteString(w, u.Username); err != nil {
		return err
	}
	return writeColor(w, u.Color)
}

func readUserInfo(r io.Reader) (UserInfo, error) {
	username, err := ReadString(r)
	if err != nil {
		return UserInfo{}, err
	}
	color, err := readColor(r)
	if err != nil {
		return UserInfo{}, err
	}
	return UserInfo{Username: username, Color: color}, nil
}

// ---------------------------------------------------------------------------
// Client → Server messages
// ---------------------------------------------------------------------------

// TextMessage (0x01) - Chat text
type TextMessage struct {
	Content string
}

func (m *TextMessage) MessageType() uint8 { return TypeText }
func (m *TextMessage) clientMessage()     {}

func (m *TextMessage) EncodeTo(w io.Writer) error {
	return WriteString(w, m.Content)
}

func (m *TextMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *TextMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	content, err := ReadString(buf)
	if err != nil {
		return err
	}
	m.Content = content
	return nil
}

// FileMessage (0x02) - File transfer: length-prefixed filename, then raw bytes
type FileMessage struct {
	Filename string
	Data     []byte
}

func (m *FileMessage) MessageType() uint8 { return TypeFile }
func (m *FileMessage) clientMessage()     {}

func (m *FileMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Filename); err != nil {
		return err
	}
	return WriteBytes(w, m.Data)
}

func (m *FileMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *FileMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	filename, err := ReadString(buf)
	if err != nil {
		return err
	}
	data, err := ReadBytes(buf)
	if err != nil {
		return err
	}
	m.Filename = filename
	m.Data = data
	return nil
}

// ImageMessage (0x03) - Image transfer, raw bytes
type ImageMessage struct {
	Data []byte
}

func (m *ImageMessage) MessageType() uint8 { return TypeImage }
func (m *ImageMessage) clientMessage()     {}

func (m *ImageMessage) EncodeTo(w io.Writer) error {
	return WriteBytes(w, m.Data)
}

func (m *ImageMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *ImageMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	data, err := ReadBytes(buf)
	if err != nil {
		return err
	}
	m.Data = data
	return nil
}

// SetUsernameMessage (0x04) - Change display name
type SetUsernameMessage struct {
	Username string
}

func (m *SetUsernameMessage) MessageType() uint8 { return TypeSetUsername }
func (m *SetUsernameMessage) clientMessage()     {}

func (m *SetUsernameMessage) EncodeTo(w io.Writer) error {
	return WriteString(w, m.Username)
}

func (m *SetUsernameMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *SetUsernameMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	username, err := ReadString(buf)
	if err != nil {
		return err
	}
	m.Username = username
	return nil
}

// SetColorMessage (0x05) - Change display color
type SetColorMessage struct {
	Color Color
}

func (m *SetColorMessage) MessageType() uint8 { return TypeSetColor }
func (m *SetColorMessage) clientMessage()     {}

func (m *SetColorMessage) EncodeTo(w io.Writer) error {
	return writeColor(w, m.Color)
}

func (m *SetColorMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *SetColorMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	color, err := readColor(buf)
	if err != nil {
		return err
	}
	m.Color = color
	return nil
}

// LoginMessage (0x06) - Authenticate with username and password
type LoginMessage struct {
	Username string
	Password string
}

func (m *LoginMessage) MessageType() uint8 { return TypeLogin }
func (m *LoginMessage) clientMessage()     {}

func (m *LoginMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Username); err != nil {
		return err
	}
	return WriteString(w, m.Password)
}

func (m *LoginMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *LoginMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	username, err := ReadString(buf)
	if err != nil {
		return err
	}
	password, err := ReadString(buf)
	if err != nil {
		return err
	}
	m.Username = username
	m.Password = password
	return nil
}

// RegisterMessage (0x07) - Create an account. Password and Confirm must
// match before the server touches storage.
type RegisterMessage struct {
	Username string
	Password string
	Confirm  string
	Color    Color
}

func (m *RegisterMessage) MessageType() uint8 { return TypeRegister }
func (m *RegisterMessage) clientMessage()     {}

func (m *RegisterMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Username); err != nil {
		return err
	}
	if err := WriteString(w, m.Password); err != nil {
		return err
	}
	if err := WriteString(w, m.Confirm); err != nil {
		return err
	}
	return writeColor(w, m.Color)
}

func (m *RegisterMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *RegisterMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	username, err := ReadString(buf)
	if err != nil {
		return err
	}
	password, err := ReadString(buf)
	if err != nil {
		return err
	}
	confirm, err := ReadString(buf)
	if err != nil {
		return err
	}
	color, err := readColor(buf)
	if err != nil {
		return err
	}
	m.Username = username
	m.Password = password
	m.Confirm = confirm
	m.Color = color
	return nil
}

// QuitMessage (0x08) - Graceful disconnect
type QuitMessage struct{}

func (m *QuitMessage) MessageType() uint8 { return TypeQuit }
func (m *QuitMessage) clientMessage()     {}

func (m *QuitMessage) EncodeTo(w io.Writer) error {
	return nil
}

func (m *QuitMessage) Encode() ([]byte, error) {
	return []byte{}, nil
}

func (m *QuitMessage) Decode(payload []byte) error {
	return nil
}

// ---------------------------------------------------------------------------
// Server → Client messages
// ---------------------------------------------------------------------------

// TextBroadcast (0x81) - Chat text delivered to other sessions
type TextBroadcast struct {
	Sender  UserInfo
	SentAt  time.Time
	Content string
}

func (m *TextBroadcast) MessageType() uint8 { return TypeTextBroadcast }
func (m *TextBroadcast) serverMessage()     {}

func (m *TextBroadcast) EncodeTo(w io.Writer) error {
	if err := writeUserInfo(w, m.Sender); err != nil {
		return err
	}
	if err := WriteTimestamp(w, m.SentAt); err != nil {
		return err
	}
	return WriteString(w, m.Content)
}

func (m *TextBroadcast) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *TextBroadcast) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	sender, err := readUserInfo(buf)
	if err != nil {
		return err
	}
	sentAt, err := ReadTimestamp(buf)
	if err != nil {
		return err
	}
	content, err := ReadString(buf)
	if err != nil {
		return err
	}
	m.Sender = sender
	m.SentAt = sentAt
	m.Content = content
	return nil
}

// FileBroadcast (0x82) - File delivered to other sessions
type FileBroadcast struct {
	Sender   UserInfo
	SentAt   time.Time
	Filename string
	Data     []byte
}

func (m *FileBroadcast) MessageType() uint8 { return TypeFileBroadcast }
func (m *FileBroadcast) serverMessage()     {}

func (m *FileBroadcast) EncodeTo(w io.Writer) error {
	if err := writeUserInfo(w, m.Sender); err != nil {
		return err
	}
	if err := WriteTimestamp(w, m.SentAt); err != nil {
		return err
	}
	if err := WriteString(w, m.Filename); err != nil {
		return err
	}
	return WriteBytes(w, m.Data)
}

func (m *FileBroadcast) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *FileBroadcast) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	sender, err := readUserInfo(buf)
	if err != nil {
		return err
	}
	sentAt, err := ReadTimestamp(buf)
	if err != nil {
		return err
	}
	filename, err := ReadString(buf)
	if err != nil {
		return err
	}
	data, err := ReadBytes(buf)
	if err != nil {
		return err
	}
	m.Sender = sender
	m.SentAt = sentAt
	m.Filename = filename
	m.Data = data
	return nil
}

// ImageBroadcast (0x83) - Image delivered to other sessions
type ImageBroadcast struct {
	Sender UserInfo
	SentAt time.Time
	Data   []byte
}

func (m *ImageBroadcast) MessageType() uint8 { return TypeImageBroadcast }
func (m *ImageBroadcast) serverMessage()     {}

func (m *ImageBroadcast) EncodeTo(w io.Writer) error {
	if err := writeUserInfo(w, m.Sender); err != nil {
		return err
	}
	if err := WriteTimestamp(w, m.SentAt); err != nil {
		return err
	}
	return WriteBytes(w, m.Data)
}

func (m *ImageBroadcast) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *ImageBroadcast) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	sender, err := readUserInfo(buf)
	if err != nil {
		return err
	}
	sentAt, err := ReadTimestamp(buf)
	if err != nil {
		return err
	}
	data, err := ReadBytes(buf)
	if err != nil {
		return err
	}
	m.Sender = sender
	m.SentAt = sentAt
	m.Data = data
	return nil
}

// UsernameChanged (0x84) - A session changed its display name.
// Sender carries the new name, OldUsername the previous one.
type UsernameChanged struct {
	Sender      UserInfo
	SentAt      time.Time
	OldUsername string
}

func (m *UsernameChanged) MessageType() uint8 { return TypeUsernameChanged }
func (m *UsernameChanged) serverMessage()     {}

func (m *UsernameChanged) EncodeTo(w io.Writer) error {
	if err := writeUserInfo(w, m.Sender); err != nil {
		return err
	}
	if err := WriteTimestamp(w, m.SentAt); err != nil {
		return err
	}
	return WriteString(w, m.OldUsername)
}

func (m *UsernameChanged) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *UsernameChanged) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	sender, err := readUserInfo(buf)
	if err != nil {
		return err
	}
	sentAt, err := ReadTimestamp(buf)
	if err != nil {
		return err
	}
	old, err := ReadString(buf)
	if err != nil {
		return err
	}
	m.Sender = sender
	m.SentAt = sentAt
	m.OldUsername = old
	return nil
}

// ColorChanged (0x85) - A session changed its display color.
// Sender carries the new color, OldColor the previous one.
type ColorChanged struct {
	Sender   UserInfo
	SentAt   time.Time
	OldColor Color
}

func (m *ColorChanged) MessageType() uint8 { return TypeColorChanged }
func (m *ColorChanged) serverMessage()     {}

func (m *ColorChanged) EncodeTo(w io.Writer) error {
	if err := writeUserInfo(w, m.Sender); err != nil {
		return err
	}
	if err := WriteTimestamp(w, m.SentAt); err != nil {
		return err
	}
	return writeColor(w, m.OldColor)
}

func (m *ColorChanged) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *ColorChanged) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	sender, err := readUserInfo(buf)
	if err != nil {
		return err
	}
	sentAt, err := ReadTimestamp(buf)
	if err != nil {
		return err
	}
	old, err := readColor(buf)
	if err != nil {
		return err
	}
	m.Sender = sender
	m.SentAt = sentAt
	m.OldColor = old
	return nil
}

// LoginResponse (0x86) - Result of a LoginMessage. User is present iff OK.
type LoginResponse struct {
	OK     bool
	User   UserInfo
	Reason string
}

func (m *LoginResponse) MessageType() uint8 { return TypeLoginResponse }
func (m *LoginResponse) serverMessage()     {}

func (m *LoginResponse) EncodeTo(w io.Writer) error {
	ok := uint8(0)
	if m.OK {
		ok = 1
	}
	if err := WriteUint8(w, ok); err != nil {
		return err
	}
	if m.OK {
		return writeUserInfo(w, m.User)
	}
	return WriteString(w, m.Reason)
}

func (m *LoginResponse) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *LoginResponse) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	ok, err := ReadUint8(buf)
	if err != nil {
		return err
	}
	m.OK = ok == 1
	if m.OK {
		user, err := readUserInfo(buf)
		if err != nil {
			return err
		}
		m.User = user
		m.Reason = ""
		return nil
	}
	reason, err := ReadString(buf)
	if err != nil {
		return err
	}
	m.User = UserInfo{}
	m.Reason = reason
	return nil
}

// RegisterResponse (0x87) - Result of a RegisterMessage. User is present iff OK.
type RegisterResponse struct {
	OK     bool
	User   UserInfo
	Reason string
}

func (m *RegisterResponse) MessageType() uint8 { return TypeRegisterResponse }
func (m *RegisterResponse) serverMessage()     {}

func (m *RegisterResponse) EncodeTo(w io.Writer) error {
	ok := uint8(0)
	if m.OK {
		ok = 1
	}
	if err := WriteUint8(w, ok); err != nil {
		return err
	}
	if m.OK {
		return writeUserInfo(w, m.User)
	}
	return WriteString(w, m.Reason)
}

func (m *RegisterResponse) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *RegisterResponse) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	ok, err := ReadUint8(buf)
	if err != nil {
		return err
	}
	m.OK = ok == 1
	if m.OK {
		user, err := readUserInfo(buf)
		if err != nil {
			return err
		}
		m.User = user
		m.Reason = ""
		return nil
	}
	reason, err := ReadString(buf)
	if err != nil {
		return err
	}
	m.User = UserInfo{}
	m.Reason = reason
	return nil
}

// HistoryEntry is one persisted text message in a history snapshot
type HistoryEntry struct {
	Sender  UserInfo
	SentAt  time.Time
	Content string
}

// HistoryMessage (0x88) - Bounded history snapshot, oldest entry first
type HistoryMessage struct {
	Entries []HistoryEntry
}

func (m *HistoryMessage) MessageType() uint8 { return TypeHistory }
func (m *HistoryMessage) serverMessage()     {}

func (m *HistoryMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint16(w, uint16(len(m.Entries))); err != nil {
		return err
	}
	for _, e := range m.Entries {
		if err := writeUserInfo(w, e.Sender); err != nil {
			return err
		}
		if err := WriteTimestamp(w, e.SentAt); err != nil {
			return err
		}
		if err := WriteString(w, e.Content); err != nil {
			return err
		}
	}
	return nil
}

func (m *HistoryMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *HistoryMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	count, err := ReadUint16(buf)
	if err != nil {
		return err
	}
	entries := make([]HistoryEntry, 0, count)
	for i := uint16(0); i < count; i++ {
		sender, err := readUserInfo(buf)
		if err != nil {
			return err
		}
		sentAt, err := ReadTimestamp(buf)
		if err != nil {
			return err
		}
		content, err := ReadString(buf)
		if err != nil {
			return err
		}
		entries = append(entries, HistoryEntry{Sender: sender, SentAt: sentAt, Content: content})
	}
	m.Entries = entries
	return nil
}

// RecoverableErrorMessage (0x89) - Shown to the client; the session continues
type RecoverableErrorMessage struct {
	Message string
}

func (m *RecoverableErrorMessage) MessageType() uint8 { return TypeRecoverableError }
func (m *RecoverableErrorMessage) serverMessage()     {}

func (m *RecoverableErrorMessage) EncodeTo(w io.Writer) error {
	return WriteString(w, m.Message)
}

func (m *RecoverableErrorMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *RecoverableErrorMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	msg, err := ReadString(buf)
	if err != nil {
		return err
	}
	m.Message = msg
	return nil
}

// UnrecoverableErrorMessage (0x8A) - Shown to the client; the session is over
type UnrecoverableErrorMessage struct {
	Message string
}

func (m *UnrecoverableErrorMessage) MessageType() uint8 { return TypeUnrecoverableError }
func (m *UnrecoverableErrorMessage) serverMessage()     {}

func (m *UnrecoverableErrorMessage) EncodeTo(w io.Writer) error {
	return WriteString(w, m.Message)
}

func (m *UnrecoverableErrorMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *UnrecoverableErrorMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	msg, err := ReadString(buf)
	if err != nil {
		return err
	}
	m.Message = msg
	return nil
}

// UserJoined (0x8B) - A session authenticated and joined the live broadcast
type UserJoined struct {
	User   UserInfo
	SentAt time.Time
}

func (m *UserJoined) MessageType() uint8 { return TypeUserJoined }
func (m *UserJoined) serverMessage()     {}

func (m *UserJoined) EncodeTo(w io.Writer) error {
	if err := writeUserInfo(w, m.User); err != nil {
		return err
	}
	return WriteTimestamp(w, m.SentAt)
}

func (m *UserJoined) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *UserJoined) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	user, err := readUserInfo(buf)
	if err != nil {
		return err
	}
	sentAt, err := ReadTimestamp(buf)
	if err != nil {
		return err
	}
	m.User = user
	m.SentAt = sentAt
	return nil
}

// UserLeft (0x8C) - An authenticated session disconnected
type UserLeft struct {
	User   UserInfo
	SentAt time.Time
}

func (m *UserLeft) MessageType() uint8 { return TypeUserLeft }
func (m *UserLeft) serverMessage()     {}

func (m *UserLeft) EncodeTo(w io.Writer) error {
	if err := writeUserInfo(w, m.User); err != nil {
		return err
	}
	return WriteTimestamp(w, m.SentAt)
}

func (m *UserLeft) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *UserLeft) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	user, err := readUserInfo(buf)
	if err != nil {
		return err
	}
	sentAt, err := ReadTimestamp(buf)
	if err != nil {
		return err
	}
	m.User = user
	m.SentAt = sentAt
	return nil
}

// ServerQuit (0x8D) - Server is shutting down
type ServerQuit struct {
	Reason string
}

func (m *ServerQuit) MessageType() uint8 { return TypeServerQuit }
func (m *ServerQuit) serverMessage()     {}

func (m *ServerQuit) EncodeTo(w io.Writer) error {
	return WriteString(w, m.Reason)
}

func (m *ServerQuit) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *ServerQuit) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	reason, err := ReadString(buf)
	if err != nil {
		return err
	}
	m.Reason = reason
	return nil
}

// ---------------------------------------------------------------------------
// Direction-aware frame decoding
// ---------------------------------------------------------------------------

// DecodeClientMessage decodes a frame received by the server. Unknown tags
// (including server-only tags) yield ErrUnknownType; a payload shorter than
// its variant requires yields ErrTruncated.
func DecodeClientMessage(f *Frame) (ClientMessage, error) {
	var msg ClientMessage
	switch f.Type {
	case TypeText:
		msg = &TextMessage{}
	case TypeFile:
		msg = &FileMessage{}
	case TypeImage:
		msg = &ImageMessage{}
	case TypeSetUsername:
		msg = &SetUsernameMessage{}
	case TypeSetColor:
		msg = &SetColorMessage{}
	case TypeLogin:
		msg = &LoginMessage{}
	case TypeRegister:
		msg = &RegisterMessage{}
	case TypeQuit:
		msg = &QuitMessage{}
	default:
		return nil, ErrUnknownType
	}
	if err := msg.Decode(f.Payload); err != nil {
		return nil, mapDecodeError(err)
	}
	return msg, nil
}

// DecodeServerMessage decodes a frame received by a client.
func DecodeServerMessage(f *Frame) (ServerMessage, error) {
	var msg ServerMessage
	switch f.Type {
	case TypeTextBroadcast:
		msg = &TextBroadcast{}
	case TypeFileBroadcast:
		msg = &FileBroadcast{}
	case TypeImageBroadcast:
		msg = &ImageBroadcast{}
	case TypeUsernameChanged:
		msg = &UsernameChanged{}
	case TypeColorChanged:
		msg = &ColorChanged{}
	case TypeLoginResponse:
		msg = &LoginResponse{}
	case TypeRegisterResponse:
		msg = &RegisterResponse{}
	case TypeHistory:
		msg = &HistoryMessage{}
	case TypeRecoverableError:
		msg = &RecoverableErrorMessage{}
	case TypeUnrecoverableError:
		msg = &UnrecoverableErrorMessage{}
	case TypeUserJoined:
		msg = &UserJoined{}
	case TypeUserLeft:
		msg = &UserLeft{}
	case TypeServerQuit:
		msg = &ServerQuit{}
	default:
		return nil, ErrUnknownType
	}
	if err := msg.Decode(f.Payload); err != nil {
		return nil, mapDecodeError(err)
	}
	return msg, nil
}

// mapDecodeError maps short-read errors from payload decoding to ErrTruncated
func mapDecodeError(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return ErrTruncated
	}
	return err
}
