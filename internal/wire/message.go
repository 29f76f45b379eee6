package wire

import (
	"encoding/binary"
	"fmt"
)

// Backend message type bytes the proxy inspects by name.
const (
	TypeAuthentication  byte = 'R'
	TypeParameterStatus byte = 'S'
	TypeBackendKeyData  byte = 'K'
	TypeReadyForQuery   byte = 'Z'
	TypeCommandComplete byte = 'C'
	TypeErrorResponse   byte = 'E'
	TypeNoticeResponse  byte = 'N'
	TypeRowDescription  byte = 'T'
	TypeDataRow         byte = 'D'
	TypeEmptyQuery      byte = 'I'
	TypeTerminate       byte = 'X'
)

// Authentication subtypes, the 4-byte value following an 'R' message's
// length field.
const (
	AuthOK              int32 = 0
	AuthCleartext       int32 = 3
	AuthMD5             int32 = 5
	AuthSASL            int32 = 10
	AuthSASLContinue    int32 = 11
	AuthSASLFinal       int32 = 12
)

// Message is a framed backend (or frontend) message: one type byte, a
// big-endian length inclusive of itself but exclusive of the type byte,
// and a payload.
type Message struct {
	Type    byte
	Raw     []byte // the complete frame, including type byte and length
	Payload []byte // everything after the length field
}

// ReadMessage attempts to parse one framed message from the front of
// buf. Returns (msg, n, true) on success; (Message{}, 0, false) if buf
// is short. A length less than 4 is malformed framing and is reported
// as an error so the caller can decide whether to forward raw bytes or
// drop the connection.
func ReadMessage(buf []byte) (Message, int, bool, error) {
	if len(buf) < 5 {
		return Message{}, 0, false, nil
	}
	msgType := buf[0]
	length := int32(binary.BigEndian.Uint32(buf[1:5]))
	if length < 4 {
		return Message{}, 0, false, fmt.Errorf("wire: invalid message length %d for type %q", length, msgType)
	}
	total := 1 + int(length)
	if len(buf) < total {
		return Message{}, 0, false, nil
	}
	return Message{
		Type:    msgType,
		Raw:     buf[:total],
		Payload: buf[5:total],
	}, total, true, nil
}

// IsAuthOK reports whether msg is AuthenticationOk.
func (m Message) IsAuthOK() bool {
	return m.Type == TypeAuthentication && m.authSubtype() == AuthOK
}

// IsAuthChallenge reports whether msg is an authentication request that
// requires a client-side reply (i.e. not OK and not the SASL final
// message, which carries no further client action).
func (m Message) IsAuthChallenge() bool {
	if m.Type != TypeAuthentication {
		return false
	}
	sub := m.authSubtype()
	return sub != AuthOK && sub != AuthSASLFinal
}

// AuthSubtype returns the authentication subtype and true, or (0, false)
// if msg is not an Authentication message.
func (m Message) AuthSubtype() (int32, bool) {
	if m.Type != TypeAuthentication {
		return 0, false
	}
	return m.authSubtype(), true
}

func (m Message) authSubtype() int32 {
	if len(m.Payload) < 4 {
		return -1
	}
	return int32(binary.BigEndian.Uint32(m.Payload[0:4]))
}

func (m Message) IsReadyForQuery() bool   { return m.Type == TypeReadyForQuery }
func (m Message) IsErrorResponse() bool   { return m.Type == TypeErrorResponse }
func (m Message) IsParameterStatus() bool { return m.Type == TypeParameterStatus }
func (m Message) IsBackendKeyData() bool  { return m.Type == TypeBackendKeyData }
func (m Message) IsRowDescription() bool  { return m.Type == TypeRowDescription }
func (m Message) IsDataRow() bool         { return m.Type == TypeDataRow }

// ErrorMessage extracts the human-readable 'M' field from an
// ErrorResponse/NoticeResponse payload, which is a sequence of
// NUL-terminated (field-code byte, value) pairs terminated by a zero
// byte.
func (m Message) ErrorMessage() string {
	fields := parseErrorFields(m.Payload)
	if msg, ok := fields['M']; ok {
		return msg
	}
	return "(no message)"
}

func parseErrorFields(payload []byte) map[byte]string {
	fields := make(map[byte]string)
	i := 0
	for i < len(payload) {
		code := payload[i]
		if code == 0 {
			break
		}
		i++
		start := i
		for i < len(payload) && payload[i] != 0 {
			i++
		}
		fields[code] = string(payload[start:i])
		if i < len(payload) {
			i++ // skip NUL
		}
	}
	return fields
}
