package wire

import (
	"bytes"
	"encoding/binary"
	"sort"
)

// BuildStartupMessage builds a protocol-3.0 StartupMessage from a
// parameter map. Key order is not semantically significant to Postgres,
// but sorting keeps output deterministic for tests and logs.
func BuildStartupMessage(params map[string]string) []byte {
	var body bytes.Buffer
	binary.Write(&body, binary.BigEndian, int32(protocolVersion3))

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		body.WriteString(k)
		body.WriteByte(0)
		body.WriteString(params[k])
		body.WriteByte(0)
	}
	body.WriteByte(0) // terminator

	var out bytes.Buffer
	binary.Write(&out, binary.BigEndian, int32(4+body.Len()))
	out.Write(body.Bytes())
	return out.Bytes()
}

// BuildSimpleQuery builds a frontend SimpleQuery ('Q') message.
func BuildSimpleQuery(sql string) []byte {
	return buildMessage('Q', []byte(sql+"\x00"))
}

// BuildErrorResponse builds a backend ErrorResponse ('E') message with
// Severity ('S'), SQLSTATE ('C'), and Message ('M') fields.
func BuildErrorResponse(severity, sqlstate, message string) []byte {
	var body bytes.Buffer
	body.WriteByte('S')
	body.WriteString(severity)
	body.WriteByte(0)
	body.WriteByte('V')
	body.WriteString(severity)
	body.WriteByte(0)
	body.WriteByte('C')
	body.WriteString(sqlstate)
	body.WriteByte(0)
	body.WriteByte('M')
	body.WriteString(message)
	body.WriteByte(0)
	body.WriteByte(0) // terminator
	return buildMessage('E', body.Bytes())
}

// BuildAuthCleartextRequest builds AuthenticationCleartextPassword.
func BuildAuthCleartextRequest() []byte {
	return buildAuthMessage(AuthCleartext, nil)
}

// BuildAuthMD5Request builds AuthenticationMD5Password with the given
// 4-byte salt. Used only by the in-process fake-upstream test harness.
func BuildAuthMD5Request(salt [4]byte) []byte {
	return buildAuthMessage(AuthMD5, salt[:])
}

// BuildAuthOK builds AuthenticationOk.
func BuildAuthOK() []byte {
	return buildAuthMessage(AuthOK, nil)
}

func buildAuthMessage(subtype int32, extra []byte) []byte {
	var body bytes.Buffer
	binary.Write(&body, binary.BigEndian, subtype)
	body.Write(extra)
	return buildMessage(TypeAuthentication, body.Bytes())
}

// BuildPasswordMessage builds a frontend PasswordMessage ('p') carrying
// an arbitrary payload (cleartext password, MD5 hash literal, or a SASL
// response body depending on caller).
func BuildPasswordMessage(payload []byte) []byte {
	body := append(append([]byte{}, payload...), 0)
	return buildMessage('p', body)
}

// BuildSASLInitialResponse builds a frontend SASLInitialResponse, sent
// as a PasswordMessage ('p') carrying the mechanism name and the
// client-first-message.
func BuildSASLInitialResponse(mechanism string, clientFirst []byte) []byte {
	var body bytes.Buffer
	body.WriteString(mechanism)
	body.WriteByte(0)
	binary.Write(&body, binary.BigEndian, int32(len(clientFirst)))
	body.Write(clientFirst)
	return buildMessage('p', body.Bytes())
}

// BuildSASLResponse builds a frontend SASLResponse ('p') carrying the
// client-final-message.
func BuildSASLResponse(clientFinal []byte) []byte {
	return buildMessage('p', clientFinal)
}

// BuildReadyForQuery builds a ReadyForQuery ('Z') message with the given
// transaction status byte (typically 'I' for idle).
func BuildReadyForQuery(status byte) []byte {
	return buildMessage(TypeReadyForQuery, []byte{status})
}

// BuildParameterStatus builds a ParameterStatus ('S') message. Used by
// the in-process fake-upstream test harness to emulate a handshake tail.
func BuildParameterStatus(name, value string) []byte {
	var body bytes.Buffer
	body.WriteString(name)
	body.WriteByte(0)
	body.WriteString(value)
	body.WriteByte(0)
	return buildMessage(TypeParameterStatus, body.Bytes())
}

// BuildBackendKeyData builds a BackendKeyData ('K') message. Used by the
// in-process fake-upstream test harness.
func BuildBackendKeyData(pid, secretKey int32) []byte {
	var body bytes.Buffer
	binary.Write(&body, binary.BigEndian, pid)
	binary.Write(&body, binary.BigEndian, secretKey)
	return buildMessage(TypeBackendKeyData, body.Bytes())
}

func buildMessage(msgType byte, body []byte) []byte {
	var out bytes.Buffer
	out.WriteByte(msgType)
	binary.Write(&out, binary.BigEndian, int32(4+len(body)))
	out.Write(body)
	return out.Bytes()
}
