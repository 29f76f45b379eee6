package resolver

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pgvpd/pgvpd/internal/wire"
)

// readBackendMessage reads one complete backend message from r. Unlike
// internal/wire.ReadMessage (which parses from an in-memory buffer) this
// reads directly off the connection, since resolver execution happens
// synchronously between handshake and handoff.
func readBackendMessage(r *bufio.Reader) (wire.Message, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return wire.Message{}, err
	}
	length := int32(binary.BigEndian.Uint32(header[1:5]))
	if length < 4 {
		return wire.Message{}, fmt.Errorf("resolver: invalid message length %d", length)
	}
	payload := make([]byte, int(length)-4)
	if _, err := io.ReadFull(r, payload); err != nil {
		return wire.Message{}, err
	}
	return wire.Message{Type: header[0], Raw: append(header, payload...), Payload: payload}, nil
}

// parseRowDescription extracts column names from a RowDescription
// payload, skipping the fixed 18-byte field descriptor that follows each
// NUL-terminated name (table OID, column number, type OID, type size,
// type modifier, format code).
func parseRowDescription(payload []byte) []string {
	if len(payload) < 2 {
		return nil
	}
	fieldCount := int(int16(binary.BigEndian.Uint16(payload[0:2])))
	names := make([]string, 0, fieldCount)
	offset := 2

	for i := 0; i < fieldCount; i++ {
		if offset >= len(payload) {
			break
		}
		nameEnd := offset
		for nameEnd < len(payload) && payload[nameEnd] != 0 {
			nameEnd++
		}
		names = append(names, string(payload[offset:nameEnd]))
		offset = nameEnd + 1 + 18
	}
	return names
}

// parseDataRow parses a DataRow payload into a column-name-keyed map.
// NULL fields (length -1) are omitted.
func parseDataRow(payload []byte, columnNames []string) map[string]*string {
	result := make(map[string]*string)
	if len(payload) < 2 {
		return result
	}
	fieldCount := int(int16(binary.BigEndian.Uint16(payload[0:2])))
	offset := 2

	for i := 0; i < fieldCount; i++ {
		if offset+4 > len(payload) {
			break
		}
		length := int32(binary.BigEndian.Uint32(payload[offset : offset+4]))
		offset += 4
		if length < 0 {
			continue
		}
		end := offset + int(length)
		if end > len(payload) {
			break
		}
		value := string(payload[offset:end])
		offset = end
		if i < len(columnNames) {
			result[columnNames[i]] = &value
		}
	}
	return result
}
