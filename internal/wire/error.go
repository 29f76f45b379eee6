package wire

import "fmt"

// PGError is a typed decoding of an ErrorResponse/NoticeResponse frame,
// so callers can classify and log upstream failures without re-parsing
// the raw field list themselves.
type PGError struct {
	Severity string
	Code     string // SQLSTATE
	Message  string
}

func (e *PGError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Severity, e.Code, e.Message)
}

// ParseError decodes an ErrorResponse message's field list into a
// *PGError. It does not validate that msg.Type is actually 'E' — callers
// are expected to have checked IsErrorResponse first.
func ParseError(msg Message) *PGError {
	fields := parseErrorFields(msg.Payload)
	return &PGError{
		Severity: fields['S'],
		Code:     fields['C'],
		Message:  fields['M'],
	}
}
