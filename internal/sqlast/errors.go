package sqlast

import "fmt"

type SyntaxError struct {
	Message  string
	Position int
}

func (e *SyntaxError) Error() string {
	if e.Position > 0 {
		return fmt.Sprintf("syntax error at position %d: %s", e.Position, e.Message)
	}
	return "syntax error: " + e.Message
}
