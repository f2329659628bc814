package serrors

import "fmt"

// Base is a coded sentinel error. Instances are package-level variables and
// matched with errors.Is after wrapping.
type Base struct {
	Code    string
	Message string
	Hint    string
}

func NewError(code, message, hint string) *Base {
	return &Base{Code: code, Message: message, Hint: hint}
}

func (e *Base) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches by code so wrapped copies compare equal to the sentinel.
func (e *Base) Is(target error) bool {
	t, ok := target.(*Base)
	if !ok {
		return false
	}
	return t.Code == e.Code
}
