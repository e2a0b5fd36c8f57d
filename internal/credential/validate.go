package credential

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MinValueLength is the shortest item value accepted. Real session tokens
// are much longer; anything shorter is a placeholder or a truncated paste.
const MinValueLength = 100

// ErrInvalid is wrapped by every ValidationError.
var ErrInvalid = errors.New("invalid credential")

// Reasons reported by Validate.
const (
	ReasonEmpty          = "empty"
	ReasonMissingField   = "missing_key_or_domain"
	ReasonValueTooShort  = "value_too_short"
	ReasonExpiredKeyword = "contains_expired"
)

// ValidationError describes the first invariant a candidate violated.
type ValidationError struct {
	Reason string
	Index  int // item index, -1 for whole-credential failures
	Key    string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("invalid credential: %s", e.Reason)
	}
	msg := fmt.Sprintf("invalid credential: item %d (%q): %s", e.Index, e.Key, e.Reason)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return ErrInvalid }

// Validate checks the invariants in order and stops at the first failure:
// structure (non-empty, key and domain present), then content (value
// length), then the "expired" keyword. Each check covers every item before
// the next one starts. It performs no I/O.
func Validate(c Credential) error {
	if len(c) == 0 {
		return &ValidationError{Reason: ReasonEmpty, Index: -1}
	}

	for i, item := range c {
		if item.Key == "" || item.Domain == "" {
			return &ValidationError{Reason: ReasonMissingField, Index: i, Key: item.Key}
		}
	}

	for i, item := range c {
		if n := utf8.RuneCountInString(item.Value); n < MinValueLength {
			return &ValidationError{
				Reason: ReasonValueTooShort,
				Index:  i,
				Key:    item.Key,
				Detail: fmt.Sprintf("%d characters", n),
			}
		}
	}

	for i, item := range c {
		if strings.Contains(strings.ToLower(item.Value), "expired") {
			return &ValidationError{Reason: ReasonExpiredKeyword, Index: i, Key: item.Key}
		}
	}

	return nil
}

// IsValid is Validate reduced to the only thing callers act on.
func IsValid(c Credential) bool {
	return Validate(c) == nil
}

// Reason extracts the validation reason from err, or "" if err is not a
// ValidationError.
func Reason(err error) string {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Reason
	}
	return ""
}
