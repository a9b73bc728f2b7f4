// Package validation checks todo payloads accepted by the reference backend.
package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/hyperengineering/todomirror/internal/types"
)

// MaxTitleLength is the longest title accepted, in runes.
const MaxTitleLength = 1000

// crockfordBase32 is the ULID alphabet (no I, L, O, U).
const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Collector accumulates validation errors without failing on first.
type Collector struct {
	errors []ValidationError
}

// Add appends a validation error to the collector if non-nil.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

// HasErrors returns true if the collector has accumulated any errors.
func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns all accumulated validation errors.
func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// ValidateNewTodo checks a create payload. Only id and title are required;
// completed defaults to false and the author comes from the caller's token.
func ValidateNewTodo(p types.Patch) []ValidationError {
	var c Collector
	c.Add(ValidateULID("id", p.ID))
	if p.Title == nil {
		c.Add(&ValidationError{Field: "title", Message: "is required"})
	} else {
		validateTitle(&c, *p.Title)
	}
	if p.CreatedAt != nil && *p.CreatedAt < 0 {
		c.Add(&ValidationError{Field: "createdAt", Message: "must not be negative"})
	}
	return c.Errors()
}

// ValidateUpdate checks a partial update. At least one of title and
// completed must be present.
func ValidateUpdate(p types.Patch) []ValidationError {
	var c Collector
	if p.Title == nil && p.Completed == nil {
		c.Add(&ValidationError{Field: "record", Message: "must set title or completed"})
	}
	if p.Title != nil {
		validateTitle(&c, *p.Title)
	}
	return c.Errors()
}

func validateTitle(c *Collector, title string) {
	if err := ValidateRequired("title", title); err != nil {
		c.Add(err)
		return
	}
	if err := ValidateUTF8("title", title); err != nil {
		c.Add(err)
		return
	}
	c.Add(ValidateNoNullBytes("title", title))
	c.Add(ValidateMaxLength("title", title, MaxTitleLength))
}

// ValidateUTF8 returns an error if the value is not valid UTF-8.
func ValidateUTF8(field, value string) *ValidationError {
	if !utf8.ValidString(value) {
		return &ValidationError{Field: field, Message: "must be valid UTF-8"}
	}
	return nil
}

// ValidateNoNullBytes returns an error if the value contains null bytes.
func ValidateNoNullBytes(field, value string) *ValidationError {
	if strings.ContainsRune(value, 0) {
		return &ValidationError{Field: field, Message: "must not contain null bytes"}
	}
	return nil
}

// ValidateMaxLength returns an error if the value exceeds max runes.
func ValidateMaxLength(field, value string, max int) *ValidationError {
	if utf8.RuneCountInString(value) > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", max),
		}
	}
	return nil
}

// ValidateULID returns an error unless value is a 26 character Crockford
// Base32 string. Lower case is accepted.
func ValidateULID(field, value string) *ValidationError {
	if len(value) != 26 {
		return &ValidationError{Field: field, Message: "must be a valid ULID (26 characters)"}
	}
	if strings.IndexFunc(strings.ToUpper(value), func(r rune) bool {
		return !strings.ContainsRune(crockfordBase32, r)
	}) >= 0 {
		return &ValidationError{Field: field, Message: "must be a valid ULID (invalid character)"}
	}
	return nil
}

// ValidateRequired returns an error if the value is empty or whitespace-only.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{Field: field, Message: "is required"}
	}
	return nil
}
