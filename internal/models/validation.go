package models

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MinEditTitleLength       = 3
	MinEditDescriptionLength = 10
)

// ValidateNewTask applies the create rules: title and description must be
// non-blank once trimmed.
func ValidateNewTask(title, description string) error {
	if strings.TrimSpace(title) == "" {
		return &ValidationError{Field: "title", Reason: "must not be blank"}
	}
	if strings.TrimSpace(description) == "" {
		return &ValidationError{Field: "description", Reason: "must not be blank"}
	}
	return nil
}

// ValidateTaskEdit applies the edit rules to already trimmed input. Lengths
// are counted in characters, not bytes.
func ValidateTaskEdit(title, description string) error {
	if title == "" {
		return &ValidationError{Field: "title", Reason: "must not be blank"}
	}
	if utf8.RuneCountInString(title) < MinEditTitleLength {
		return &ValidationError{
			Field:  "title",
			Reason: fmt.Sprintf("must be at least %d characters", MinEditTitleLength),
		}
	}
	if utf8.RuneCountInString(description) < MinEditDescriptionLength {
		return &ValidationError{
			Field:  "description",
			Reason: fmt.Sprintf("must be at least %d characters", MinEditDescriptionLength),
		}
	}
	return nil
}
