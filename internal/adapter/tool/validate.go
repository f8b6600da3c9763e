package tool

import (
	"fmt"

	"grist-agent/internal/domain"
)

// RequireField returns a validation error if the string value is empty.
func RequireField(name, value string) error {
	if value == "" {
		return domain.NewValidationError(name, fmt.Sprintf("'%s' is required", name))
	}
	return nil
}

// RequireIDs checks that ids is non-empty and holds only positive row ids.
func RequireIDs(name string, ids []int64) error {
	if len(ids) == 0 {
		return domain.NewValidationError(name, fmt.Sprintf("'%s' must contain at least one id", name))
	}
	for _, id := range ids {
		if id <= 0 {
			return domain.NewValidationError(name, fmt.Sprintf("invalid row id %d", id), "Row ids are positive integers")
		}
	}
	return nil
}

// ValidateRange checks that value is within [min, max]. Zero means "not set".
func ValidateRange(name string, value, min, max int) error {
	if value == 0 {
		return nil
	}
	if value < min || value > max {
		return domain.NewValidationError(name, fmt.Sprintf("%s must be %d-%d", name, min, max))
	}
	return nil
}

// ValidateAll returns the first non-nil error from the given list.
func ValidateAll(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
