// Package validation provides structural checks executed before any
// backend call.
package validation

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/tokenforge/token-registry/internal/store"
)

// validate is shared; validator.Validate is safe for concurrent use.
var validate = validator.New()

// Token checks that a token string is usable as a backend key component:
// non-empty after trimming and within the configured length cap.
func Token(token string, maxLen int) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("%w: token must not be empty", store.ErrValidation)
	}
	if len(token) > maxLen {
		return fmt.Errorf("%w: token exceeds %d characters", store.ErrValidation, maxLen)
	}
	return nil
}

// Subject checks a subject identifier: non-empty after trimming and at
// most 255 characters.
func Subject(subject string) error {
	if strings.TrimSpace(subject) == "" {
		return fmt.Errorf("%w: subject must not be empty", store.ErrValidation)
	}
	if len(subject) > 255 {
		return fmt.Errorf("%w: subject exceeds 255 characters", store.ErrValidation)
	}
	return nil
}

// CreateData checks the caller-supplied fields for a new record.
func CreateData(data *store.CreateData) error {
	if data == nil {
		return fmt.Errorf("%w: token data is required", store.ErrValidation)
	}
	if err := validate.Struct(data); err != nil {
		return fmt.Errorf("%w: %v", store.ErrValidation, err)
	}
	return nil
}

// Record checks a parsed token record for the canonical field shape.
// Used on the read path to reject corrupted payloads.
func Record(record *store.TokenRecord) error {
	if record == nil {
		return fmt.Errorf("%w: token record is required", store.ErrValidation)
	}
	if err := validate.Struct(record); err != nil {
		return fmt.Errorf("%w: %v", store.ErrValidation, err)
	}
	return nil
}

// Batch enforces the batch size cap and drops invalid entries silently.
// Exceeding the cap is a hard error; a malformed entry only shrinks the
// batch. Returns the surviving entries.
func Batch(entries []store.BatchEntry, maxBatch, maxLen int) ([]store.BatchEntry, error) {
	if len(entries) > maxBatch {
		return nil, fmt.Errorf("%w: batch of %d exceeds cap %d", store.ErrValidation, len(entries), maxBatch)
	}

	survivors := make([]store.BatchEntry, 0, len(entries))
	for _, entry := range entries {
		if Token(entry.Token, maxLen) != nil {
			continue
		}
		if Record(entry.Record) != nil {
			continue
		}
		survivors = append(survivors, entry)
	}
	return survivors, nil
}
