package utils

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random (version 4) identifier in canonical string form.
func NewID() string {
	return uuid.NewString()
}

// ValidID reports whether id has the shape of an identifier produced by NewID.
func ValidID(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}
