// Package ids generates the opaque identifiers used for issues, runs,
// sessions, and decisions across the orchestrator.
package ids

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// New returns a fresh globally unique identifier.
func New() string {
	return uuid.NewString()
}

// NewPrefixed returns a unique identifier prefixed with a normalized label,
// improving readability in logs, metrics, and tracing without sacrificing
// uniqueness (runs are logged and searched by id far more often than
// sessions or decisions).
func NewPrefixed(label string) string {
	prefix := strings.ReplaceAll(strings.TrimSpace(label), ".", "-")
	if prefix == "" {
		return uuid.NewString()
	}
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}
