// Package id provides centralized ID generation for multiproc.
//
// This package offers type-safe ULID generation with:
//   - Lexicographic sortability: envelopes sort in creation order in logs
//   - Prefixed types: Type-specific prefixes for debugging (env_*, proc_*)
//   - Type safety: Separate types prevent ID misuse
//
// Supervisor runs are identified with random UUIDs instead, since they only
// correlate log lines and carry no ordering.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// ============================================================================
// Type-Safe ID Wrappers
// ============================================================================

// EnvelopeID identifies a single message envelope
type EnvelopeID string

// ProcessID identifies a worker process entity
type ProcessID string

// RunID identifies one supervisor run
type RunID string

// ============================================================================
// ID Prefixes (for debugging and type identification)
// ============================================================================

const (
	EnvelopePrefix = "env"
	ProcessPrefix  = "proc"
)

// ============================================================================
// ULID Generator (Primary)
// ============================================================================

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // Protects entropy reader
}

var (
	// Default generator with cryptographically secure entropy
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a new ULID generator
func NewGenerator() *Generator {
	return &Generator{
		entropy: rand.Reader,
	}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateString creates a new ULID as a string
func (g *Generator) GenerateString() string {
	return g.Generate().String()
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.GenerateString())
}

// ============================================================================
// Typed ID Generators
// ============================================================================

// NewEnvelopeID generates a new envelope ID
func NewEnvelopeID() EnvelopeID {
	return EnvelopeID(Default().GenerateWithPrefix(EnvelopePrefix))
}

// NewProcessID generates a new process ID
func NewProcessID() ProcessID {
	return ProcessID(Default().GenerateWithPrefix(ProcessPrefix))
}

// NewRunID generates a new supervisor run ID
func NewRunID() RunID {
	return RunID(uuid.NewString())
}

// ============================================================================
// String Conversion
// ============================================================================

// String methods for ID types
func (id EnvelopeID) String() string { return string(id) }
func (id ProcessID) String() string  { return string(id) }
func (id RunID) String() string      { return string(id) }
