// Package pel implements the Platform Event Log binary codec: serialization
// and deserialization of the multi-section wire-format record described in
// the platform's PEL specification.
package pel

import "errors"

// Sentinel codec errors. Wrap with fmt.Errorf("%w: ...") for context.
var (
	// ErrTruncated is returned when a read would run past the end of the
	// backing stream.
	ErrTruncated = errors.New("pel: truncated stream")

	// ErrBadMagic is returned when a Private Header or User Header section
	// does not carry the expected id/version pair. Decode does not return
	// it for those two headers: it marks the PEL Invalid and returns it.
	ErrBadMagic = errors.New("pel: bad section magic")

	// ErrBadSubstructure is returned when a callout substructure carries an
	// unexpected type byte.
	ErrBadSubstructure = errors.New("pel: bad callout substructure")

	// ErrTooLarge is returned when a PEL cannot be trimmed under the
	// 16384-byte cap even after dropping all prunable User Data sections.
	ErrTooLarge = errors.New("pel: PEL exceeds maximum size after trimming")
)

// Diagnostic is a non-fatal condition recorded against a decoded or built
// PEL. Diagnostics never cause Decode to fail; they are attached to the
// returned PEL for forensic display.
type Diagnostic struct {
	Code    string
	Message string
}
