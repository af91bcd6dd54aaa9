package pel

import "fmt"

// Section ids are always 2 ASCII characters (§6). Only top-level sections
// this codec actually emits or parses get a constant here; PCEIdentity,
// MRU, Callouts, and similar structures are embedded subsections encoded
// directly by their owning section rather than standalone top-level ones.
const (
	IDPrivateHeader      = "PH"
	IDUserHeader         = "UH"
	IDPrimarySRC         = "PS"
	IDUserData           = "UD"
	IDExtendedUserHeader = "EH"
	IDFailingMTMS        = "MT"
)

// Header is the common 8-byte section header: {id(2), size(2), version(1),
// subtype(1), component(2)}.
type Header struct {
	ID        string
	Size      uint16
	Version   uint8
	SubType   uint8
	Component uint16
}

const headerSize = 8

// ReadHeader decodes an 8-byte section header from the stream.
func ReadHeader(s *Stream) (Header, error) {
	idBytes, err := s.ReadBytes(2)
	if err != nil {
		return Header{}, fmt.Errorf("section header id: %w", err)
	}
	size, err := s.ReadU16()
	if err != nil {
		return Header{}, fmt.Errorf("section header size: %w", err)
	}
	version, err := s.ReadU8()
	if err != nil {
		return Header{}, fmt.Errorf("section header version: %w", err)
	}
	subtype, err := s.ReadU8()
	if err != nil {
		return Header{}, fmt.Errorf("section header subtype: %w", err)
	}
	component, err := s.ReadU16()
	if err != nil {
		return Header{}, fmt.Errorf("section header component: %w", err)
	}
	return Header{
		ID:        string(idBytes),
		Size:      size,
		Version:   version,
		SubType:   subtype,
		Component: component,
	}, nil
}

// Write encodes the header to the stream.
func (h Header) Write(s *Stream) {
	s.WriteBytes([]byte(h.ID))
	s.WriteU16(h.Size)
	s.WriteU8(h.Version)
	s.WriteU8(h.SubType)
	s.WriteU16(h.Component)
}

// Section is the common interface implemented by every concrete section
// type plus GenericSection, the catch-all fallback for unknown ids. A
// tagged-variant dispatch table (sectionFactories) replaces the
// inheritance + virtual dispatch the original implementation used, per
// the "Section polymorphism" design note.
type Section interface {
	// SectionID returns the 2-character section id.
	SectionID() string

	// Header returns the section's 8-byte header as last encoded/decoded.
	Header() Header

	// Encode serializes the section body (header included) to the stream.
	Encode(s *Stream) error

	// Decode populates the section from the stream, given the header that
	// was already peeked off the front.
	Decode(s *Stream, h Header) error

	// Valid reports whether the section's declared size is internally
	// consistent (e.g. >= header size) — required for a Generic section to
	// be considered valid even when its id is unrecognized.
	Valid() bool
}

// sectionFactories is the id -> constructor dispatch table used by decode.
// Unregistered ids fall back to GenericSection.
var sectionFactories = map[string]func() Section{
	IDPrivateHeader:      func() Section { return &PrivateHeader{} },
	IDUserHeader:         func() Section { return &UserHeader{} },
	IDPrimarySRC:         func() Section { return &PrimarySRC{} },
	IDUserData:           func() Section { return &UserData{} },
	IDExtendedUserHeader: func() Section { return &ExtendedUserHeader{} },
	IDFailingMTMS:        func() Section { return &FailingMTMS{} },
}

// newSectionForID constructs the registered Section type for id, or a
// GenericSection if none is registered.
func newSectionForID(id string) Section {
	if f, ok := sectionFactories[id]; ok {
		return f()
	}
	return &GenericSection{}
}
