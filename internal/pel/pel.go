package pel

import (
	"fmt"
)

// MaxPELSize is the hard 16384-byte cap on a serialized PEL, per §3.
const MaxPELSize = 16384

// PEL is the in-memory representation of a decoded or built event log
// record: an ordered list of sections, the first two of which are always
// the Private Header and User Header.
type PEL struct {
	Private *PrivateHeader
	User    *UserHeader
	Sections []Section // all sections including Private/User, in order

	// Invalid is true if decode failed PH/UH magic validation. An invalid
	// PEL is retained for forensic display (§7) but never enters the
	// notifier queue or drives LightPath.
	Invalid bool

	// Diagnostics carries non-fatal decode/encode warnings, e.g. extra
	// trailing sections beyond the declared count (§9 open question:
	// "tolerate and log").
	Diagnostics []Diagnostic

	raw []byte // the encoded byte buffer backing this PEL, if decoded
}

// Size returns the total encoded size in bytes.
func (p *PEL) Size() int {
	total := 0
	for _, sec := range p.Sections {
		total += int(sec.Header().Size)
	}
	return total
}

// Raw returns the backing byte buffer if this PEL was produced by Decode,
// or nil if it was never serialized.
func (p *PEL) Raw() []byte { return p.raw }

// Valid reports whether the PEL satisfies §4.1's decode validity rule: the
// Private Header is valid, the User Header is valid, and every section
// decoded without error (errors during decode cause Invalid to be set
// before Valid is ever consulted, so this is mostly a convenience mirror).
func (p *PEL) Valid() bool {
	if p.Invalid {
		return false
	}
	if p.Private == nil || !p.Private.Valid() {
		return false
	}
	if p.User == nil || !p.User.Valid() {
		return false
	}
	for _, sec := range p.Sections {
		if !sec.Valid() {
			return false
		}
	}
	return true
}

// Decode parses a serialized PEL per §4.1's Decode path. Private Header and
// User Header must pass their magic checks or the returned PEL is marked
// Invalid (not an error) so it can still be displayed for forensics, per
// §7. A truncated buffer or a malformed non-header section, however, is a
// hard error: the caller has no usable record at all.
func Decode(buf []byte) (*PEL, error) {
	s := NewReader(buf)
	p := &PEL{raw: buf}

	phHeader, err := ReadHeader(s)
	if err != nil {
		return nil, fmt.Errorf("pel: decode private header: %w", err)
	}
	ph := &PrivateHeader{}
	if err := ph.Decode(s, phHeader); err != nil {
		if isBadMagic(err) {
			p.Invalid = true
			p.Diagnostics = append(p.Diagnostics, Diagnostic{Code: "bad_private_header", Message: err.Error()})
			return p, nil
		}
		return nil, fmt.Errorf("pel: decode private header: %w", err)
	}
	p.Private = ph

	uhHeader, err := ReadHeader(s)
	if err != nil {
		return nil, fmt.Errorf("pel: decode user header: %w", err)
	}
	uh := &UserHeader{}
	if err := uh.Decode(s, uhHeader); err != nil {
		if isBadMagic(err) {
			p.Invalid = true
			p.Diagnostics = append(p.Diagnostics, Diagnostic{Code: "bad_user_header", Message: err.Error()})
			return p, nil
		}
		return nil, fmt.Errorf("pel: decode user header: %w", err)
	}
	p.User = uh
	p.Sections = []Section{ph, uh}

	declaredCount := int(ph.SectionCount)
	sectionsRead := 2

	for s.Remaining() >= headerSize {
		if sectionsRead >= declaredCount {
			// §9 open question: tolerate and log sections beyond the
			// declared count rather than rejecting the PEL.
			p.Diagnostics = append(p.Diagnostics, Diagnostic{
				Code:    "extra_sections",
				Message: fmt.Sprintf("section %d found beyond declared count %d", sectionsRead+1, declaredCount),
			})
		}

		hdrBytes, err := s.PeekBytes(2)
		if err != nil {
			break
		}
		id := string(hdrBytes)

		h, err := ReadHeader(s)
		if err != nil {
			return nil, fmt.Errorf("pel: decode section %d header: %w", sectionsRead+1, err)
		}

		sec := newSectionForID(id)
		if err := sec.Decode(s, h); err != nil {
			return nil, fmt.Errorf("pel: decode section %d (%s): %w", sectionsRead+1, id, err)
		}
		p.Sections = append(p.Sections, sec)
		sectionsRead++
	}

	if s.Remaining() > 0 {
		p.Diagnostics = append(p.Diagnostics, Diagnostic{
			Code:    "trailing_bytes",
			Message: fmt.Sprintf("%d trailing bytes after last section", s.Remaining()),
		})
	}

	return p, nil
}

// isBadMagic reports whether err wraps ErrBadMagic, without importing
// errors.Is at every call site.
func isBadMagic(err error) bool {
	type wrapper interface{ Unwrap() error }
	for e := err; e != nil; {
		if e == ErrBadMagic {
			return true
		}
		w, ok := e.(wrapper)
		if !ok {
			return false
		}
		e = w.Unwrap()
	}
	return false
}

// Encode serializes the PEL's sections in order and finalizes the Private
// Header's section count. Sections must already be populated (typically by
// Builder.Build); Encode does not construct any sections itself.
func (p *PEL) Encode() ([]byte, error) {
	if p.Private == nil || p.User == nil {
		return nil, fmt.Errorf("pel: encode requires Private and User headers")
	}
	p.Private.SectionCount = uint8(len(p.Sections))

	s := NewWriter()
	for i, sec := range p.Sections {
		if err := sec.Encode(s); err != nil {
			return nil, fmt.Errorf("pel: encode section %d (%s): %w", i, sec.SectionID(), err)
		}
	}
	buf := s.Bytes()
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("pel: encoded size %d is not a multiple of 4", len(buf))
	}
	p.raw = buf
	return buf, nil
}

// HostTransStateFileOffset returns the absolute byte offset of the
// HostTransState byte within the encoded blob, used by the repository's
// in-place state setters. It assumes the User Header immediately follows
// the Private Header, which the §3 invariant guarantees.
func HostTransStateFileOffset() int {
	return PrivateHeaderSize + hostTransStateRelOffset
}

// HMCTransStateFileOffset returns the absolute byte offset of the
// HMCTransState byte within the encoded blob.
func HMCTransStateFileOffset() int {
	return PrivateHeaderSize + hmcTransStateRelOffset
}
