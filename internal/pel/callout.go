package pel

import (
	"bytes"
	"fmt"
)

// Priority is a callout's repair priority, one of {H, M, A, B, C, L} per §3.
type Priority byte

const (
	PriorityHigh          Priority = 'H'
	PriorityMedium        Priority = 'M'
	PriorityMediumGroupA  Priority = 'A'
	PriorityMediumGroupB  Priority = 'B'
	PriorityMediumGroupC  Priority = 'C'
	PriorityLow           Priority = 'L'
)

// equivalenceClass maps a priority to its sort-comparison class per §4.1's
// Callout subsection specifics: {H=10; M=A=B=C=9; L=8}. Priorities outside
// this domain return (0, false): they compare as neither greater nor less
// than any other priority and sort stably to the end.
func equivalenceClass(p Priority) (int, bool) {
	switch p {
	case PriorityHigh:
		return 10, true
	case PriorityMedium, PriorityMediumGroupA, PriorityMediumGroupB, PriorityMediumGroupC:
		return 9, true
	case PriorityLow:
		return 8, true
	default:
		return 0, false
	}
}

// comparePriority returns -1 if a sorts before b, 1 if it sorts after, and
// 0 if neither, under the descending-priority ordering used for callout
// lists. Unknown priorities
// never compare greater or less; they are stable (their relative order
// versus each other and versus known priorities is preserved).
func comparePriority(a, b Priority) int {
	ca, oka := equivalenceClass(a)
	cb, okb := equivalenceClass(b)
	if !oka || !okb {
		return 0
	}
	if ca == cb {
		return 0
	}
	if ca > cb {
		return -1 // a sorts before b (descending)
	}
	return 1
}

// Substructure type bytes, used to disambiguate the fixed-order FRU
// Identity / PCE Identity / MRU substructures inside a Callout.
const (
	substructFRUIdentity byte = 0x49 // 'I'
	substructPCEIdentity byte = 0x50 // 'P'
	substructMRU         byte = 0x4D // 'M'
)

// FRUIdentityKind distinguishes the three FRU Identity variants from §3.
type FRUIdentityKind byte

const (
	FRUHardware           FRUIdentityKind = 0
	FRUMaintenanceProc    FRUIdentityKind = 1
	FRUSymbolic           FRUIdentityKind = 2
)

// FRUIdentity is the required substructure of a Callout. Exactly one of
// the hardware-FRU, maintenance-procedure, or symbolic-FRU variants is
// populated, selected by Kind.
type FRUIdentity struct {
	Kind FRUIdentityKind

	// Hardware-FRU fields.
	PartNumber   string // up to 8 chars
	CCIN         string // up to 4 chars
	SerialNumber string // up to 12 chars

	// Maintenance-procedure field: exactly 7 characters.
	Procedure string

	// Symbolic-FRU fields.
	SymbolicFRU         string
	TrustedLocationCode bool
}

// IsHardware reports whether this is a hardware-FRU identity.
func (f FRUIdentity) IsHardware() bool { return f.Kind == FRUHardware }

// IsTrustedSymbolic reports whether this is a symbolic-FRU identity with a
// trusted location code, as required by LightPath's callout filter (§4.4).
func (f FRUIdentity) IsTrustedSymbolic() bool {
	return f.Kind == FRUSymbolic && f.TrustedLocationCode
}

func encodeFixedString(s string, n int) []byte {
	b := make([]byte, n)
	copy(b, s)
	return b
}

func decodeFixedString(b []byte) string {
	return string(bytes.TrimRight(b, "\x00"))
}

func (f *FRUIdentity) encode(s *Stream) {
	s.WriteU8(substructFRUIdentity)
	s.WriteU8(byte(f.Kind))
	switch f.Kind {
	case FRUHardware:
		s.WriteU16(28) // substructure size: header(2)+pn(8)+ccin(4)+sn(12)+pad(2)
		s.WriteBytes(encodeFixedString(f.PartNumber, 8))
		s.WriteBytes(encodeFixedString(f.CCIN, 4))
		s.WriteBytes(encodeFixedString(f.SerialNumber, 12))
		s.WriteU16(0)
	case FRUMaintenanceProc:
		s.WriteU16(12) // header(2)+procedure(7)+pad(3)
		s.WriteBytes(encodeFixedString(f.Procedure, 7))
		s.WriteBytes([]byte{0, 0, 0})
	case FRUSymbolic:
		trusted := byte(0)
		if f.TrustedLocationCode {
			trusted = 1
		}
		size := 4 + len(f.SymbolicFRU) + 1
		size = (size + 3) / 4 * 4
		s.WriteU16(uint16(size))
		s.WriteU8(trusted)
		s.WriteU8(0)
		nameField := size - 4
		s.WriteBytes(encodeFixedString(f.SymbolicFRU, nameField))
	}
}

func (f *FRUIdentity) decode(s *Stream) error {
	typeByte, err := s.ReadU8()
	if err != nil {
		return err
	}
	if typeByte != substructFRUIdentity {
		return fmt.Errorf("%w: expected FRU identity (0x%02x), got 0x%02x", ErrBadSubstructure, substructFRUIdentity, typeByte)
	}
	kind, err := s.ReadU8()
	if err != nil {
		return err
	}
	f.Kind = FRUIdentityKind(kind)
	size, err := s.ReadU16()
	if err != nil {
		return err
	}
	switch f.Kind {
	case FRUHardware:
		pn, err := s.ReadBytes(8)
		if err != nil {
			return err
		}
		ccin, err := s.ReadBytes(4)
		if err != nil {
			return err
		}
		sn, err := s.ReadBytes(12)
		if err != nil {
			return err
		}
		if _, err := s.ReadBytes(2); err != nil {
			return err
		}
		f.PartNumber = decodeFixedString(pn)
		f.CCIN = decodeFixedString(ccin)
		f.SerialNumber = decodeFixedString(sn)
	case FRUMaintenanceProc:
		proc, err := s.ReadBytes(7)
		if err != nil {
			return err
		}
		if _, err := s.ReadBytes(3); err != nil {
			return err
		}
		f.Procedure = decodeFixedString(proc)
	case FRUSymbolic:
		trusted, err := s.ReadU8()
		if err != nil {
			return err
		}
		if _, err := s.ReadU8(); err != nil {
			return err
		}
		f.TrustedLocationCode = trusted != 0
		nameLen := int(size) - 4
		if nameLen < 0 {
			nameLen = 0
		}
		name, err := s.ReadBytes(nameLen)
		if err != nil {
			return err
		}
		f.SymbolicFRU = decodeFixedString(name)
	default:
		return fmt.Errorf("%w: unknown FRU identity kind %d", ErrBadSubstructure, f.Kind)
	}
	return nil
}

// PCEIdentity identifies a Power-Controlling Enclosure scope for a callout.
type PCEIdentity struct {
	EnclosureName string // up to 20 chars
}

func (p *PCEIdentity) encode(s *Stream) {
	s.WriteU8(substructPCEIdentity)
	s.WriteU8(0)
	s.WriteU16(24) // header(4) + name(20)
	s.WriteBytes(encodeFixedString(p.EnclosureName, 20))
}

func (p *PCEIdentity) decode(s *Stream) error {
	typeByte, err := s.ReadU8()
	if err != nil {
		return err
	}
	if typeByte != substructPCEIdentity {
		return fmt.Errorf("%w: expected PCE identity (0x%02x), got 0x%02x", ErrBadSubstructure, substructPCEIdentity, typeByte)
	}
	if _, err := s.ReadU8(); err != nil {
		return err
	}
	if _, err := s.ReadU16(); err != nil { // size
		return err
	}
	name, err := s.ReadBytes(20)
	if err != nil {
		return err
	}
	p.EnclosureName = decodeFixedString(name)
	return nil
}

// MRU is a single Manufacturing-Replaceable Unit entry.
type MRU struct {
	ID       int32
	Priority Priority
}

// MRUList is the optional MRU substructure of a Callout.
type MRUList struct {
	Entries []MRU
}

func (m *MRUList) encode(s *Stream) {
	s.WriteU8(substructMRU)
	s.WriteU8(0)
	size := 4 + len(m.Entries)*8
	s.WriteU16(uint16(size))
	for _, e := range m.Entries {
		s.WriteU32(uint32(e.ID))
		s.WriteU8(byte(e.Priority))
		s.WriteU8(0)
		s.WriteU16(0)
	}
}

func (m *MRUList) decode(s *Stream) error {
	typeByte, err := s.ReadU8()
	if err != nil {
		return err
	}
	if typeByte != substructMRU {
		return fmt.Errorf("%w: expected MRU (0x%02x), got 0x%02x", ErrBadSubstructure, substructMRU, typeByte)
	}
	if _, err := s.ReadU8(); err != nil {
		return err
	}
	size, err := s.ReadU16()
	if err != nil {
		return err
	}
	count := (int(size) - 4) / 8
	m.Entries = make([]MRU, 0, count)
	for i := 0; i < count; i++ {
		id, err := s.ReadU32()
		if err != nil {
			return err
		}
		pr, err := s.ReadU8()
		if err != nil {
			return err
		}
		if _, err := s.ReadBytes(3); err != nil {
			return err
		}
		m.Entries = append(m.Entries, MRU{ID: int32(id), Priority: Priority(pr)})
	}
	return nil
}

// maxLocationCodeLen is the maximum location-code field length including the
// null terminator, per §3 and §8 ("Location code of exactly 80 B including
// terminator is accepted; 81 B is truncated to 80 B with terminator
// preserved").
const maxLocationCodeLen = 80

// Callout is a single entry pointing at a FRU (or procedure) suspected of
// causing the event. Substructures appear in fixed order: FRU Identity
// (required), PCE Identity (optional), MRU (optional).
type Callout struct {
	Priority     Priority
	LocationCode string
	Deconfigured bool
	Guarded      bool

	FRU FRUIdentity
	PCE *PCEIdentity
	MRU *MRUList
}

const (
	calloutFlagDeconfigured uint8 = 0x02
	calloutFlagGuarded      uint8 = 0x01
)

// paddedLocationCode null-terminates and pads loc to a 4-byte boundary,
// truncating to maxLocationCodeLen (terminator preserved) if needed.
func paddedLocationCode(loc string) []byte {
	if len(loc)+1 > maxLocationCodeLen {
		loc = loc[:maxLocationCodeLen-1]
	}
	raw := append([]byte(loc), 0)
	pad := (4 - (len(raw) % 4)) % 4
	return append(raw, make([]byte, pad)...)
}

func (c *Callout) encode(s *Stream) error {
	locBytes := paddedLocationCode(c.LocationCode)

	flags := uint8(0)
	if c.Deconfigured {
		flags |= calloutFlagDeconfigured
	}
	if c.Guarded {
		flags |= calloutFlagGuarded
	}

	// Placeholder size; patched after the body is written.
	sizeOff := s.Offset()
	s.WriteU16(0)
	s.WriteU8(flags)
	s.WriteU8(byte(c.Priority))
	s.WriteU8(uint8(len(locBytes)))
	s.WriteBytes([]byte{0, 0, 0}) // reserved, keeps header 8-byte aligned
	s.WriteBytes(locBytes)

	c.FRU.encode(s)
	if c.PCE != nil {
		c.PCE.encode(s)
	}
	if c.MRU != nil {
		c.MRU.encode(s)
	}

	total := s.Offset() - sizeOff
	return s.PatchBytes(sizeOff, []byte{byte(total >> 8), byte(total)})
}

func (c *Callout) decode(s *Stream) error {
	startOff := s.Offset()
	size, err := s.ReadU16()
	if err != nil {
		return err
	}
	flags, err := s.ReadU8()
	if err != nil {
		return err
	}
	c.Deconfigured = flags&calloutFlagDeconfigured != 0
	c.Guarded = flags&calloutFlagGuarded != 0

	pr, err := s.ReadU8()
	if err != nil {
		return err
	}
	c.Priority = Priority(pr)

	locLen, err := s.ReadU8()
	if err != nil {
		return err
	}
	if _, err := s.ReadBytes(3); err != nil { // reserved
		return err
	}
	locBytes, err := s.ReadBytes(int(locLen))
	if err != nil {
		return err
	}
	c.LocationCode = decodeFixedString(locBytes)

	if err := c.FRU.decode(s); err != nil {
		return err
	}

	end := startOff + int(size)
	for s.Offset() < end {
		peek, err := s.PeekBytes(1)
		if err != nil {
			return err
		}
		switch peek[0] {
		case substructPCEIdentity:
			c.PCE = &PCEIdentity{}
			if err := c.PCE.decode(s); err != nil {
				return err
			}
		case substructMRU:
			c.MRU = &MRUList{}
			if err := c.MRU.decode(s); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: unexpected byte 0x%02x inside callout substructures", ErrBadSubstructure, peek[0])
		}
	}
	return nil
}

// calloutKey returns the deduplication identity of a callout per §4.1:
// "same location code if either has one, else same maintenance procedure
// if either has one, else same part number."
func calloutKey(c Callout) string {
	if c.LocationCode != "" {
		return "loc:" + c.LocationCode
	}
	if c.FRU.Procedure != "" {
		return "proc:" + c.FRU.Procedure
	}
	return "pn:" + c.FRU.PartNumber
}
