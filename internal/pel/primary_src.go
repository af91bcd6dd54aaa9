package pel

import "fmt"

// PrimarySRC carries the failure signature ("reference code"), hex data
// words, and an optional embedded Callouts subsection (§3).
type PrimarySRC struct {
	header Header

	ReferenceCode string // up to 8 chars, the SRC ascii string
	HexWords      [9]uint32

	Callouts *Callouts
}

func (p *PrimarySRC) SectionID() string { return IDPrimarySRC }
func (p *PrimarySRC) Header() Header     { return p.header }

func (p *PrimarySRC) Valid() bool {
	return p.header.ID == IDPrimarySRC
}

func (p *PrimarySRC) Encode(s *Stream) error {
	sizeOff := s.Offset()
	h := Header{ID: IDPrimarySRC, Version: 2, SubType: 0, Component: 0}
	h.Write(s)

	s.WriteBytes(encodeFixedString(p.ReferenceCode, 8))
	for _, w := range p.HexWords {
		s.WriteU32(w)
	}

	hasCallouts := byte(0)
	if p.Callouts != nil && len(p.Callouts.Entries) > 0 {
		hasCallouts = 1
	}
	s.WriteU8(hasCallouts)
	s.WriteBytes([]byte{0, 0, 0}) // pad to 4-byte boundary

	if hasCallouts == 1 {
		if err := p.Callouts.encode(s); err != nil {
			return err
		}
	}

	total := s.Offset() - sizeOff
	if total%4 != 0 {
		padN := 4 - (total % 4)
		s.WriteBytes(make([]byte, padN))
		total += padN
	}
	p.header = Header{ID: IDPrimarySRC, Size: uint16(total), Version: 2, SubType: 0, Component: 0}
	return s.PatchBytes(sizeOff+2, []byte{byte(total >> 8), byte(total)})
}

func (p *PrimarySRC) Decode(s *Stream, h Header) error {
	p.header = h
	if h.ID != IDPrimarySRC {
		return fmt.Errorf("%w: primary SRC id=%q", ErrBadMagic, h.ID)
	}
	startOff := s.Offset()
	end := startOff + int(h.Size) - headerSize

	rc, err := s.ReadBytes(8)
	if err != nil {
		return err
	}
	p.ReferenceCode = decodeFixedString(rc)

	for i := range p.HexWords {
		if p.HexWords[i], err = s.ReadU32(); err != nil {
			return err
		}
	}

	hasCallouts, err := s.ReadU8()
	if err != nil {
		return err
	}
	if _, err := s.ReadBytes(3); err != nil {
		return err
	}

	if hasCallouts == 1 {
		p.Callouts = &Callouts{}
		if err := p.Callouts.decode(s); err != nil {
			return err
		}
	}

	if s.Offset() < end {
		s.Seek(end)
	}
	return nil
}
