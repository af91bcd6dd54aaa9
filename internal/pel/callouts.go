package pel

// MaxCallouts is the hard cap on callouts carried by a single PEL, per §4.1.
const MaxCallouts = 10

// calloutsSubsectionID is the id of the Callouts subsection embedded inside
// a Primary SRC section, per §3: "id=0xC0 flags len-in-words".
const calloutsSubsectionID = 0xC0

// Callouts is the ordered list of Callout records optionally embedded in a
// Primary SRC section.
type Callouts struct {
	Entries []Callout
}

// encode writes the Callouts subsection: a 4-byte header (id, flags,
// length-in-words) followed by each Callout's own self-sized encoding.
func (c *Callouts) encode(s *Stream) error {
	sizeOff := s.Offset()
	s.WriteU8(calloutsSubsectionID)
	s.WriteU8(0) // flags
	s.WriteU16(0)  // length in words, patched below
	for i := range c.Entries {
		if err := c.Entries[i].encode(s); err != nil {
			return err
		}
	}
	totalBytes := s.Offset() - sizeOff
	words := uint16(totalBytes / 4)
	return s.PatchBytes(sizeOff+2, []byte{byte(words >> 8), byte(words)})
}

// decode reads the Callouts subsection assuming its 4-byte header has not
// yet been consumed.
func (c *Callouts) decode(s *Stream) error {
	startOff := s.Offset()
	if _, err := s.ReadU8(); err != nil { // id
		return err
	}
	if _, err := s.ReadU8(); err != nil { // flags
		return err
	}
	words, err := s.ReadU16()
	if err != nil {
		return err
	}
	end := startOff + int(words)*4
	c.Entries = nil
	for s.Offset() < end {
		var co Callout
		if err := co.decode(s); err != nil {
			return err
		}
		c.Entries = append(c.Entries, co)
	}
	return nil
}
