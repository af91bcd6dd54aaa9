package pel

// GenericSection is the catch-all fallback for section ids that have no
// registered decoder. It preserves the section's bytes verbatim (header
// included) so that round-trip equality holds even for unrecognized ids,
// per §3 and §4.1. A GenericSection is valid as long as its declared size
// is at least the 8-byte header size.
type GenericSection struct {
	header Header
	Raw    []byte // the full section body, excluding the 8-byte header
}

func (g *GenericSection) SectionID() string { return g.header.ID }
func (g *GenericSection) Header() Header     { return g.header }

func (g *GenericSection) Valid() bool {
	return int(g.header.Size) >= headerSize
}

func (g *GenericSection) Encode(s *Stream) error {
	g.header.Write(s)
	s.WriteBytes(g.Raw)
	return nil
}

func (g *GenericSection) Decode(s *Stream, h Header) error {
	g.header = h
	bodyLen := int(h.Size) - headerSize
	if bodyLen < 0 {
		bodyLen = 0
	}
	raw, err := s.ReadBytes(bodyLen)
	if err != nil {
		return err
	}
	g.Raw = raw
	return nil
}
