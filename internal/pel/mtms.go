package pel

import "fmt"

// FailingMTMSSize is the fixed on-wire size: header(8) + type-model(8) +
// serial(12) = 28, null-padded, per §3.
const FailingMTMSSize = 28

// FailingMTMS carries the machine type-model and serial number of the
// failing enclosure.
type FailingMTMS struct {
	header Header

	MachineTypeModel string // 8 bytes, null-padded
	SerialNumber     string // 12 bytes, null-padded
}

func (m *FailingMTMS) SectionID() string { return IDFailingMTMS }
func (m *FailingMTMS) Header() Header     { return m.header }

func (m *FailingMTMS) Valid() bool {
	return m.header.ID == IDFailingMTMS
}

func (m *FailingMTMS) Encode(s *Stream) error {
	m.header = Header{ID: IDFailingMTMS, Size: FailingMTMSSize, Version: 1}
	m.header.Write(s)
	s.WriteBytes(encodeFixedString(m.MachineTypeModel, 8))
	s.WriteBytes(encodeFixedString(m.SerialNumber, 12))
	return nil
}

func (m *FailingMTMS) Decode(s *Stream, h Header) error {
	m.header = h
	if h.ID != IDFailingMTMS {
		return fmt.Errorf("%w: failing MTMS id=%q", ErrBadMagic, h.ID)
	}
	tm, err := s.ReadBytes(8)
	if err != nil {
		return err
	}
	sn, err := s.ReadBytes(12)
	if err != nil {
		return err
	}
	m.MachineTypeModel = decodeFixedString(tm)
	m.SerialNumber = decodeFixedString(sn)
	return nil
}
