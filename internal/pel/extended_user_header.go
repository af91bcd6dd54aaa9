package pel

import "fmt"

// ExtendedUserHeader carries additional identifying strings: the failing
// subsystem name, server firmware level, and the subsystem name reported by
// the originator, per §3.
type ExtendedUserHeader struct {
	header Header

	FailingSubsystem string
	ServerFWVersion  string
	SubsystemVersion string
}

func (e *ExtendedUserHeader) SectionID() string { return IDExtendedUserHeader }
func (e *ExtendedUserHeader) Header() Header     { return e.header }

func (e *ExtendedUserHeader) Valid() bool {
	return e.header.ID == IDExtendedUserHeader
}

func (e *ExtendedUserHeader) Encode(s *Stream) error {
	sizeOff := s.Offset()
	h := Header{ID: IDExtendedUserHeader, Version: 1}
	h.Write(s)
	s.WriteBytes(encodeFixedString(e.FailingSubsystem, 32))
	s.WriteBytes(encodeFixedString(e.ServerFWVersion, 16))
	s.WriteBytes(encodeFixedString(e.SubsystemVersion, 16))
	total := s.Offset() - sizeOff
	e.header = Header{ID: IDExtendedUserHeader, Size: uint16(total), Version: 1}
	return s.PatchBytes(sizeOff+2, []byte{byte(total >> 8), byte(total)})
}

func (e *ExtendedUserHeader) Decode(s *Stream, h Header) error {
	e.header = h
	if h.ID != IDExtendedUserHeader {
		return fmt.Errorf("%w: extended user header id=%q", ErrBadMagic, h.ID)
	}
	fs, err := s.ReadBytes(32)
	if err != nil {
		return err
	}
	fw, err := s.ReadBytes(16)
	if err != nil {
		return err
	}
	sv, err := s.ReadBytes(16)
	if err != nil {
		return err
	}
	e.FailingSubsystem = decodeFixedString(fs)
	e.ServerFWVersion = decodeFixedString(fw)
	e.SubsystemVersion = decodeFixedString(sv)
	return nil
}
