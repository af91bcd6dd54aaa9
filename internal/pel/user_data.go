package pel

import "fmt"

// UserDataFormat identifies the encoding of a User Data section's payload.
type UserDataFormat uint8

const (
	FormatJSON   UserDataFormat = 1
	FormatCBOR   UserDataFormat = 2
	FormatText   UserDataFormat = 3
	FormatCustom UserDataFormat = 4
)

// UserData is a freeform payload section tagged by component id, format,
// and format version (§3). CBOR-format sections always carry a trailing
// 4-byte pad-count word, round-tripped verbatim, per spec §9's open
// question resolution ("this spec prescribes always-present for CBOR").
type UserData struct {
	header Header

	ComponentID  uint16
	Format       UserDataFormat
	FormatVer    uint8
	Payload      []byte
	// CBORPadCount is only meaningful when Format == FormatCBOR; it is the
	// trailing pad-count word read/written verbatim.
	CBORPadCount uint32
}

func (u *UserData) SectionID() string { return IDUserData }
func (u *UserData) Header() Header     { return u.header }

func (u *UserData) Valid() bool {
	return u.header.ID == IDUserData && int(u.header.Size) >= headerSize
}

func (u *UserData) Encode(s *Stream) error {
	sizeOff := s.Offset()
	h := Header{ID: IDUserData, Version: 1, Component: u.ComponentID}
	h.Write(s)
	s.WriteU8(uint8(u.Format))
	s.WriteU8(u.FormatVer)
	s.WriteU16(0) // reserved, keeps the fixed prologue 4-byte aligned
	s.WriteBytes(u.Payload)

	// Pad the section body to a 4-byte boundary, per §4.1 ("Each section
	// header is padded to a 4-byte boundary").
	total := s.Offset() - sizeOff
	if pad := (4 - total%4) % 4; pad != 0 {
		s.WriteBytes(make([]byte, pad))
		total += pad
	}

	if u.Format == FormatCBOR {
		s.WriteU32(u.CBORPadCount)
		total += 4
	}

	u.header = Header{ID: IDUserData, Size: uint16(total), Version: 1, Component: u.ComponentID}
	return s.PatchBytes(sizeOff+2, []byte{byte(total >> 8), byte(total)})
}

func (u *UserData) Decode(s *Stream, h Header) error {
	u.header = h
	if h.ID != IDUserData {
		return fmt.Errorf("%w: user data id=%q", ErrBadMagic, h.ID)
	}
	u.ComponentID = h.Component

	format, err := s.ReadU8()
	if err != nil {
		return err
	}
	u.Format = UserDataFormat(format)
	if u.FormatVer, err = s.ReadU8(); err != nil {
		return err
	}
	if _, err = s.ReadU16(); err != nil { // reserved
		return err
	}

	bodyLen := int(h.Size) - headerSize - 4
	trailer := 0
	if u.Format == FormatCBOR {
		trailer = 4
		bodyLen -= trailer
	}
	if bodyLen < 0 {
		bodyLen = 0
	}
	if u.Payload, err = s.ReadBytes(bodyLen); err != nil {
		return err
	}
	if u.Format == FormatCBOR {
		if u.CBORPadCount, err = s.ReadU32(); err != nil {
			return err
		}
	}
	return nil
}
