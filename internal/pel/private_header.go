package pel

import "fmt"

// PrivateHeaderSize is the fixed on-wire size of the Private Header, per §6.
const PrivateHeaderSize = 48

// PrivateHeader is always the first section of a PEL. It carries the
// create/commit BCD timestamps, creator id, log type, section count,
// companion OS log id, creator version, plid and eid (§3).
type PrivateHeader struct {
	header Header

	CreateTimestamp BCDTime
	CommitTimestamp BCDTime
	CreatorID       byte
	LogType         byte
	SectionCount    uint8
	OSLogID         uint32
	CreatorVersion  uint8
	PLID            uint32
	EID             uint32
}

func (p *PrivateHeader) SectionID() string { return IDPrivateHeader }
func (p *PrivateHeader) Header() Header     { return p.header }

func (p *PrivateHeader) Valid() bool {
	return p.header.ID == IDPrivateHeader && p.header.Version == 1
}

// Encode writes the 48-byte Private Header.
func (p *PrivateHeader) Encode(s *Stream) error {
	p.header = Header{ID: IDPrivateHeader, Size: PrivateHeaderSize, Version: 1, SubType: 0, Component: 0}
	p.header.Write(s)
	WriteBCDTime(s, p.CreateTimestamp)
	WriteBCDTime(s, p.CommitTimestamp)
	s.WriteU8(p.CreatorID)
	s.WriteU8(p.LogType)
	s.WriteU8(p.SectionCount)
	s.WriteU8(0) // reserved, keeps the section 4-byte aligned
	s.WriteU32(p.OSLogID)
	s.WriteU8(p.CreatorVersion)
	s.WriteU8(0)
	s.WriteU16(0) // reserved
	s.WriteU32(p.PLID)
	s.WriteU32(p.EID)
	s.WriteU32(0) // reserved, brings the section to its fixed 48-byte size
	return nil
}

// Decode reads the Private Header body following an already-read header.
func (p *PrivateHeader) Decode(s *Stream, h Header) error {
	p.header = h
	if h.ID != IDPrivateHeader || h.Version != 1 {
		return fmt.Errorf("%w: private header id=%q version=%d", ErrBadMagic, h.ID, h.Version)
	}
	var err error
	if p.CreateTimestamp, err = ReadBCDTime(s); err != nil {
		return err
	}
	if p.CommitTimestamp, err = ReadBCDTime(s); err != nil {
		return err
	}
	if p.CreatorID, err = s.ReadU8(); err != nil {
		return err
	}
	if p.LogType, err = s.ReadU8(); err != nil {
		return err
	}
	if p.SectionCount, err = s.ReadU8(); err != nil {
		return err
	}
	if _, err = s.ReadU8(); err != nil { // reserved
		return err
	}
	if p.OSLogID, err = s.ReadU32(); err != nil {
		return err
	}
	if p.CreatorVersion, err = s.ReadU8(); err != nil {
		return err
	}
	if _, err = s.ReadU8(); err != nil { // reserved
		return err
	}
	if _, err = s.ReadU16(); err != nil { // reserved
		return err
	}
	if p.PLID, err = s.ReadU32(); err != nil {
		return err
	}
	if p.EID, err = s.ReadU32(); err != nil {
		return err
	}
	if _, err = s.ReadU32(); err != nil { // reserved
		return err
	}
	return nil
}
