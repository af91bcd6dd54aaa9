package pel

import "fmt"

// UserHeaderSize is the fixed on-wire size of the User Header, per §6.
const UserHeaderSize = 24

// Severity nibble values. The major nibble (high 4 bits) carries the base
// severity class; the minor nibble (low 4 bits) refines it. 0x51 is the
// "system terminating" elevation of critical described in §4.1.
const (
	SeverityInformational byte = 0x00
	SeverityRecovered     byte = 0x10
	SeverityPredictive     byte = 0x20
	SeverityUnrecoverable  byte = 0x40
	SeverityCritical       byte = 0x50
	SeveritySystemTerm     byte = 0x51
	SeverityDiagnostic     byte = 0x60
	SeveritySymptom        byte = 0x70
)

// EventType values for the User Header's event-type field.
const (
	EventTypeNA                       byte = 0x00
	EventTypeMiscInformation          byte = 0x01
	EventTypeTrackingEvent            byte = 0x02
	EventTypeDumpNotification         byte = 0x08
)

// ActionFlags bitfield constants, per §3.
const (
	ActionFlagServiceActionRequired uint16 = 0x8000
	ActionFlagReportToHMC           uint16 = 0x4000
	ActionFlagHostReportedToBMC     uint16 = 0x2000
	ActionFlagHidden                uint16 = 0x0400
	ActionFlagDoNotReportToHost     uint16 = 0x0080
	ActionFlagCallHome              uint16 = 0x0008
)

// TransmissionState is the per-PEL persisted tag indicating whether
// host/HMC has accepted the record. Values are chosen so the on-disk byte
// is self-describing.
type TransmissionState uint8

const (
	TransNewPEL TransmissionState = 0
	TransSent   TransmissionState = 1
	TransAcked  TransmissionState = 2
	TransBadPEL TransmissionState = 3
)

func (t TransmissionState) String() string {
	switch t {
	case TransNewPEL:
		return "newPEL"
	case TransSent:
		return "sent"
	case TransAcked:
		return "acked"
	case TransBadPEL:
		return "badPEL"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// UserHeader carries event subsystem, scope, severity, event type, problem
// domain & vector, and the action-flags bitfield (§3).
type UserHeader struct {
	header Header

	Subsystem     uint8
	Scope         uint8
	Severity      byte
	EventType     byte
	ProblemDomain uint8
	ProblemVector uint8
	ActionFlags   uint16

	// HostTransState and HMCTransState are the two mutable bytes the
	// repository patches in place (§4.2 State mutation) without touching
	// any other part of the on-disk blob.
	HostTransState TransmissionState
	HMCTransState  TransmissionState
}

func (u *UserHeader) SectionID() string { return IDUserHeader }
func (u *UserHeader) Header() Header     { return u.header }

func (u *UserHeader) Valid() bool {
	return u.header.ID == IDUserHeader && u.header.Version == 1
}

// hostTransStateRelOffset and hmcTransStateRelOffset are the byte offsets of
// the two transmission-state bytes relative to the start of the User
// Header's 8-byte section header. The repository's SetHostTransState /
// SetHMCTransState add the User Header's absolute file offset to these.
const (
	hostTransStateRelOffset = headerSize + 8
	hmcTransStateRelOffset  = headerSize + 9
)

// Encode writes the 24-byte User Header.
func (u *UserHeader) Encode(s *Stream) error {
	u.header = Header{ID: IDUserHeader, Size: UserHeaderSize, Version: 1, SubType: 0, Component: 0}
	u.header.Write(s)
	s.WriteU8(u.Subsystem)
	s.WriteU8(u.Scope)
	s.WriteU8(u.Severity)
	s.WriteU8(u.EventType)
	s.WriteU8(u.ProblemDomain)
	s.WriteU8(u.ProblemVector)
	s.WriteU16(u.ActionFlags)
	s.WriteU8(uint8(u.HostTransState))
	s.WriteU8(uint8(u.HMCTransState))
	s.WriteU32(0) // reserved
	s.WriteU16(0) // reserved, pads the section to its fixed 24-byte size
	return nil
}

// Decode reads the User Header body following an already-read header.
func (u *UserHeader) Decode(s *Stream, h Header) error {
	u.header = h
	if h.ID != IDUserHeader || h.Version != 1 {
		return fmt.Errorf("%w: user header id=%q version=%d", ErrBadMagic, h.ID, h.Version)
	}
	var err error
	if u.Subsystem, err = s.ReadU8(); err != nil {
		return err
	}
	if u.Scope, err = s.ReadU8(); err != nil {
		return err
	}
	if u.Severity, err = s.ReadU8(); err != nil {
		return err
	}
	if u.EventType, err = s.ReadU8(); err != nil {
		return err
	}
	if u.ProblemDomain, err = s.ReadU8(); err != nil {
		return err
	}
	if u.ProblemVector, err = s.ReadU8(); err != nil {
		return err
	}
	if u.ActionFlags, err = s.ReadU16(); err != nil {
		return err
	}
	host, err := s.ReadU8()
	if err != nil {
		return err
	}
	u.HostTransState = TransmissionState(host)
	hmc, err := s.ReadU8()
	if err != nil {
		return err
	}
	u.HMCTransState = TransmissionState(hmc)
	if _, err = s.ReadU32(); err != nil { // reserved
		return err
	}
	if _, err = s.ReadU16(); err != nil { // reserved
		return err
	}
	return nil
}
