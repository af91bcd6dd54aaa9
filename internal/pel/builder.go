package pel

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// idCounterMask keeps the eid/plid counter to 24 bits; the node-position
// byte occupies the top 8 bits of the full 32-bit field and is overwritten
// unconditionally on every allocation, including across rollover, per §9.
const idCounterMask = 0x00FFFFFF

// idCounter is the process-wide monotonic eid source. Builder holds a
// pointer to one shared instance per manager so that every PEL it produces
// gets a unique id regardless of which goroutine called Build — though
// per §1 a single manager process owns the repository, so in practice this
// is only ever touched from one goroutine at a time.
type idCounter struct {
	node uint32 // node position, occupies the upper byte
	next uint32 // next 24-bit counter value
}

// newIDCounter constructs a counter for the given node position (0-255).
func newIDCounter(node byte) *idCounter {
	return &idCounter{node: uint32(node) << 24, next: 1}
}

// allocate returns the next id: the 24-bit counter rolled over if needed,
// with the node-position byte applied unconditionally.
func (c *idCounter) allocate() uint32 {
	n := atomic.AddUint32(&c.next, 1) - 1
	n &= idCounterMask
	return c.node | n
}

// RegistryEntry is the message-registry record a Builder looks up by key,
// per §4.1 "Inputs: a registry entry...". A missing key falls back to the
// zero-value entry plus the incoming severity level, per the Input-errors
// rule (§7): the PEL is still produced with sensible defaults.
type RegistryEntry struct {
	Key           string
	Subsystem     uint8
	Severity      byte // 0 means "derive from incoming level"
	ActionFlags   uint16
	EventType     byte
	Scope         uint8
	SystemTerm    bool // elevates Severity to SeveritySystemTerm (0x51)
	CalloutsJSON  []byte
}

// FFDCFile is one FFDC attachment: format/subtype/version plus an open
// reader the Builder consumes fully and closes never (caller's fd).
type FFDCFile struct {
	Format  UserDataFormat
	SubType string // e.g. "callout", "json-data", "text"
	Version uint8
	Reader  io.Reader
}

// SystemInfo is the second mandatory User Data section's payload, per
// §4.1's "system info" field list.
type SystemInfo struct {
	FirmwareVersionID string `json:"firmwareVersionId"`
	BMCState          string `json:"bmcState"`
	ChassisState      string `json:"chassisState"`
	HostState         string `json:"hostState"`
	BootProgress      string `json:"bootProgress"`
	SystemIM          string `json:"systemIM"`
	ProcessName       string `json:"processName,omitempty"`
}

// BuildRequest is everything Builder.Build needs to produce a PEL, per
// §4.1's Encode path input list.
type BuildRequest struct {
	Registry        RegistryEntry
	IncomingLevel   byte // used when Registry.Severity is 0
	OSLogID         uint32
	CreateTimestamp time.Time
	Metadata        map[string]string
	FFDC            []FFDCFile
	System          SystemInfo
	ChainPLID       uint32 // 0 means "not chained": plid = eid

	// Diagnostics seeds the diagnostic User Data section with entries the
	// caller already knows about (e.g. the manager's below-commit-
	// threshold note) before Build adds its own input-error diagnostics.
	Diagnostics []Diagnostic
}

// Builder constructs PELs per §4.1's Encode path: eid/plid assignment,
// severity mapping, callout dedup/sort/cap, User Data sections, FFDC
// attachment, and 16384-byte cap enforcement.
type Builder struct {
	ids *idCounter
}

// NewBuilder returns a Builder whose eid/plid allocator is seeded with the
// given node position.
func NewBuilder(nodePosition byte) *Builder {
	return &Builder{ids: newIDCounter(nodePosition)}
}

// Build assembles a complete PEL from req, applying every defaulting and
// capping rule in §4.1. It never returns an error for malformed input
// fields (registry key unknown, bad PEL_SUBSYSTEM, invalid callout JSON);
// those are recorded as a diagnostic User Data section instead, per §7.
// It returns an error if the assembled PEL fails to encode or cannot be
// trimmed under MaxPELSize (ErrTooLarge); an FFDC read failure just omits
// that one section.
func (b *Builder) Build(req BuildRequest) (*PEL, []Diagnostic, error) {
	diags := append([]Diagnostic(nil), req.Diagnostics...)

	eid := b.ids.allocate()
	plid := eid
	if req.ChainPLID != 0 {
		plid = req.ChainPLID
	}

	ph := &PrivateHeader{
		CreateTimestamp: EncodeBCDTime(req.CreateTimestamp),
		CommitTimestamp: EncodeBCDTime(req.CreateTimestamp),
		CreatorID:       CreatorBMC,
		LogType:         0,
		OSLogID:         req.OSLogID,
		CreatorVersion:  1,
		PLID:            plid,
		EID:             eid,
	}

	severity := req.Registry.Severity
	if severity == 0 {
		severity = req.IncomingLevel
	}
	if req.Registry.SystemTerm && severity == SeverityCritical {
		severity = SeveritySystemTerm
	}

	subsystem := req.Registry.Subsystem
	if raw, ok := req.Metadata["PEL_SUBSYSTEM"]; ok {
		if v, err := strconv.ParseUint(strings.TrimPrefix(raw, "0x"), 16, 8); err == nil {
			subsystem = uint8(v)
		} else {
			diags = append(diags, Diagnostic{
				Code:    "bad_pel_subsystem",
				Message: fmt.Sprintf("metadata PEL_SUBSYSTEM=%q is not valid hex, using default subsystem", raw),
			})
			subsystem = 0 // "others"
		}
	}

	uh := &UserHeader{
		Subsystem:      subsystem,
		Scope:          req.Registry.Scope,
		Severity:       severity,
		EventType:      req.Registry.EventType,
		ActionFlags:    req.Registry.ActionFlags,
		HostTransState: TransNewPEL,
		HMCTransState:  TransNewPEL,
	}

	callouts, calloutDiags := b.buildCallouts(req.Registry.CalloutsJSON, req.FFDC)
	diags = append(diags, calloutDiags...)

	psrc := &PrimarySRC{ReferenceCode: req.Registry.Key}
	if len(callouts) > 0 {
		psrc.Callouts = &Callouts{Entries: callouts}
	}

	sections := []Section{ph, uh, psrc}

	metaJSON, err := json.Marshal(req.Metadata)
	if err != nil {
		metaJSON = []byte("{}")
	}
	sections = append(sections, &UserData{ComponentID: 1, Format: FormatJSON, FormatVer: 1, Payload: metaJSON})

	if name, ok := req.Metadata["_PID"]; ok && name != "" {
		req.System.ProcessName = name
	}
	sysJSON, err := json.Marshal(req.System)
	if err != nil {
		sysJSON = []byte("{}")
	}
	sections = append(sections, &UserData{ComponentID: 2, Format: FormatJSON, FormatVer: 1, Payload: sysJSON})

	for i, f := range req.FFDC {
		if f.SubType == "callout" {
			continue // already consumed by buildCallouts
		}
		payload, err := io.ReadAll(f.Reader)
		if err != nil {
			diags = append(diags, Diagnostic{
				Code:    "ffdc_read_failed",
				Message: fmt.Sprintf("FFDC entry %d (%s): %v", i, f.SubType, err),
			})
			continue
		}
		ud := &UserData{ComponentID: uint16(100 + i), Format: f.Format, FormatVer: f.Version, Payload: payload}
		sections = append(sections, ud)
	}

	if len(diags) > 0 {
		diagPayload, _ := json.Marshal(diags)
		sections = append(sections, &UserData{ComponentID: 0xFFFF, Format: FormatJSON, FormatVer: 1, Payload: diagPayload})
	}

	p := &PEL{Private: ph, User: uh, Sections: sections}
	if _, err := p.Encode(); err != nil {
		return nil, diags, fmt.Errorf("pel: build: initial encode: %w", err)
	}

	if p.Size() > MaxPELSize {
		if err := trimToCap(p); err != nil {
			return nil, diags, err
		}
	}

	return p, diags, nil
}

// calloutFFDC is the JSON shape of a "callout" subtype FFDC file, per §6's
// "Callout JSON FFDC schema".
type calloutFFDC struct {
	LocationCode string `json:"LocationCode,omitempty"`
	Procedure    string `json:"Procedure,omitempty"`
	Priority     string `json:"Priority"`
	Deconfigured bool   `json:"Deconfigured,omitempty"`
	Guarded      bool   `json:"Guarded,omitempty"`
	MRUs         []struct {
		ID       int32  `json:"ID"`
		Priority string `json:"Priority"`
	} `json:"MRUs,omitempty"`
}

// buildCallouts assembles the deduped, sorted, capped callout list from a
// registry-declared CalloutsJSON template and/or a "callout"-subtype FFDC
// file, per §4.1's dedup/sort/cap rule.
func (b *Builder) buildCallouts(registryJSON []byte, ffdc []FFDCFile) ([]Callout, []Diagnostic) {
	var raw []calloutFFDC
	var diags []Diagnostic

	if len(registryJSON) > 0 {
		if err := json.Unmarshal(registryJSON, &raw); err != nil {
			diags = append(diags, Diagnostic{Code: "bad_registry_callouts", Message: err.Error()})
			raw = nil
		}
	}
	for _, f := range ffdc {
		if f.SubType != "callout" {
			continue
		}
		payload, err := io.ReadAll(f.Reader)
		if err != nil {
			diags = append(diags, Diagnostic{Code: "ffdc_read_failed", Message: "callout FFDC: " + err.Error()})
			continue
		}
		var fromFile []calloutFFDC
		if err := json.Unmarshal(payload, &fromFile); err != nil {
			diags = append(diags, Diagnostic{Code: "bad_callout_json", Message: err.Error()})
			continue
		}
		raw = append(raw, fromFile...)
	}

	byKey := make(map[string]Callout)
	var order []string
	for _, c := range raw {
		callout := Callout{
			Priority:     Priority(firstByte(c.Priority)),
			LocationCode: c.LocationCode,
			Deconfigured: c.Deconfigured,
			Guarded:      c.Guarded,
			FRU:          FRUIdentity{Kind: FRUHardware},
		}
		if c.Procedure != "" {
			callout.FRU = FRUIdentity{Kind: FRUMaintenanceProc, Procedure: c.Procedure}
		}
		if len(c.MRUs) > 0 {
			entries := make([]MRU, 0, len(c.MRUs))
			for _, m := range c.MRUs {
				entries = append(entries, MRU{ID: m.ID, Priority: Priority(firstByte(m.Priority))})
			}
			callout.MRU = &MRUList{Entries: entries}
		}

		key := calloutKey(callout)
		existing, seen := byKey[key]
		if !seen {
			byKey[key] = callout
			order = append(order, key)
			continue
		}
		// Dedup rule: same FRU => keep the higher priority.
		if comparePriority(callout.Priority, existing.Priority) < 0 {
			byKey[key] = callout
		}
	}

	result := make([]Callout, 0, len(order))
	for _, k := range order {
		result = append(result, byKey[k])
	}

	sort.SliceStable(result, func(i, j int) bool {
		return comparePriority(result[i].Priority, result[j].Priority) < 0
	})

	if len(result) > MaxCallouts {
		diags = append(diags, Diagnostic{
			Code:    "callouts_capped",
			Message: fmt.Sprintf("dropped %d surplus callouts beyond the %d-entry cap", len(result)-MaxCallouts, MaxCallouts),
		})
		result = result[:MaxCallouts]
	}

	return result, diags
}

func firstByte(s string) byte {
	if len(s) == 0 {
		return byte(PriorityLow)
	}
	return s[0]
}

// trimToCap enforces the 16384-byte ceiling by dropping the largest
// trailing prunable User Data sections, preserving the first metadata User
// Data section (ComponentID 1) and both headers, per §4.1's cap rule.
func trimToCap(p *PEL) error {
	for p.Size() > MaxPELSize {
		idx := -1
		var largest int
		for i, sec := range p.Sections {
			ud, ok := sec.(*UserData)
			if !ok || ud.ComponentID == 1 {
				continue
			}
			if int(ud.Header().Size) > largest {
				largest = int(ud.Header().Size)
				idx = i
			}
		}
		if idx == -1 {
			return fmt.Errorf("%w: size %d after dropping all prunable sections", ErrTooLarge, p.Size())
		}
		p.Sections = append(p.Sections[:idx], p.Sections[idx+1:]...)
		if _, err := p.Encode(); err != nil {
			return fmt.Errorf("pel: trim: re-encode: %w", err)
		}
	}
	return nil
}
