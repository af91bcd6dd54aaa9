package pel

import "testing"

func buildMinimalPEL(t *testing.T) *PEL {
	t.Helper()
	ph := &PrivateHeader{CreatorID: 'B', CreatorVersion: 1, EID: 1, PLID: 1}
	uh := &UserHeader{Subsystem: 5, Severity: SeverityUnrecoverable, ActionFlags: ActionFlagReportToHMC}
	psrc := &PrimarySRC{ReferenceCode: "BD8D0001"}
	ud := &UserData{ComponentID: 1, Format: FormatJSON, FormatVer: 1, Payload: []byte(`{"k":"v"}`)}
	p := &PEL{Private: ph, User: uh, Sections: []Section{ph, uh, psrc, ud}}
	return p
}

func TestPELEncodeDecodeRoundTrip(t *testing.T) {
	p := buildMinimalPEL(t)
	buf, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(buf)%4 != 0 {
		t.Fatalf("total size %d not 4-byte aligned", len(buf))
	}
	if p.Private.SectionCount != 4 {
		t.Fatalf("SectionCount = %d, want 4", p.Private.SectionCount)
	}

	out, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !out.Valid() {
		t.Fatalf("decoded PEL not valid, diagnostics=%+v", out.Diagnostics)
	}
	if len(out.Sections) != 4 {
		t.Fatalf("sections = %d, want 4", len(out.Sections))
	}
	if out.Private.EID != 1 || out.Private.PLID != 1 {
		t.Fatalf("header mismatch: %+v", out.Private)
	}
	psrc, ok := out.Sections[2].(*PrimarySRC)
	if !ok || psrc.ReferenceCode != "BD8D0001" {
		t.Fatalf("primary SRC mismatch: %+v", out.Sections[2])
	}
}

func TestDecodeBadPrivateHeaderMagicMarksInvalid(t *testing.T) {
	w := NewWriter()
	h := Header{ID: "XX", Size: PrivateHeaderSize, Version: 1}
	h.Write(w)
	w.WriteBytes(make([]byte, PrivateHeaderSize-headerSize))

	p, err := Decode(w.Bytes())
	if err != nil {
		t.Fatalf("expected no hard error, got %v", err)
	}
	if !p.Invalid {
		t.Fatal("expected Invalid=true for bad private header magic")
	}
	if len(p.Diagnostics) == 0 {
		t.Fatal("expected a diagnostic for bad private header")
	}
}

func TestDecodeTruncatedBufferIsHardError(t *testing.T) {
	if _, err := Decode([]byte{0x01, 0x02}); err == nil {
		t.Fatal("expected hard error for truncated buffer")
	}
}

func TestDecodeExtraSectionsBeyondDeclaredCountAreToleratedAndLogged(t *testing.T) {
	p := buildMinimalPEL(t)
	extra := &UserData{ComponentID: 99, Format: FormatText, FormatVer: 1, Payload: []byte("extra")}
	p.Sections = append(p.Sections, extra)

	buf, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// Simulate a Private Header declaring fewer sections than are actually
	// present by rewriting the SectionCount field (offset 26: 8-byte header +
	// two 8-byte BCD timestamps + CreatorID + LogType) in place.
	const sectionCountOffset = 8 + 8 + 8 + 1 + 1
	w := NewWriter()
	w.WriteBytes(buf)
	if err := w.PatchBytes(sectionCountOffset, []byte{4}); err != nil {
		t.Fatalf("patch section count: %v", err)
	}

	out, err := Decode(w.Bytes())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	foundExtra := false
	for _, d := range out.Diagnostics {
		if d.Code == "extra_sections" {
			foundExtra = true
		}
	}
	if !foundExtra {
		t.Fatalf("expected extra_sections diagnostic, got %+v", out.Diagnostics)
	}
	if len(out.Sections) != 5 {
		t.Fatalf("sections = %d, want 5", len(out.Sections))
	}
}
