package repository

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/openbmc-go/pel-manager/internal/pel"
)

func buildTestPEL(t *testing.T, eid, obmc uint32, creator byte, actionFlags uint16, padBytes int, createTS time.Time, hostState, hmcState pel.TransmissionState) []byte {
	t.Helper()
	ph := &pel.PrivateHeader{
		CreateTimestamp: pel.EncodeBCDTime(createTS),
		CommitTimestamp: pel.EncodeBCDTime(createTS),
		CreatorID:       creator,
		CreatorVersion:  1,
		OSLogID:         obmc,
		PLID:            eid,
		EID:             eid,
	}
	uh := &pel.UserHeader{
		Subsystem:      5,
		Severity:       pel.SeverityUnrecoverable,
		ActionFlags:    actionFlags,
		HostTransState: hostState,
		HMCTransState:  hmcState,
	}
	psrc := &pel.PrimarySRC{ReferenceCode: "TEST0001"}
	sections := []pel.Section{ph, uh, psrc}
	if padBytes > 0 {
		sections = append(sections, &pel.UserData{
			ComponentID: 1,
			Format:      pel.FormatText,
			FormatVer:   1,
			Payload:     make([]byte, padBytes),
		})
	}
	p := &pel.PEL{Private: ph, User: uh, Sections: sections}
	buf, err := p.Encode()
	if err != nil {
		t.Fatalf("encode test PEL: %v", err)
	}
	return buf
}

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	root := t.TempDir()
	repo, err := Open(root, 20*1024*1024, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestAddGetRemoveRoundTrip(t *testing.T) {
	repo := newTestRepository(t)
	blob := buildTestPEL(t, 1, 42, pel.CreatorBMC, pel.ActionFlagServiceActionRequired, 0, time.Now().UTC(), pel.TransNewPEL, pel.TransNewPEL)

	if err := repo.Add(blob); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := repo.Add(blob); err != ErrExists {
		t.Fatalf("second Add = %v, want ErrExists", err)
	}

	got, err := repo.Get(1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got) != len(blob) {
		t.Fatalf("Get returned %d bytes, want %d", len(got), len(blob))
	}

	attrs, err := repo.GetAttributes(1)
	if err != nil {
		t.Fatalf("GetAttributes: %v", err)
	}
	if attrs.OBMCID != 42 || Classify(attrs) != BMCServiceable {
		t.Fatalf("attrs = %+v, want OBMCID=42 class=BMCServiceable", attrs)
	}

	if err := repo.Remove(1); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := repo.Get(1); err != ErrNoEntry {
		t.Fatalf("Get after Remove = %v, want ErrNoEntry", err)
	}
}

func TestOneSidedLogIDLookup(t *testing.T) {
	repo := newTestRepository(t)
	blob := buildTestPEL(t, 7, 99, pel.CreatorBMC, 0, 0, time.Now().UTC(), pel.TransNewPEL, pel.TransNewPEL)
	if err := repo.Add(blob); err != nil {
		t.Fatalf("Add: %v", err)
	}

	id, err := repo.Lookup(LogID{OBMC: 99})
	if err != nil || id != 7 {
		t.Fatalf("Lookup by OBMC = %d, %v, want 7, nil", id, err)
	}
	id, err = repo.Lookup(LogID{PEL: 7})
	if err != nil || id != 7 {
		t.Fatalf("Lookup by PEL = %d, %v, want 7, nil", id, err)
	}
	if _, err := repo.Lookup(LogID{OBMC: 123}); err != ErrNoEntry {
		t.Fatalf("Lookup unknown OBMC = %v, want ErrNoEntry", err)
	}
}

func TestSetHostAndHMCTransState(t *testing.T) {
	repo := newTestRepository(t)
	blob := buildTestPEL(t, 3, 0, pel.CreatorBMC, 0, 0, time.Now().UTC(), pel.TransNewPEL, pel.TransNewPEL)
	if err := repo.Add(blob); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := repo.SetHostTransState(3, pel.TransSent); err != nil {
		t.Fatalf("SetHostTransState: %v", err)
	}
	if err := repo.SetHMCTransState(3, pel.TransAcked); err != nil {
		t.Fatalf("SetHMCTransState: %v", err)
	}

	raw, err := repo.Get(3)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	reDecoded, err := pel.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if reDecoded.User.HostTransState != pel.TransSent || reDecoded.User.HMCTransState != pel.TransAcked {
		t.Fatalf("on-disk trans state = %+v", reDecoded.User)
	}

	attrs, err := repo.GetAttributes(3)
	if err != nil {
		t.Fatalf("GetAttributes: %v", err)
	}
	if attrs.HostTransState != pel.TransSent || attrs.HMCTransState != pel.TransAcked {
		t.Fatalf("attribute mirror = %+v", attrs)
	}
}

func TestAddSubscribersFireInRegistrationOrderAndSurvivePanics(t *testing.T) {
	repo := newTestRepository(t)
	var order []string
	repo.SubscribeAdd("first", func(id uint32, a Attributes) { order = append(order, "first") })
	repo.SubscribeAdd("panics", func(id uint32, a Attributes) { panic("boom") })
	repo.SubscribeAdd("third", func(id uint32, a Attributes) { order = append(order, "third") })

	blob := buildTestPEL(t, 9, 0, pel.CreatorBMC, 0, 0, time.Now().UTC(), pel.TransNewPEL, pel.TransNewPEL)
	if err := repo.Add(blob); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "third" {
		t.Fatalf("subscriber order = %v, want [first third] despite panic", order)
	}
}

func TestRestartRebuildsIndexFromDisk(t *testing.T) {
	root := t.TempDir()
	repo, err := Open(root, 20*1024*1024, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := uint32(1); i <= 3; i++ {
		blob := buildTestPEL(t, i, i*10, pel.CreatorBMC, 0, 0, time.Now().UTC(), pel.TransNewPEL, pel.TransNewPEL)
		if err := repo.Add(blob); err != nil {
			t.Fatalf("Add(%d): %v", i, err)
		}
	}
	if err := repo.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(root, 20*1024*1024, zap.NewNop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	ids := reopened.List()
	if len(ids) != 3 {
		t.Fatalf("List after reopen = %d entries, want 3", len(ids))
	}
	if _, err := reopened.Get(2); err != nil {
		t.Fatalf("Get(2) after reopen: %v", err)
	}
}

func TestRestartDiscardsCorruptFiles(t *testing.T) {
	root := t.TempDir()
	repo, err := Open(root, 20*1024*1024, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	blob := buildTestPEL(t, 1, 0, pel.CreatorBMC, 0, 0, time.Now().UTC(), pel.TransNewPEL, pel.TransNewPEL)
	if err := repo.Add(blob); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := repo.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	garbagePath := filepath.Join(root, logsDir, "garbage_file")
	if err := os.WriteFile(garbagePath, []byte("not a pel"), 0o640); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	reopened, err := Open(root, 20*1024*1024, zap.NewNop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	ids := reopened.List()
	if len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("List after reopen with garbage = %v, want [1]", ids)
	}
}
