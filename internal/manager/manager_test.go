package manager

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/openbmc-go/pel-manager/internal/dataiface"
	"github.com/openbmc-go/pel-manager/internal/lightpath"
	"github.com/openbmc-go/pel-manager/internal/notifier"
	"github.com/openbmc-go/pel-manager/internal/pel"
	"github.com/openbmc-go/pel-manager/internal/repository"
)

// fakeHostLink is a no-op HostLink: every Send succeeds, no acks ever
// arrive. Manager tests only exercise Log/Get/Delete, not host delivery.
type fakeHostLink struct {
	acks chan uint32
}

func newFakeHostLink() *fakeHostLink { return &fakeHostLink{acks: make(chan uint32)} }

func (f *fakeHostLink) Send(ctx context.Context, p *pel.PEL) (notifier.SendOutcome, error) {
	return notifier.SendOK, nil
}
func (f *fakeHostLink) Acks() <-chan uint32 { return f.acks }

func newTestManager(t *testing.T) (*Manager, *repository.Repository, *dataiface.StaticFacade) {
	t.Helper()
	log := zap.NewNop()
	repo, err := repository.Open(t.TempDir(), 20*1024*1024, log)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	facade := dataiface.NewStaticFacade()
	link := newFakeHostLink()
	notif := notifier.New(repo, facade, link, log, nil, notifier.DefaultConfig())
	light := lightpath.New(facade, log, nil, lightpath.DefaultConfig())
	t.Cleanup(light.Close)

	builder := pel.NewBuilder(0)
	m := New(builder, repo, facade, notif, light, log, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(m.Stop)

	return m, repo, facade
}

func TestLogPersistsAndIsRetrievable(t *testing.T) {
	m, _, _ := newTestManager(t)

	req := LogRequest{
		Registry: pel.RegistryEntry{
			Key:         "TEST0001",
			Subsystem:   5,
			Severity:    pel.SeverityUnrecoverable,
			ActionFlags: pel.ActionFlagServiceActionRequired,
		},
		OSLogID:  7,
		Metadata: map[string]string{"reason": "unit test"},
	}

	id, err := m.Log(context.Background(), req)
	if err != nil {
		t.Fatalf("Log: %v", err)
	}
	if id == 0 {
		t.Fatalf("Log returned id 0")
	}

	p, err := m.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Private.EID != id {
		t.Fatalf("decoded eid = %d, want %d", p.Private.EID, id)
	}

	attrs, err := m.GetAttributes(id)
	if err != nil {
		t.Fatalf("GetAttributes: %v", err)
	}
	if attrs.Severity != pel.SeverityUnrecoverable {
		t.Fatalf("attrs.Severity = %#x, want %#x", attrs.Severity, pel.SeverityUnrecoverable)
	}
}

func TestLogBelowCommitThresholdStillPersists(t *testing.T) {
	m, _, _ := newTestManager(t)

	req := LogRequest{
		Registry:      pel.RegistryEntry{Key: "TEST0002", Subsystem: 5},
		IncomingLevel: pel.SeverityInformational,
	}

	id, err := m.Log(context.Background(), req)
	if err != nil {
		t.Fatalf("Log: %v", err)
	}

	p, err := m.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	found := false
	for _, s := range p.Sections {
		ud, ok := s.(*pel.UserData)
		if ok && ud.ComponentID == 0xFFFF {
			found = true
		}
	}
	if !found {
		t.Fatalf("below-threshold PEL missing diagnostic User Data section")
	}
}

func TestDeleteRemovesEntry(t *testing.T) {
	m, _, _ := newTestManager(t)

	id, err := m.Log(context.Background(), LogRequest{Registry: pel.RegistryEntry{Key: "TEST0003", Subsystem: 5, Severity: pel.SeverityUnrecoverable}})
	if err != nil {
		t.Fatalf("Log: %v", err)
	}
	if err := m.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := m.Get(id); err == nil {
		t.Fatalf("Get after Delete succeeded, want error")
	}
}

func TestSetResolved(t *testing.T) {
	m, _, _ := newTestManager(t)

	id, err := m.Log(context.Background(), LogRequest{Registry: pel.RegistryEntry{Key: "TEST0004", Subsystem: 5, Severity: pel.SeverityUnrecoverable}})
	if err != nil {
		t.Fatalf("Log: %v", err)
	}
	if err := m.SetResolved(id, true); err != nil {
		t.Fatalf("SetResolved: %v", err)
	}
	attrs, err := m.GetAttributes(id)
	if err != nil {
		t.Fatalf("GetAttributes: %v", err)
	}
	if !attrs.Resolved {
		t.Fatalf("attrs.Resolved = false, want true")
	}
}

func TestLightpathActivatesOnLoggedServiceableEvent(t *testing.T) {
	m, _, facade := newTestManager(t)
	facade.SetInventory("U78D9.ND1.WZS09BB-P1", []string{"/inventory/fru0"})
	facade.SetExpanded("U78D9.ND1.WZS09BB-P1", "U78D9.ND1.WZS09BB-P1")

	calloutsJSON := []byte(`[{"LocationCode":"U78D9.ND1.WZS09BB-P1","Priority":"H"}]`)
	req := LogRequest{
		Registry: pel.RegistryEntry{
			Key:          "TEST0005",
			Subsystem:    5,
			Severity:     pel.SeverityUnrecoverable,
			ActionFlags:  pel.ActionFlagServiceActionRequired,
			CalloutsJSON: calloutsJSON,
		},
	}
	if _, err := m.Log(context.Background(), req); err != nil {
		t.Fatalf("Log: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if facade.FunctionalCallCount() > 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("lightpath did not activate within deadline")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
