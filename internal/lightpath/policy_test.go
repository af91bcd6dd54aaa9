package lightpath

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/openbmc-go/pel-manager/internal/dataiface"
	"github.com/openbmc-go/pel-manager/internal/pel"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DebounceCapacity = 100
	cfg.DebouncePeriod = time.Hour
	return cfg
}

func serviceableHWCalloutPEL(priorities ...pel.Priority) *pel.PEL {
	entries := make([]pel.Callout, len(priorities))
	for i, pr := range priorities {
		entries[i] = pel.Callout{
			Priority:     pr,
			LocationCode: "Ufoo-P0",
			FRU:          pel.FRUIdentity{Kind: pel.FRUHardware, PartNumber: "PART0001"},
		}
	}
	return &pel.PEL{
		Private: &pel.PrivateHeader{CreatorID: pel.CreatorBMC},
		User:    &pel.UserHeader{ActionFlags: pel.ActionFlagServiceActionRequired},
		Sections: []pel.Section{
			&pel.PrimarySRC{ReferenceCode: "TEST0001", Callouts: &pel.Callouts{Entries: entries}},
		},
	}
}

func TestIgnorePredicate(t *testing.T) {
	notServiceable := serviceableHWCalloutPEL(pel.PriorityHigh)
	notServiceable.User.ActionFlags = 0
	if !ignore(notServiceable) {
		t.Fatal("expected ignore=true when service-action-required flag unset")
	}

	wrongCreator := serviceableHWCalloutPEL(pel.PriorityHigh)
	wrongCreator.Private.CreatorID = 'X'
	if !ignore(wrongCreator) {
		t.Fatal("expected ignore=true for a creator other than BMC/Hostboot")
	}

	serviceable := serviceableHWCalloutPEL(pel.PriorityHigh)
	if ignore(serviceable) {
		t.Fatal("expected ignore=false for BMC creator with service-action-required set")
	}
}

func TestFirstGroupSingleMedium(t *testing.T) {
	callouts := []pel.Callout{
		{Priority: pel.PriorityMedium},
		{Priority: pel.PriorityMedium},
	}
	got := firstGroup(callouts)
	if len(got) != 1 {
		t.Fatalf("len(firstGroup) = %d, want 1 (medium callouts never group)", len(got))
	}
}

func TestFirstGroupHighPrefix(t *testing.T) {
	callouts := []pel.Callout{
		{Priority: pel.PriorityHigh},
		{Priority: pel.PriorityHigh},
		{Priority: pel.PriorityLow},
	}
	got := firstGroup(callouts)
	if len(got) != 2 {
		t.Fatalf("len(firstGroup) = %d, want 2", len(got))
	}
}

func TestFirstGroupEmptyWhenFirstPriorityNotRequired(t *testing.T) {
	for _, pr := range []pel.Priority{pel.PriorityLow, pel.PriorityMediumGroupB, pel.PriorityMediumGroupC} {
		callouts := []pel.Callout{{Priority: pr}, {Priority: pr}}
		if got := firstGroup(callouts); len(got) != 0 {
			t.Fatalf("priority %q: len(firstGroup) = %d, want 0", pr, len(got))
		}
	}
}

// Scenario 5: a single low-priority hardware callout must not assert any
// FRU LED, only the platform SAI group, and exactly once.
func TestActivateLowPriorityFallsBackToPlatformSAI(t *testing.T) {
	facade := dataiface.NewStaticFacade()
	p := New(facade, zap.NewNop(), nil, testConfig())
	defer p.Close()

	evt := serviceableHWCalloutPEL(pel.PriorityLow)
	if err := p.Activate(context.Background(), evt); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	if len(facade.FunctionalCalls) != 0 {
		t.Fatalf("expected no SetFunctional calls, got %v", facade.FunctionalCalls)
	}
	if got := len(facade.LEDAsserts); got != 1 {
		t.Fatalf("LEDAsserts = %d, want 1", got)
	}
	if facade.LEDAsserts[0].Path != DefaultPlatformSAILedGroup || !facade.LEDAsserts[0].Assert {
		t.Fatalf("unexpected LED assert: %+v", facade.LEDAsserts[0])
	}
}

func TestActivateHardwareGroupAssertsFRULEDs(t *testing.T) {
	facade := dataiface.NewStaticFacade()
	facade.SetInventory("Ufoo-P0", []string{"/xyz/openbmc_project/inventory/system/chassis/motherboard/cpu0"})
	p := New(facade, zap.NewNop(), nil, testConfig())
	defer p.Close()

	evt := serviceableHWCalloutPEL(pel.PriorityHigh)
	if err := p.Activate(context.Background(), evt); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	if len(facade.LEDAsserts) != 0 {
		t.Fatalf("expected no platform SAI fallback, got %v", facade.LEDAsserts)
	}
	if len(facade.FunctionalCalls) != 1 || facade.FunctionalCalls[0].Functional {
		t.Fatalf("expected one SetFunctional(false) call, got %v", facade.FunctionalCalls)
	}
	if len(facade.CriticalAssocs) != 1 {
		t.Fatalf("expected one critical association, got %v", facade.CriticalAssocs)
	}
}

// Idempotence (§4.4): calling Activate twice yields the same asserted set.
func TestActivateIsIdempotent(t *testing.T) {
	facade := dataiface.NewStaticFacade()
	facade.SetInventory("Ufoo-P0", []string{"/xyz/openbmc_project/inventory/system/chassis/motherboard/cpu0"})
	p := New(facade, zap.NewNop(), nil, testConfig())
	defer p.Close()

	evt := serviceableHWCalloutPEL(pel.PriorityHigh)
	ctx := context.Background()
	if err := p.Activate(ctx, evt); err != nil {
		t.Fatalf("first Activate: %v", err)
	}
	if err := p.Activate(ctx, evt); err != nil {
		t.Fatalf("second Activate: %v", err)
	}

	if len(facade.FunctionalCalls) != 2 {
		t.Fatalf("expected two recorded SetFunctional calls (one per Activate), got %d", len(facade.FunctionalCalls))
	}
	for _, c := range facade.FunctionalCalls {
		if c.Functional {
			t.Fatalf("expected every SetFunctional call to set false, got %+v", c)
		}
		if c.Path != facade.FunctionalCalls[0].Path {
			t.Fatalf("expected the same path both times, got %+v", c)
		}
	}
}

func TestActivateDiscardsGroupOnNonHardwareNonTrustedSymbolicMember(t *testing.T) {
	facade := dataiface.NewStaticFacade()
	evt := serviceableHWCalloutPEL(pel.PriorityHigh, pel.PriorityHigh)
	// Second callout is a bare symbolic FRU with no trusted location code.
	evt.Sections[0].(*pel.PrimarySRC).Callouts.Entries[1].FRU = pel.FRUIdentity{Kind: pel.FRUSymbolic, SymbolicFRU: "fan0"}

	p := New(facade, zap.NewNop(), nil, testConfig())
	defer p.Close()

	if err := p.Activate(context.Background(), evt); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if len(facade.FunctionalCalls) != 0 {
		t.Fatalf("expected the whole group discarded, got %v", facade.FunctionalCalls)
	}
	if len(facade.LEDAsserts) != 1 {
		t.Fatalf("expected platform SAI fallback, got %v", facade.LEDAsserts)
	}
}

func TestActivateIgnoresNonServiceablePEL(t *testing.T) {
	facade := dataiface.NewStaticFacade()
	p := New(facade, zap.NewNop(), nil, testConfig())
	defer p.Close()

	evt := serviceableHWCalloutPEL(pel.PriorityHigh)
	evt.User.ActionFlags = 0
	if err := p.Activate(context.Background(), evt); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if len(facade.LEDAsserts) != 0 || len(facade.FunctionalCalls) != 0 {
		t.Fatal("ignored PEL must not touch the facade at all")
	}
}
