package dataiface

import (
	"context"
	"sync"
)

// StaticFacade is an in-memory Facade used by notifier and lightpath tests.
// All lookups return canned values set via the Set* helpers; every
// mutating call (AssertLEDGroup, SetFunctional, SetCriticalAssociation) is
// recorded so tests can assert on it.
type StaticFacade struct {
	mu sync.Mutex

	systemNames  []string
	mtm          string
	serial       string
	inventory    map[string][]string // locCode -> paths
	expanded     map[string]string   // locCode -> expanded string
	calloutFields map[string]HWCalloutFields

	hostPELEnablement bool
	hmcManaged        bool
	hostUp            bool

	bmcFWVersionID string
	bmcState       string
	chassisState   string
	hostState      string
	bootState      string

	failNext map[string]bool // method name -> fail its next call once

	subNames []string
	subs     map[string]HostStateChangeFunc

	LEDAsserts       []LEDCall
	FunctionalCalls  []FunctionalCall
	CriticalAssocs   []string
}

// LEDCall records a single AssertLEDGroup invocation.
type LEDCall struct {
	Path   string
	Assert bool
}

// FunctionalCall records a single SetFunctional invocation.
type FunctionalCall struct {
	Path       string
	Functional bool
}

// NewStaticFacade returns a facade with the host up, PEL-to-host enabled,
// and no HMC attached — the common default test fixture.
func NewStaticFacade() *StaticFacade {
	return &StaticFacade{
		inventory:         make(map[string][]string),
		expanded:          make(map[string]string),
		calloutFields:     make(map[string]HWCalloutFields),
		hostPELEnablement: true,
		hostUp:            true,
		failNext:          make(map[string]bool),
		subs:              make(map[string]HostStateChangeFunc),
	}
}

// FailNext makes the named method return an error on its next call only.
// GetBMCFWVersionID, GetBMCState, GetChassisState, GetHostState and
// GetBootState do not check it and always succeed.
func (f *StaticFacade) FailNext(method string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[method] = true
}

func (f *StaticFacade) takeFailure(method string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext[method] {
		delete(f.failNext, method)
		return true
	}
	return false
}

func (f *StaticFacade) SetInventory(locCode string, paths []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inventory[locCode] = paths
}

func (f *StaticFacade) SetExpanded(locCode, expanded string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expanded[locCode] = expanded
}

func (f *StaticFacade) SetHostPELEnablement(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hostPELEnablement = v
}

func (f *StaticFacade) SetHMCManaged(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hmcManaged = v
}

// SetHostUp updates the host state and fires registered subscribers, in
// registration order, exactly once per call — matching §5's ordering
// guarantee for host state change notifications.
func (f *StaticFacade) SetHostUp(up bool) {
	f.mu.Lock()
	f.hostUp = up
	names := append([]string(nil), f.subNames...)
	subs := make(map[string]HostStateChangeFunc, len(f.subs))
	for k, v := range f.subs {
		subs[k] = v
	}
	f.mu.Unlock()

	for _, name := range names {
		if fn, ok := subs[name]; ok {
			fn(up)
		}
	}
}

func (f *StaticFacade) GetSystemNames(ctx context.Context) ([]string, error) {
	if f.takeFailure("GetSystemNames") {
		return nil, errTransport
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.systemNames, nil
}

func (f *StaticFacade) GetMachineTypeModel(ctx context.Context) (string, error) {
	if f.takeFailure("GetMachineTypeModel") {
		return "", errTransport
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mtm, nil
}

func (f *StaticFacade) GetMachineSerialNumber(ctx context.Context) (string, error) {
	if f.takeFailure("GetMachineSerialNumber") {
		return "", errTransport
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.serial, nil
}

func (f *StaticFacade) GetInventoryFromLocCode(ctx context.Context, locCode string, node uint8, expanded bool) ([]string, error) {
	if f.takeFailure("GetInventoryFromLocCode") {
		return nil, errTransport
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inventory[locCode], nil
}

func (f *StaticFacade) ExpandLocationCode(ctx context.Context, locCode string, node uint8) (string, error) {
	if f.takeFailure("ExpandLocationCode") {
		return "", errTransport
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.expanded[locCode]; ok {
		return e, nil
	}
	return locCode, nil
}

func (f *StaticFacade) GetHWCalloutFields(ctx context.Context, path string) (HWCalloutFields, error) {
	if f.takeFailure("GetHWCalloutFields") {
		return HWCalloutFields{}, errTransport
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calloutFields[path], nil
}

func (f *StaticFacade) AssertLEDGroup(ctx context.Context, path string, assert bool) error {
	if f.takeFailure("AssertLEDGroup") {
		return errTransport
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LEDAsserts = append(f.LEDAsserts, LEDCall{Path: path, Assert: assert})
	return nil
}

func (f *StaticFacade) SetFunctional(ctx context.Context, path string, functional bool) error {
	if f.takeFailure("SetFunctional") {
		return errTransport
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FunctionalCalls = append(f.FunctionalCalls, FunctionalCall{Path: path, Functional: functional})
	return nil
}

// FunctionalCallCount returns the number of SetFunctional calls recorded so
// far. Safe to call concurrently with the facade's own methods, unlike
// reading FunctionalCalls directly — used by tests that exercise Activate
// from a goroutine other than the test's own.
func (f *StaticFacade) FunctionalCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.FunctionalCalls)
}

func (f *StaticFacade) SetCriticalAssociation(ctx context.Context, path string) error {
	if f.takeFailure("SetCriticalAssociation") {
		return errTransport
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CriticalAssocs = append(f.CriticalAssocs, path)
	return nil
}

func (f *StaticFacade) GetHostPELEnablement(ctx context.Context) (bool, error) {
	if f.takeFailure("GetHostPELEnablement") {
		return false, errTransport
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hostPELEnablement, nil
}

func (f *StaticFacade) IsHMCManaged(ctx context.Context) (bool, error) {
	if f.takeFailure("IsHMCManaged") {
		return false, errTransport
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hmcManaged, nil
}

func (f *StaticFacade) IsHostUp(ctx context.Context) (bool, error) {
	if f.takeFailure("IsHostUp") {
		return false, errTransport
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hostUp, nil
}

func (f *StaticFacade) SubscribeToHostStateChange(name string, fn HostStateChangeFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.subs[name]; !exists {
		f.subNames = append(f.subNames, name)
	}
	f.subs[name] = fn
}

func (f *StaticFacade) UnsubscribeFromHostStateChange(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, name)
	out := f.subNames[:0]
	for _, n := range f.subNames {
		if n != name {
			out = append(out, n)
		}
	}
	f.subNames = out
}

func (f *StaticFacade) GetBMCFWVersionID(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bmcFWVersionID, nil
}

func (f *StaticFacade) GetBMCState(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bmcState, nil
}

func (f *StaticFacade) GetChassisState(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chassisState, nil
}

func (f *StaticFacade) GetHostState(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hostState, nil
}

func (f *StaticFacade) GetBootState(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bootState, nil
}
