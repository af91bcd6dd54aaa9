// Package dataiface abstracts every external lookup the core performs —
// hardware inventory, VPD, LED assertion, and host/BMC state — behind a
// single collaborator interface, per §4.5. The notifier and lightpath
// packages depend only on Facade; they never talk to inventory, host-link,
// or LED-manager transports directly.
package dataiface

import "context"

// HWCalloutFields is the subset of VPD fields a callout needs to render a
// serviceable-event FRU record.
type HWCalloutFields struct {
	PartNumber   string
	CCIN         string
	SerialNumber string
}

// HostStateChangeFunc is invoked, in subscriber-registration order, whenever
// the host's up/down state changes.
type HostStateChangeFunc func(up bool)

// Facade is the collaborator boundary described in §4.5. Every method may
// fail with a transport error; callers are expected to catch it, log once,
// and degrade (omit the field, skip the action) rather than propagate it
// into codec or repository state, per §7's error taxonomy.
type Facade interface {
	GetSystemNames(ctx context.Context) ([]string, error)
	GetMachineTypeModel(ctx context.Context) (string, error)
	GetMachineSerialNumber(ctx context.Context) (string, error)

	GetInventoryFromLocCode(ctx context.Context, locCode string, node uint8, expanded bool) ([]string, error)
	ExpandLocationCode(ctx context.Context, locCode string, node uint8) (string, error)
	GetHWCalloutFields(ctx context.Context, path string) (HWCalloutFields, error)

	AssertLEDGroup(ctx context.Context, path string, assert bool) error
	SetFunctional(ctx context.Context, path string, functional bool) error
	SetCriticalAssociation(ctx context.Context, path string) error

	GetHostPELEnablement(ctx context.Context) (bool, error)
	IsHMCManaged(ctx context.Context) (bool, error)

	IsHostUp(ctx context.Context) (bool, error)
	SubscribeToHostStateChange(name string, fn HostStateChangeFunc)
	UnsubscribeFromHostStateChange(name string)

	GetBMCFWVersionID(ctx context.Context) (string, error)
	GetBMCState(ctx context.Context) (string, error)
	GetChassisState(ctx context.Context) (string, error)
	GetHostState(ctx context.Context) (string, error)
	GetBootState(ctx context.Context) (string, error)
}
