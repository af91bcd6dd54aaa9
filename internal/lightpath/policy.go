// Package lightpath implements the service-indicator ("LightPath") policy:
// deciding whether a newly committed PEL should light up FRU LEDs, which
// FRUs, and when to fall back to the platform system-attention indicator
// instead (§4.4).
package lightpath

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/openbmc-go/pel-manager/internal/dataiface"
	"github.com/openbmc-go/pel-manager/internal/pel"
	"github.com/openbmc-go/pel-manager/internal/ratelimit"
)

// DefaultPlatformSAILedGroup is the inventory path asserted when no FRU
// group can be actuated for a serviceable event.
const DefaultPlatformSAILedGroup = "/xyz/openbmc_project/led/groups/platform_system_attention_indicator"

// Metrics is the subset of internal/observability that lightpath reports
// through. Kept narrow so tests can supply a stub.
type Metrics interface {
	RecordLEDAssertion(group string, fallback bool)
}

type nopMetrics struct{}

func (nopMetrics) RecordLEDAssertion(string, bool) {}

// Config holds the tunables for a Policy.
type Config struct {
	// Enabled gates Activate entirely; when false, Activate is a no-op.
	Enabled bool

	// PlatformSAILedGroup is asserted whenever the selected FRU group is
	// empty, or any actuation step for it fails.
	PlatformSAILedGroup string

	// DebounceCapacity/DebouncePeriod size the token bucket that caps
	// how often the platform SAI LED group may be (re-)asserted, so a
	// burst of unrelated serviceable PELs doesn't hammer the facade with
	// repeated identical asserts.
	DebounceCapacity int
	DebouncePeriod   time.Duration
}

// DefaultConfig returns the conventional tunables.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		PlatformSAILedGroup: DefaultPlatformSAILedGroup,
		DebounceCapacity:    5,
		DebouncePeriod:      time.Minute,
	}
}

// Policy evaluates and actuates the LightPath decision for committed PELs.
type Policy struct {
	facade  dataiface.Facade
	log     *zap.Logger
	metrics Metrics
	cfg     Config

	saiBucket *ratelimit.Bucket
}

// New builds a Policy. Call Close when done to stop the debounce bucket's
// background refill goroutine.
func New(facade dataiface.Facade, log *zap.Logger, metrics Metrics, cfg Config) *Policy {
	if cfg.PlatformSAILedGroup == "" {
		cfg.PlatformSAILedGroup = DefaultPlatformSAILedGroup
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	capacity := cfg.DebounceCapacity
	if capacity <= 0 {
		capacity = 5
	}
	period := cfg.DebouncePeriod
	if period <= 0 {
		period = time.Minute
	}
	return &Policy{
		facade:    facade,
		log:       log,
		metrics:   metrics,
		cfg:       cfg,
		saiBucket: ratelimit.New(capacity, period),
	}
}

// Close releases the Policy's background resources.
func (p *Policy) Close() { p.saiBucket.Close() }

// ignore reports whether p should be skipped entirely: true unless the
// creator is BMC or Hostboot AND the "service action required" action flag
// is set (§4.4).
func ignore(p *pel.PEL) bool {
	if p == nil || p.Private == nil || p.User == nil {
		return true
	}
	if !pel.IsBMCOrHostboot(p.Private.CreatorID) {
		return true
	}
	return p.User.ActionFlags&pel.ActionFlagServiceActionRequired == 0
}

// primarySRC locates the Primary SRC section, if any.
func primarySRC(p *pel.PEL) *pel.PrimarySRC {
	for _, s := range p.Sections {
		if psrc, ok := s.(*pel.PrimarySRC); ok {
			return psrc
		}
	}
	return nil
}

// isRequiredPriority reports whether pr is one of the three priorities that
// can start or extend a LightPath callout group: High, Medium, or Medium
// group A.
func isRequiredPriority(pr pel.Priority) bool {
	return pr == pel.PriorityHigh || pr == pel.PriorityMedium || pr == pel.PriorityMediumGroupA
}

// firstGroup selects the leading run of callouts that LightPath should
// consider, per §4.4:
//
//   - if the first callout has priority M, the group is that single callout
//   - otherwise, the longest prefix whose priorities all equal the first
//     callout's priority, restricted to {H, M, A}
//
// If the first callout's priority is not one of {H, M, A} the group is
// empty — this mirrors the original LightPath implementation, which bails
// out of its scan immediately in that case rather than returning the first
// callout anyway.
func firstGroup(callouts []pel.Callout) []pel.Callout {
	if len(callouts) == 0 {
		return nil
	}

	first := callouts[0].Priority
	if !isRequiredPriority(first) {
		return nil
	}
	if first == pel.PriorityMedium {
		return callouts[:1]
	}

	n := 1
	for n < len(callouts) && callouts[n].Priority == first {
		n++
	}
	return callouts[:n]
}

// hardwareOrTrustedSymbolic reports whether c is eligible for LED actuation:
// a hardware FRU, or a symbolic FRU with a trusted location code.
func hardwareOrTrustedSymbolic(c pel.Callout) bool {
	return c.FRU.IsHardware() || c.FRU.IsTrustedSymbolic()
}

// selectCallouts returns the filtered callout group to actuate: firstGroup,
// discarded entirely if any member fails the hardware/trusted-symbolic
// filter.
func selectCallouts(p *pel.PEL) []pel.Callout {
	psrc := primarySRC(p)
	if psrc == nil || psrc.Callouts == nil {
		return nil
	}
	group := firstGroup(psrc.Callouts.Entries)
	for _, c := range group {
		if !hardwareOrTrustedSymbolic(c) {
			return nil
		}
	}
	return group
}

// Activate runs the LightPath decision for a newly committed PEL. It is
// safe to call more than once for the same PEL: the second call observes
// Functional already false and the facade's SetFunctional/AssertLEDGroup
// calls are themselves idempotent (§4.4's idempotence requirement).
func (p *Policy) Activate(ctx context.Context, evt *pel.PEL) error {
	if !p.cfg.Enabled {
		return nil
	}
	if ignore(evt) {
		return nil
	}

	group := selectCallouts(evt)
	if len(group) == 0 {
		p.fallbackToSAI(ctx)
		return nil
	}

	const node uint8 = 0 // single-node systems only; PELs don't carry a node id

	paths := make([]string, 0, len(group))
	for _, c := range group {
		expanded, err := p.facade.ExpandLocationCode(ctx, c.LocationCode, node)
		if err != nil {
			p.log.Warn("lightpath: expand location code failed, falling back to platform SAI", zap.String("locationCode", c.LocationCode), zap.Error(err))
			p.fallbackToSAI(ctx)
			return nil
		}
		inv, err := p.facade.GetInventoryFromLocCode(ctx, expanded, node, true)
		if err != nil || len(inv) == 0 {
			p.log.Warn("lightpath: inventory resolution failed, falling back to platform SAI", zap.String("locationCode", expanded), zap.Error(err))
			p.fallbackToSAI(ctx)
			return nil
		}
		paths = append(paths, inv...)
	}

	for _, path := range paths {
		if err := p.facade.SetFunctional(ctx, path, false); err != nil {
			p.log.Warn("lightpath: SetFunctional failed, falling back to platform SAI", zap.String("path", path), zap.Error(err))
			p.fallbackToSAI(ctx)
			return nil
		}
		if err := p.facade.SetCriticalAssociation(ctx, path); err != nil {
			p.log.Warn("lightpath: SetCriticalAssociation failed, falling back to platform SAI", zap.String("path", path), zap.Error(err))
			p.fallbackToSAI(ctx)
			return nil
		}
	}

	p.metrics.RecordLEDAssertion("fru", false)
	return nil
}

// fallbackToSAI asserts the platform system-attention LED group, debounced
// by the token bucket so a burst of unrelated serviceable PELs doesn't
// repeatedly hammer the facade with the same assert.
func (p *Policy) fallbackToSAI(ctx context.Context) {
	if !p.saiBucket.Allow() {
		return
	}
	if err := p.facade.AssertLEDGroup(ctx, p.cfg.PlatformSAILedGroup, true); err != nil {
		p.log.Error("lightpath: failed to assert platform SAI LED group", zap.Error(err))
		return
	}
	p.metrics.RecordLEDAssertion("platform-sai", true)
}
