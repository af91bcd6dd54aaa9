// Package manager wires the codec, repository, notifier, lightpath, and
// data-interface facade into the single entry point a daemon or operator
// surface calls into, per SPEC_FULL.md §8.
package manager

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openbmc-go/pel-manager/internal/dataiface"
	"github.com/openbmc-go/pel-manager/internal/lightpath"
	"github.com/openbmc-go/pel-manager/internal/notifier"
	"github.com/openbmc-go/pel-manager/internal/pel"
	"github.com/openbmc-go/pel-manager/internal/repository"
)

// subscriberName is the name this package registers under with the
// repository's add-subscriber slot, mirroring notifier's own
// subscriberName constant.
const subscriberName = "manager-lightpath"

// commitThreshold is the severity below which a request carries no
// service-affecting content of its own. Below this and with no FFDC
// attached, the request is still persisted — it is never rejected — but
// gets a diagnostic note recording that it fell under the threshold,
// folding in the trigger condition original_source's lg2::level-to-
// severity fallback table encodes that the distilled spec's §7 "Input
// errors" paragraph does not spell out.
const commitThreshold = pel.SeverityPredictive

// Metrics is the subset of observability instrumentation the manager
// drives directly (repository/notifier/lightpath each have their own
// narrower Metrics interface). Satisfied by *observability.Metrics.
type Metrics interface {
	RecordPELLogged(class string)
}

type nopMetrics struct{}

func (nopMetrics) RecordPELLogged(string) {}

// LogRequest is everything a caller supplies to Log; CreateTimestamp and
// System are filled in by the manager itself rather than the caller, since
// both require state (clock, facade lookups) a registry-key caller
// shouldn't need to know about.
type LogRequest struct {
	Registry      pel.RegistryEntry
	IncomingLevel byte
	OSLogID       uint32
	Metadata      map[string]string
	FFDC          []pel.FFDCFile
	ChainPLID     uint32
}

// Manager is the single collaborator a daemon or operator surface depends
// on to log, fetch, delete, and resolve PELs.
type Manager struct {
	builder *pel.Builder
	repo    *repository.Repository
	facade  dataiface.Facade
	notif   *notifier.Notifier
	light   *lightpath.Policy
	log     *zap.Logger
	metrics Metrics

	lightpathQueue chan uint32
	done           chan struct{}
}

// New constructs a Manager. Start must be called before the notifier and
// lightpath subscriptions take effect.
func New(builder *pel.Builder, repo *repository.Repository, facade dataiface.Facade, notif *notifier.Notifier, light *lightpath.Policy, log *zap.Logger, metrics Metrics) *Manager {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Manager{
		builder:        builder,
		repo:           repo,
		facade:         facade,
		notif:          notif,
		light:          light,
		log:            log,
		metrics:        metrics,
		lightpathQueue: make(chan uint32, 64),
		done:           make(chan struct{}),
	}
}

// Start subscribes LightPath to newly added PELs (decoding and calling
// Activate off the repository's own goroutine, since Activate may block on
// network calls) and starts the notifier's event loop. Calling Start twice
// is not supported.
func (m *Manager) Start(ctx context.Context) error {
	m.repo.SubscribeAdd(subscriberName, func(id uint32, attrs repository.Attributes) {
		select {
		case m.lightpathQueue <- id:
		default:
			m.log.Warn("manager: lightpath queue full, dropping activation", zap.Uint32("pelId", id))
		}
	})
	go m.runLightpath(ctx)

	return m.notif.Start(ctx)
}

// Stop tears down the notifier loop and the lightpath subscription.
func (m *Manager) Stop() {
	m.notif.Stop()
	m.repo.UnsubscribeAdd(subscriberName)
	close(m.done)
}

func (m *Manager) runLightpath(ctx context.Context) {
	for {
		select {
		case id := <-m.lightpathQueue:
			blob, err := m.repo.Get(id)
			if err != nil {
				m.log.Warn("manager: lightpath could not fetch added PEL", zap.Uint32("pelId", id), zap.Error(err))
				continue
			}
			p, err := pel.Decode(blob)
			if err != nil {
				m.log.Warn("manager: lightpath could not decode added PEL", zap.Uint32("pelId", id), zap.Error(err))
				continue
			}
			if err := m.light.Activate(ctx, p); err != nil {
				m.log.Warn("manager: lightpath activation failed", zap.Uint32("pelId", id), zap.Error(err))
			}
		case <-m.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Log builds a PEL from req, persists it to the repository, and returns
// its assigned PEL id. Repository add-subscribers (notifier, lightpath,
// and any operator-surface mirror registered at construction) fan out
// from there; Log itself does not wait on them.
func (m *Manager) Log(ctx context.Context, req LogRequest) (uint32, error) {
	severity := req.Registry.Severity
	if severity == 0 {
		severity = req.IncomingLevel
	}
	diags := []pel.Diagnostic(nil)
	if severity < commitThreshold && len(req.FFDC) == 0 {
		diags = append(diags, pel.Diagnostic{
			Code:    "below_commit_threshold",
			Message: fmt.Sprintf("severity 0x%02x is below the commit threshold 0x%02x and carried no FFDC; persisted anyway", severity, commitThreshold),
		})
	}

	build := pel.BuildRequest{
		Registry:        req.Registry,
		IncomingLevel:   req.IncomingLevel,
		OSLogID:         req.OSLogID,
		CreateTimestamp: time.Now().UTC(),
		Metadata:        req.Metadata,
		FFDC:            req.FFDC,
		System:          m.systemInfo(ctx, req.Metadata),
		ChainPLID:       req.ChainPLID,
		Diagnostics:     diags,
	}

	p, buildDiags, err := m.builder.Build(build)
	if err != nil {
		return 0, fmt.Errorf("manager: build: %w", err)
	}
	for _, d := range buildDiags {
		m.log.Info("manager: PEL built with diagnostics", zap.String("code", d.Code), zap.String("message", d.Message))
	}

	blob, err := p.Encode()
	if err != nil {
		return 0, fmt.Errorf("manager: encode: %w", err)
	}
	if err := m.repo.Add(blob); err != nil {
		return 0, fmt.Errorf("manager: add: %w", err)
	}

	class := repository.Classify(repository.Attributes{Creator: p.Private.CreatorID, ActionFlags: p.User.ActionFlags})
	m.metrics.RecordPELLogged(class.String())

	return p.Private.EID, nil
}

// systemInfo gathers the second mandatory User Data section's payload by
// querying the facade, degrading each field to empty on failure per §7 —
// the facade itself already logs once per failing method.
func (m *Manager) systemInfo(ctx context.Context, metadata map[string]string) pel.SystemInfo {
	fw, _ := m.facade.GetBMCFWVersionID(ctx)
	bmc, _ := m.facade.GetBMCState(ctx)
	chassis, _ := m.facade.GetChassisState(ctx)
	host, _ := m.facade.GetHostState(ctx)
	boot, _ := m.facade.GetBootState(ctx)

	info := pel.SystemInfo{
		FirmwareVersionID: fw,
		BMCState:          bmc,
		ChassisState:      chassis,
		HostState:         host,
		BootProgress:      boot,
	}
	if names, err := m.facade.GetSystemNames(ctx); err == nil && len(names) > 0 {
		info.SystemIM = names[0]
	}
	return info
}

// Delete removes a stored PEL.
func (m *Manager) Delete(id uint32) error {
	return m.repo.Remove(id)
}

// Get fetches and decodes a stored PEL.
func (m *Manager) Get(id uint32) (*pel.PEL, error) {
	blob, err := m.repo.Get(id)
	if err != nil {
		return nil, err
	}
	p, err := pel.Decode(blob)
	if err != nil {
		return nil, fmt.Errorf("manager: decode stored PEL %d: %w", id, err)
	}
	return p, nil
}

// SetResolved sets or clears the resolution flag (SPEC_FULL.md §8).
func (m *Manager) SetResolved(id uint32, resolved bool) error {
	return m.repo.SetResolved(id, resolved)
}

// Resend re-enqueues a PEL into the host notifier, bypassing
// enqueueRequired — the operator surface's explicit "resend" command
// (SPEC_FULL.md §9).
func (m *Manager) Resend(id uint32) {
	m.notif.Enqueue(id)
}

// List returns every stored PEL id.
func (m *Manager) List() []uint32 {
	return m.repo.List()
}

// GetAttributes returns a stored PEL's sidecar attributes.
func (m *Manager) GetAttributes(id uint32) (repository.Attributes, error) {
	return m.repo.GetAttributes(id)
}

// Stats returns the repository's current per-size-class byte totals.
func (m *Manager) Stats() (map[repository.SizeClass]int64, error) {
	return m.repo.Stats()
}
