package notifier

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openbmc-go/pel-manager/internal/dataiface"
	"github.com/openbmc-go/pel-manager/internal/pel"
	"github.com/openbmc-go/pel-manager/internal/repository"
)

// maxRetries is the consecutive-retry ceiling before the machine gives up
// on the head-of-queue PEL, per §4.3's giveUp edge.
const maxRetries = 15

// subscriberName is the name this package registers under with both the
// repository's add-subscriber slot and the facade's host-state-change
// slot.
const subscriberName = "notifier"

// SendOutcome is the synchronous result of a HostLink.Send call — the
// three cases §4.3's "Response handling" distinguishes before an
// out-of-band ack ever arrives.
type SendOutcome int

const (
	SendOK SendOutcome = iota
	SendFull
	SendBad
)

// HostLink is the platform host-link transport a Notifier dispatches
// through. Send may block; ctx cancellation aborts it (the giveUp path
// "cancels the in-flight transport command"). Acks arrive independently of
// any particular Send call, hence the separate channel.
type HostLink interface {
	Send(ctx context.Context, p *pel.PEL) (SendOutcome, error)
	Acks() <-chan uint32
}

// Metrics is the subset of observability instrumentation the notifier
// drives. Satisfied by *observability.Metrics; nopMetrics is used when the
// caller passes nil.
type Metrics interface {
	RecordNotifierTransition(from, to string)
	SetHostFull(full bool)
}

type nopMetrics struct{}

func (nopMetrics) RecordNotifierTransition(string, string) {}
func (nopMetrics) SetHostFull(bool)                        {}

// Notifier is the single-threaded, event-loop-driven host notifier of
// §4.3. All mutable fields below this point are touched only by the loop
// goroutine started by Start; everything else communicates with it by
// sending onto events.
type Notifier struct {
	repo    *repository.Repository
	facade  dataiface.Facade
	link    HostLink
	log     *zap.Logger
	metrics Metrics

	hostUpDelay  time.Duration
	retryBackoff time.Duration
	hostFullWait time.Duration

	sm *stateMachine

	queue      *list.List          // FIFO of uint32 pel ids awaiting send
	sentOrder  *list.List          // uint32 pel ids sent, awaiting ack, in send order
	sentIndex  map[uint32]*list.Element
	inProgress *uint32
	retryCount int
	hostFull   bool
	hostUp     bool

	hostUpDelayTimer *time.Timer
	retryTimer       *time.Timer
	hostFullTimer    *time.Timer

	sendCancel context.CancelFunc

	events   chan event
	done     chan struct{}
	stopOnce sync.Once
}

// Config carries the timer durations and timeouts §4.3 leaves
// configurable.
type Config struct {
	HostUpDelay  time.Duration
	RetryBackoff time.Duration
	HostFullWait time.Duration
}

// DefaultConfig matches the "tens of seconds" language in §4.3.
func DefaultConfig() Config {
	return Config{
		HostUpDelay:  20 * time.Second,
		RetryBackoff: 5 * time.Second,
		HostFullWait: 15 * time.Second,
	}
}

// New constructs a Notifier. Start must be called before it does
// anything; construction alone performs no subscriptions or I/O.
func New(repo *repository.Repository, facade dataiface.Facade, link HostLink, log *zap.Logger, metrics Metrics, cfg Config) *Notifier {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Notifier{
		repo:         repo,
		facade:       facade,
		link:         link,
		log:          log,
		metrics:      metrics,
		hostUpDelay:  cfg.HostUpDelay,
		retryBackoff: cfg.RetryBackoff,
		hostFullWait: cfg.HostFullWait,
		sm:           newStateMachine(),
		queue:        list.New(),
		sentOrder:    list.New(),
		sentIndex:    make(map[uint32]*list.Element),
		events:       make(chan event, 64),
		done:         make(chan struct{}),
	}
}

// State returns the notifier's current machine state.
func (n *Notifier) State() State { return n.sm.Current() }

// enqueueRequired implements §4.3's predicate of the same name: true
// unless the PEL should never be sent to the host at all.
func (n *Notifier) enqueueRequired(ctx context.Context, attrs repository.Attributes) bool {
	enabled, err := n.facade.GetHostPELEnablement(ctx)
	if err != nil {
		n.log.Warn("notifier: GetHostPELEnablement failed, assuming disabled", zap.Error(err))
		return false
	}
	if !enabled {
		return false
	}
	if attrs.HostTransState == pel.TransAcked || attrs.HostTransState == pel.TransBadPEL {
		return false
	}
	hidden := attrs.ActionFlags&pel.ActionFlagHidden != 0
	if hidden && attrs.HMCTransState == pel.TransAcked {
		return false
	}
	if attrs.ActionFlags&pel.ActionFlagDoNotReportToHost != 0 {
		return false
	}
	return true
}

// notifyRequired implements §4.3's re-check at dispatch time: state may
// have changed while the id sat in the queue.
func (n *Notifier) notifyRequired(ctx context.Context, attrs repository.Attributes) bool {
	if attrs.HostTransState == pel.TransAcked {
		return false
	}
	hidden := attrs.ActionFlags&pel.ActionFlagHidden != 0
	if hidden {
		if attrs.HMCTransState == pel.TransAcked {
			return false
		}
		if managed, err := n.facade.IsHMCManaged(ctx); err == nil && managed {
			return false
		}
	}
	return true
}

// Start subscribes to the repository and host-state-change source, seeds
// the queue from the backlog per §4.3's startup walk, and launches the
// event loop goroutine. Calling Start twice is not supported.
func (n *Notifier) Start(ctx context.Context) error {
	ids := n.repo.List()
	for _, id := range ids {
		attrs, err := n.repo.GetAttributes(id)
		if err != nil {
			continue
		}
		if n.enqueueRequired(ctx, attrs) {
			n.queue.PushBack(id)
		}
	}

	n.repo.SubscribeAdd(subscriberName, func(id uint32, attrs repository.Attributes) {
		n.post(eventNewLog{id: id})
	})

	n.facade.SubscribeToHostStateChange(subscriberName, func(up bool) {
		if up {
			n.post(eventHostUp{})
		} else {
			n.post(eventHostDown{})
		}
	})

	go n.ackForwarder()
	go n.loop()

	if up, err := n.facade.IsHostUp(ctx); err == nil && up {
		n.post(eventHostUp{})
	}
	return nil
}

// ackForwarder drains HostLink.Acks() onto the event channel for as long
// as the notifier is running.
func (n *Notifier) ackForwarder() {
	acks := n.link.Acks()
	for {
		select {
		case id, ok := <-acks:
			if !ok {
				return
			}
			n.post(eventAck{id: id})
		case <-n.done:
			return
		}
	}
}

// post enqueues an event for the loop goroutine, silently dropping it if
// the notifier has already been stopped.
func (n *Notifier) post(e event) {
	select {
	case n.events <- e:
	case <-n.done:
	}
}

// Stop tears down timers, unsubscribes from both sources, releases any
// in-flight command, and terminates the loop goroutine. Safe to call more
// than once.
func (n *Notifier) Stop() {
	n.stopOnce.Do(func() {
		n.repo.UnsubscribeAdd(subscriberName)
		n.facade.UnsubscribeFromHostStateChange(subscriberName)
		close(n.done)
	})
}

// Enqueue re-enters id at the back of the queue, bypassing enqueueRequired
// — used by the operator surface's "resend" command (SPEC_FULL.md §9),
// which is an explicit operator decision, not a predicate re-evaluation.
func (n *Notifier) Enqueue(id uint32) {
	n.post(eventNewLog{id: id, forceEnqueue: true})
}

func (n *Notifier) stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (n *Notifier) transition(target State) {
	prev := n.sm.transition(target)
	if prev != target {
		n.metrics.RecordNotifierTransition(prev.String(), target.String())
	}
}

var errGiveUp = fmt.Errorf("notifier: exceeded %d consecutive retries", maxRetries)
