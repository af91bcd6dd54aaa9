package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/openbmc-go/pel-manager/internal/dataiface"
	"github.com/openbmc-go/pel-manager/internal/pel"
	"github.com/openbmc-go/pel-manager/internal/repository"
)

var errSimulatedSendFailure = errors.New("notifier test: simulated transport send failure")

// fakeHostLink is a scriptable HostLink for tests: each Send call pops the
// next queued outcome (defaulting to SendOK if none was queued) and, for
// SendOK, the test drives acks explicitly via Ack().
type fakeHostLink struct {
	mu       sync.Mutex
	outcomes []func(id uint32) (SendOutcome, error)
	sent     []uint32
	acks     chan uint32
}

func newFakeHostLink() *fakeHostLink {
	return &fakeHostLink{acks: make(chan uint32, 32)}
}

func (f *fakeHostLink) queue(fn func(id uint32) (SendOutcome, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, fn)
}

func (f *fakeHostLink) Send(ctx context.Context, p *pel.PEL) (SendOutcome, error) {
	f.mu.Lock()
	f.sent = append(f.sent, p.Private.EID)
	var fn func(uint32) (SendOutcome, error)
	if len(f.outcomes) > 0 {
		fn = f.outcomes[0]
		f.outcomes = f.outcomes[1:]
	}
	f.mu.Unlock()

	if fn != nil {
		return fn(p.Private.EID)
	}
	return SendOK, nil
}

func (f *fakeHostLink) Acks() <-chan uint32 { return f.acks }

func (f *fakeHostLink) Ack(id uint32) { f.acks <- id }

func (f *fakeHostLink) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testPEL(t *testing.T, eid, obmc uint32) []byte {
	t.Helper()
	now := time.Now().UTC()
	ph := &pel.PrivateHeader{
		CreateTimestamp: pel.EncodeBCDTime(now),
		CommitTimestamp: pel.EncodeBCDTime(now),
		CreatorID:       pel.CreatorBMC,
		CreatorVersion:  1,
		OSLogID:         obmc,
		PLID:            eid,
		EID:             eid,
	}
	uh := &pel.UserHeader{
		Subsystem:      5,
		Severity:       pel.SeverityUnrecoverable,
		HostTransState: pel.TransNewPEL,
		HMCTransState:  pel.TransNewPEL,
	}
	psrc := &pel.PrimarySRC{ReferenceCode: "TEST0001"}
	p := &pel.PEL{Private: ph, User: uh, Sections: []pel.Section{ph, uh, psrc}}
	buf, err := p.Encode()
	if err != nil {
		t.Fatalf("encode test PEL: %v", err)
	}
	return buf
}

func newTestRepo(t *testing.T) *repository.Repository {
	t.Helper()
	repo, err := repository.Open(t.TempDir(), 20*1024*1024, zap.NewNop())
	if err != nil {
		t.Fatalf("repository.Open: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func fastConfig() Config {
	return Config{
		HostUpDelay:  5 * time.Millisecond,
		RetryBackoff: 5 * time.Millisecond,
		HostFullWait: 10 * time.Millisecond,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before timeout")
	}
}

// Scenario 3: host-notifier happy path.
func TestHappyPathAcksAndEmptiesQueue(t *testing.T) {
	repo := newTestRepo(t)
	if err := repo.Add(testPEL(t, 1, 100)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	facade := dataiface.NewStaticFacade()
	link := newFakeHostLink()
	n := New(repo, facade, link, zap.NewNop(), nil, fastConfig())
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n.Stop()

	waitFor(t, time.Second, func() bool { return link.sentCount() == 1 })
	link.Ack(1)

	waitFor(t, time.Second, func() bool {
		attrs, err := repo.GetAttributes(1)
		return err == nil && attrs.HostTransState == pel.TransAcked
	})
	waitFor(t, time.Second, func() bool { return n.State() == StateIdle })
}

// recordingMetrics captures every hostFull transition so the test can
// assert on the "true during the window, false after" shape from scenario
// 4 without racing the hostFullTimer's exact firing instant.
type recordingMetrics struct {
	mu        sync.Mutex
	hostFull  []bool
}

func (m *recordingMetrics) RecordNotifierTransition(string, string) {}
func (m *recordingMetrics) SetHostFull(full bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hostFull = append(m.hostFull, full)
}
func (m *recordingMetrics) snapshot() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bool(nil), m.hostFull...)
}

// Scenario 4: host-full retry.
func TestHostFullRetryThenAckEmptiesQueue(t *testing.T) {
	repo := newTestRepo(t)
	if err := repo.Add(testPEL(t, 1, 100)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	facade := dataiface.NewStaticFacade()
	link := newFakeHostLink()
	link.queue(func(uint32) (SendOutcome, error) { return SendFull, nil })

	metrics := &recordingMetrics{}
	n := New(repo, facade, link, zap.NewNop(), metrics, fastConfig())
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n.Stop()

	waitFor(t, time.Second, func() bool { return link.sentCount() == 2 })
	link.Ack(1)

	waitFor(t, time.Second, func() bool {
		attrs, err := repo.GetAttributes(1)
		return err == nil && attrs.HostTransState == pel.TransAcked
	})

	seq := metrics.snapshot()
	if len(seq) < 2 || seq[0] != true || seq[len(seq)-1] != false {
		t.Fatalf("hostFull transitions = %v, want to start true and end false", seq)
	}
}

// Host-down requeue-to-head: a sent-but-unacked PEL returns to the front
// of the queue, marked newPEL, when the host goes down.
func TestHostDownRequeuesSentPELsToHead(t *testing.T) {
	repo := newTestRepo(t)
	if err := repo.Add(testPEL(t, 1, 100)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	facade := dataiface.NewStaticFacade()
	link := newFakeHostLink()
	n := New(repo, facade, link, zap.NewNop(), nil, fastConfig())
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n.Stop()

	waitFor(t, time.Second, func() bool { return link.sentCount() == 1 })
	facade.SetHostUp(false)

	waitFor(t, time.Second, func() bool {
		attrs, err := repo.GetAttributes(1)
		return err == nil && attrs.HostTransState == pel.TransNewPEL
	})
	waitFor(t, time.Second, func() bool { return n.State() == StateIdle })

	facade.SetHostUp(true)
	waitFor(t, time.Second, func() bool { return link.sentCount() == 2 })
}

// giveUp after maxRetries consecutive send failures.
func TestGiveUpAfterMaxRetries(t *testing.T) {
	repo := newTestRepo(t)
	if err := repo.Add(testPEL(t, 1, 100)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	facade := dataiface.NewStaticFacade()
	link := newFakeHostLink()
	for i := 0; i < maxRetries; i++ {
		link.queue(func(uint32) (SendOutcome, error) { return SendOK, errSimulatedSendFailure })
	}

	n := New(repo, facade, link, zap.NewNop(), nil, fastConfig())
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n.Stop()

	waitFor(t, 2*time.Second, func() bool { return n.State() == StateGiveUp })
	if got := link.sentCount(); got != maxRetries {
		t.Fatalf("sentCount = %d, want %d", got, maxRetries)
	}
}

// Stopping twice must not panic (cancellation idempotency).
func TestStopIsIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	facade := dataiface.NewStaticFacade()
	link := newFakeHostLink()
	n := New(repo, facade, link, zap.NewNop(), nil, fastConfig())
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	n.Stop()
	n.Stop()
}

func TestEnqueueRequiredPredicate(t *testing.T) {
	repo := newTestRepo(t)
	facade := dataiface.NewStaticFacade()
	n := New(repo, facade, newFakeHostLink(), zap.NewNop(), nil, fastConfig())
	ctx := context.Background()

	acked := repository.Attributes{HostTransState: pel.TransAcked}
	if n.enqueueRequired(ctx, acked) {
		t.Fatal("acked PEL should not be enqueued")
	}

	bad := repository.Attributes{HostTransState: pel.TransBadPEL}
	if n.enqueueRequired(ctx, bad) {
		t.Fatal("badPEL should not be enqueued")
	}

	hiddenAndHMCAcked := repository.Attributes{
		ActionFlags:   pel.ActionFlagHidden,
		HMCTransState: pel.TransAcked,
	}
	if n.enqueueRequired(ctx, hiddenAndHMCAcked) {
		t.Fatal("hidden PEL with HMC acked should not be enqueued")
	}

	doNotReport := repository.Attributes{ActionFlags: pel.ActionFlagDoNotReportToHost}
	if n.enqueueRequired(ctx, doNotReport) {
		t.Fatal("do-not-report-to-host PEL should not be enqueued")
	}

	facade.SetHostPELEnablement(false)
	plain := repository.Attributes{}
	if n.enqueueRequired(ctx, plain) {
		t.Fatal("enqueueRequired should be false when host PEL enablement is off")
	}
}
