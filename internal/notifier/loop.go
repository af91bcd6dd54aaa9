package notifier

import (
	"container/list"
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/openbmc-go/pel-manager/internal/pel"
)

// event is the sealed set of things the loop goroutine reacts to. Every
// field the notifier mutates is touched only from inside loop's select,
// which is what makes the "central event loop" in §5 single-threaded by
// construction.
type event interface{ isEvent() }

type eventNewLog struct {
	id           uint32
	forceEnqueue bool
}
type eventHostUp struct{}
type eventHostDown struct{}
type eventHostUpDelayExpired struct{}
type eventRetryTimer struct{}
type eventHostFullTimer struct{}
type eventSendResult struct {
	id      uint32
	outcome SendOutcome
	err     error
}
type eventAck struct{ id uint32 }

func (eventNewLog) isEvent()           {}
func (eventHostUp) isEvent()           {}
func (eventHostDown) isEvent()         {}
func (eventHostUpDelayExpired) isEvent() {}
func (eventRetryTimer) isEvent()       {}
func (eventHostFullTimer) isEvent()    {}
func (eventSendResult) isEvent()       {}
func (eventAck) isEvent()              {}

// loop is the notifier's single event-loop goroutine. It owns every
// mutable field on Notifier from this point until done is closed.
func (n *Notifier) loop() {
	for {
		select {
		case e := <-n.events:
			n.handle(e)
		case <-n.done:
			n.shutdown()
			return
		}
	}
}

func (n *Notifier) handle(e event) {
	switch ev := e.(type) {
	case eventNewLog:
		n.handleNewLog(ev)
	case eventHostUp:
		n.handleHostUp()
	case eventHostDown:
		n.handleHostDown()
	case eventHostUpDelayExpired:
		n.handleHostUpDelayExpired()
	case eventRetryTimer:
		n.handleRetryTimer()
	case eventHostFullTimer:
		n.handleHostFullTimer()
	case eventSendResult:
		n.handleSendResult(ev)
	case eventAck:
		n.handleAck(ev)
	}
}

func (n *Notifier) handleNewLog(ev eventNewLog) {
	ctx := context.Background()
	if !ev.forceEnqueue {
		attrs, err := n.repo.GetAttributes(ev.id)
		if err != nil || !n.enqueueRequired(ctx, attrs) {
			return
		}
	}
	n.queue.PushBack(ev.id)

	switch n.sm.Current() {
	case StateIdle, StateGiveUp:
		if n.hostUp {
			n.armHostUpDelay()
		}
	}
}

func (n *Notifier) handleHostUp() {
	n.hostUp = true
	if n.sm.Current() == StateIdle || n.sm.Current() == StateGiveUp {
		if n.queue.Len() > 0 {
			n.armHostUpDelay()
		}
	}
}

func (n *Notifier) armHostUpDelay() {
	n.transition(StateHostUpDelay)
	n.stopTimer(n.hostUpDelayTimer)
	n.hostUpDelayTimer = time.AfterFunc(n.hostUpDelay, func() {
		n.post(eventHostUpDelayExpired{})
	})
}

func (n *Notifier) handleHostUpDelayExpired() {
	if n.sm.Current() != StateHostUpDelay {
		return // idempotent against a timer whose reason already retired
	}
	n.transition(StateDispatching)
	n.dispatchNext()
}

// handleHostDown implements §4.3's "On host-down" paragraph: reset retry
// count, cancel timers, requeue every sent-but-unacked id at the queue
// head in original order, cancel the in-flight command.
func (n *Notifier) handleHostDown() {
	n.hostUp = false
	n.retryCount = 0
	n.stopTimer(n.hostUpDelayTimer)
	n.stopTimer(n.retryTimer)
	n.stopTimer(n.hostFullTimer)
	if n.hostFull {
		n.hostFull = false
		n.metrics.SetHostFull(false)
	}

	var requeue []uint32
	for el := n.sentOrder.Back(); el != nil; el = el.Prev() {
		requeue = append(requeue, el.Value.(uint32))
	}
	n.sentOrder.Init()
	n.sentIndex = make(map[uint32]*list.Element)
	for _, id := range requeue {
		n.queue.PushFront(id)
		if err := n.repo.SetHostTransState(id, pel.TransNewPEL); err != nil {
			n.log.Warn("notifier: failed to reset hostTransState on host-down", zap.Uint32("pelId", id), zap.Error(err))
		}
	}

	if n.inProgress != nil {
		if n.sendCancel != nil {
			n.sendCancel()
		}
		n.queue.PushFront(*n.inProgress)
		n.inProgress = nil
	}

	n.transition(StateIdle)
}

func (n *Notifier) handleRetryTimer() {
	if n.sm.Current() != StateRetryBackoff {
		return
	}
	n.transition(StateDispatching)
	n.dispatchNext()
}

func (n *Notifier) handleHostFullTimer() {
	if !n.hostFull {
		return
	}
	n.clearHostFull()
	n.dispatchNext()
}

func (n *Notifier) clearHostFull() {
	n.hostFull = false
	n.metrics.SetHostFull(false)
	n.stopTimer(n.hostFullTimer)
}

// dispatchNext pops ids off the queue (skipping those notifyRequired now
// rejects) until it finds one to send, the queue empties, or the host is
// full.
func (n *Notifier) dispatchNext() {
	if n.hostFull || n.inProgress != nil {
		return
	}
	ctx := context.Background()
	for n.queue.Len() > 0 {
		front := n.queue.Remove(n.queue.Front()).(uint32)

		attrs, err := n.repo.GetAttributes(front)
		if err != nil {
			continue
		}
		if !n.notifyRequired(ctx, attrs) {
			continue
		}

		raw, err := n.repo.Get(front)
		if err != nil {
			n.log.Warn("notifier: failed to load PEL for send, dropping", zap.Uint32("pelId", front), zap.Error(err))
			continue
		}
		p, err := pel.Decode(raw)
		if err != nil || p.Invalid {
			n.log.Warn("notifier: refusing to send invalid PEL", zap.Uint32("pelId", front))
			continue
		}

		id := front
		n.inProgress = &id
		n.transition(StateDispatching)
		sendCtx, cancel := context.WithCancel(context.Background())
		n.sendCancel = cancel
		go func() {
			outcome, err := n.link.Send(sendCtx, p)
			n.post(eventSendResult{id: id, outcome: outcome, err: err})
		}()
		return
	}

	if n.sentOrder.Len() > 0 {
		n.transition(StateWaitingAck)
	} else {
		n.transition(StateIdle)
	}
}

func (n *Notifier) handleSendResult(ev eventSendResult) {
	if n.inProgress == nil || *n.inProgress != ev.id {
		return // a stale result from a cancelled send
	}
	n.inProgress = nil
	n.sendCancel = nil

	if ev.err != nil {
		n.retryCount++
		if n.retryCount >= maxRetries {
			n.giveUp()
			return
		}
		n.queue.PushFront(ev.id)
		n.transition(StateRetryBackoff)
		n.stopTimer(n.retryTimer)
		n.retryTimer = time.AfterFunc(n.retryBackoff, func() {
			n.post(eventRetryTimer{})
		})
		return
	}

	switch ev.outcome {
	case SendOK:
		n.retryCount = 0
		if err := n.repo.SetHostTransState(ev.id, pel.TransSent); err != nil {
			n.log.Warn("notifier: failed to record sent state", zap.Uint32("pelId", ev.id), zap.Error(err))
		}
		n.sentIndex[ev.id] = n.sentOrder.PushBack(ev.id)
		n.dispatchNext()

	case SendFull:
		n.queue.PushFront(ev.id)
		n.hostFull = true
		n.metrics.SetHostFull(true)
		n.transition(StateHostFull)
		n.stopTimer(n.hostFullTimer)
		n.hostFullTimer = time.AfterFunc(n.hostFullWait, func() {
			n.post(eventHostFullTimer{})
		})

	case SendBad:
		if err := n.repo.SetHostTransState(ev.id, pel.TransBadPEL); err != nil {
			n.log.Warn("notifier: failed to record badPEL state", zap.Uint32("pelId", ev.id), zap.Error(err))
		}
		n.dispatchNext()
	}
}

// handleAck implements §4.3's "On ack (out-of-band from transport)"
// paragraph, and also clears a host-full window early if one is open —
// per §4.3's hostFullTimer description ("no further sends until timer
// fires or an ack arrives").
func (n *Notifier) handleAck(ev eventAck) {
	if el, ok := n.sentIndex[ev.id]; ok {
		n.sentOrder.Remove(el)
		delete(n.sentIndex, ev.id)
	}
	if err := n.repo.SetHostTransState(ev.id, pel.TransAcked); err != nil {
		n.log.Warn("notifier: failed to record acked state", zap.Uint32("pelId", ev.id), zap.Error(err))
	}

	if n.hostFull {
		n.clearHostFull()
	}
	if n.inProgress == nil {
		n.dispatchNext()
	}
}

// giveUp implements §4.3's giveUp edge: cancel the in-flight transport
// command and stop trying until a new log re-arms the machine.
func (n *Notifier) giveUp() {
	if n.sendCancel != nil {
		n.sendCancel()
		n.sendCancel = nil
	}
	n.log.Warn("notifier: giving up on head-of-queue PEL", zap.Error(errGiveUp))
	n.retryCount = 0
	n.transition(StateGiveUp)
}

// shutdown is invoked once, from inside the loop goroutine, when done is
// closed. It cancels timers and the in-flight command; per §4.3 this
// "destructor" is idempotent, which Stop's sync.Once already guarantees
// at the caller level.
func (n *Notifier) shutdown() {
	n.stopTimer(n.hostUpDelayTimer)
	n.stopTimer(n.retryTimer)
	n.stopTimer(n.hostFullTimer)
	if n.sendCancel != nil {
		n.sendCancel()
	}
}
