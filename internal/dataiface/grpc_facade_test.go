package dataiface

import (
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedFacade() (*GRPCFacade, *observer.ObservedLogs) {
	core, logs := observer.New(zap.WarnLevel)
	return &GRPCFacade{log: zap.New(core), subs: make(map[string]HostStateChangeFunc)}, logs
}

func TestWarnDegradeLogsOnce(t *testing.T) {
	f, logs := newObservedFacade()
	err := errors.New("simulated dial failure")

	f.warnDegrade(methodIsHostUp, err)
	f.warnDegrade(methodIsHostUp, err)
	f.warnDegrade(methodIsHostUp, err)

	if got := logs.Len(); got != 1 {
		t.Fatalf("warnDegrade logged %d times for the same method, want 1", got)
	}
}

func TestWarnDegradeLogsOncePerDistinctMethod(t *testing.T) {
	f, logs := newObservedFacade()
	err := errors.New("simulated dial failure")

	f.warnDegrade(methodIsHostUp, err)
	f.warnDegrade(methodGetBMCState, err)

	if got := logs.Len(); got != 2 {
		t.Fatalf("warnDegrade logged %d times for two distinct methods, want 2", got)
	}
}

func TestDispatchHostStateChangeOrderAndSubscription(t *testing.T) {
	f, _ := newObservedFacade()

	var mu sync.Mutex
	var order []string
	f.SubscribeToHostStateChange("a", func(up bool) {
		mu.Lock()
		order = append(order, "a")
		mu.Unlock()
	})
	f.SubscribeToHostStateChange("b", func(up bool) {
		mu.Lock()
		order = append(order, "b")
		mu.Unlock()
	})

	f.dispatchHostStateChange(true)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("dispatch order = %v, want [a b]", order)
	}

	f.UnsubscribeFromHostStateChange("a")
	order = nil
	f.dispatchHostStateChange(false)
	if len(order) != 1 || order[0] != "b" {
		t.Fatalf("after unsubscribe, dispatch order = %v, want [b]", order)
	}
}
