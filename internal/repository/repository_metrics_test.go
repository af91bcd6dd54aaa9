package repository

import (
	"sync"
	"testing"
	"time"

	"github.com/openbmc-go/pel-manager/internal/pel"
)

type fakeMetrics struct {
	mu      sync.Mutex
	writes  int
	entries map[string]int64
	pruned  int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{entries: make(map[string]int64)}
}

func (f *fakeMetrics) RecordStorageWrite(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
}

func (f *fakeMetrics) SetRepositoryEntries(class string, bytes int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[class] = bytes
}

func (f *fakeMetrics) RecordPruned(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruned += n
}

func TestMetricsWiringRecordsWriteAndEntryGauges(t *testing.T) {
	repo := newTestRepository(t)
	m := newFakeMetrics()
	repo.SetMetrics(m)

	blob := buildTestPEL(t, 1, 42, pel.CreatorBMC, pel.ActionFlagServiceActionRequired, 0, time.Now().UTC(), pel.TransNewPEL, pel.TransNewPEL)
	if err := repo.Add(blob); err != nil {
		t.Fatalf("Add: %v", err)
	}

	m.mu.Lock()
	writes := m.writes
	class := Classify(Attributes{Creator: pel.CreatorBMC, ActionFlags: pel.ActionFlagServiceActionRequired}).String()
	entries := m.entries[class]
	m.mu.Unlock()

	if writes != 1 {
		t.Fatalf("writes = %d, want 1", writes)
	}
	if entries <= 0 {
		t.Fatalf("entries[%s] = %d, want > 0 after Add", class, entries)
	}

	if err := repo.Remove(1); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	m.mu.Lock()
	afterRemove := m.entries[class]
	m.mu.Unlock()
	if afterRemove != 0 {
		t.Fatalf("entries[%s] after Remove = %d, want 0", class, afterRemove)
	}
}

func TestMetricsWiringRecordsPruned(t *testing.T) {
	repo := newTestRepository(t)
	m := newFakeMetrics()
	repo.SetMetrics(m)

	createTS := time.Now().UTC().Add(-time.Hour)
	for i := uint32(1); i <= 3; i++ {
		blob := buildTestPEL(t, i, 100+i, pel.CreatorBMC, pel.ActionFlagServiceActionRequired, 4096, createTS, pel.TransAcked, pel.TransAcked)
		if err := repo.Add(blob); err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
	}

	if _, err := repo.Prune(1); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	m.mu.Lock()
	pruned := m.pruned
	m.mu.Unlock()
	if pruned == 0 {
		t.Fatalf("pruned = 0, want > 0 after forcing a tiny cap")
	}
}
