package repository

import (
	"fmt"
	"testing"
	"time"

	"github.com/openbmc-go/pel-manager/internal/pel"
)

// entryPadBytes is chosen so a fully encoded fixture PEL (headers + Primary
// SRC + one User Data section) is exactly 500 bytes: 48 (Private Header) +
// 24 (User Header) + 56 (Primary SRC, no callouts) + 372 (User Data with a
// 360-byte payload) = 500.
const entryPadBytes = 360

func TestPruneBringsEachClassUnderItsTargetOccupancy(t *testing.T) {
	repo := newTestRepository(t)
	base := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

	eid := uint32(1)
	add := func(creator byte, serviceable bool) {
		flags := uint16(0)
		if serviceable {
			flags = pel.ActionFlagServiceActionRequired
		}
		ts := base.Add(time.Duration(eid) * time.Minute)
		blob := buildTestPEL(t, eid, eid, creator, flags, entryPadBytes, ts, pel.TransNewPEL, pel.TransNewPEL)
		if err := repo.Add(blob); err != nil {
			t.Fatalf("Add(%d): %v", eid, err)
		}
		eid++
	}

	for i := 0; i < 10; i++ {
		add(pel.CreatorBMC, false)     // bmc-informational
		add(pel.CreatorBMC, true)      // bmc-serviceable
		add('X', false)                // non-bmc-informational
		add('X', true)                 // non-bmc-serviceable
	}

	stats, err := repo.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	for _, class := range AllSizeClasses {
		if stats[class] != 5000 {
			t.Fatalf("pre-prune total for %s = %d, want 5000", class, stats[class])
		}
	}

	removed, err := repo.Prune(10000)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if len(removed) == 0 {
		t.Fatal("expected at least one entry removed")
	}

	postStats, err := repo.Stats()
	if err != nil {
		t.Fatalf("Stats after prune: %v", err)
	}
	wantMax := map[SizeClass]int64{
		BMCInformational:    1500,
		BMCServiceable:      3000,
		NonBMCInformational: 1500,
		NonBMCServiceable:   3000,
	}
	for class, max := range wantMax {
		if postStats[class] > max {
			t.Errorf("post-prune total for %s = %d, want <= %d", class, postStats[class], max)
		}
	}
}

func TestPruneDeletesAckedOldestFirst(t *testing.T) {
	repo := newTestRepository(t)
	base := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

	// Two bmc-informational entries: one older-but-unacked, one
	// newer-but-fully-acked. The acked one must be deleted first even
	// though it is newer, per the priority tuple's acked-first rule.
	older := buildTestPEL(t, 1, 1, pel.CreatorBMC, 0, entryPadBytes, base, pel.TransNewPEL, pel.TransNewPEL)
	newerAcked := buildTestPEL(t, 2, 2, pel.CreatorBMC, 0, entryPadBytes, base.Add(time.Hour), pel.TransAcked, pel.TransAcked)
	for _, blob := range [][]byte{older, newerAcked} {
		if err := repo.Add(blob); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	// Target fraction for bmc-informational is 0.15; with capBytes=5000 the
	// target is 750 bytes, so the class's 1000 bytes must lose exactly one
	// 500-byte entry. It must be the acked one (id 2).
	removed, err := repo.Prune(5000)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if len(removed) != 1 || removed[0] != 2 {
		t.Fatalf("removed = %v, want [2] (the acked entry's OBMC id)", removed)
	}
	if _, err := repo.Get(1); err != nil {
		t.Fatalf("unacked entry should survive: %v", err)
	}
	if _, err := repo.Get(2); err != ErrNoEntry {
		t.Fatalf("acked entry should be gone, got %v", err)
	}
}

func init() {
	// Sanity-check entryPadBytes's derivation at test-binary init time so a
	// future section-layout change surfaces here instead of as a confusing
	// stats mismatch inside the table-driven test above.
	want := 48 + 24 + 56 + (8 + 4 + entryPadBytes)
	if want != 500 {
		panic(fmt.Sprintf("entryPadBytes assumption stale: computed size %d, want 500", want))
	}
}
