package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/openbmc-go/pel-manager/internal/pel"
)

// Metrics is the narrow observability surface Repository reports through.
// A nil Metrics (the zero value of Repository before SetMetrics is called)
// is valid: every call site nil-checks before recording.
type Metrics interface {
	RecordStorageWrite(d time.Duration)
	SetRepositoryEntries(class string, bytes int64)
	RecordPruned(n int)
}

// Sentinel errors, per §4.1/§4.2's error taxonomy.
var (
	ErrExists  = errors.New("repository: PEL already exists")
	ErrNoEntry = errors.New("repository: no such PEL")
	ErrIO      = errors.New("repository: I/O failure")
)

const (
	bucketAttributes = "attributes"
	bucketOBMCIndex  = "obmc_index"
	bucketStats      = "stats"
	bucketMeta       = "meta"

	schemaVersion = "1"
	logsDir       = "logs"
)

// AddSubscriber is invoked synchronously, in registration order, after a
// PEL has been durably written and indexed.
type AddSubscriber func(id uint32, attrs Attributes)

// DeleteSubscriber is invoked synchronously, in registration order, after
// a PEL has been removed.
type DeleteSubscriber func(id uint32)

// TransStateSubscriber is invoked synchronously, in registration order,
// after a PEL's host or HMC transmission-state byte has been patched —
// the third "Emitted event" §6 names alongside add and remove.
type TransStateSubscriber func(id uint32, host bool, state pel.TransmissionState)

// Repository is the content-addressed, size-bounded PEL store described in
// §4.2: one blob file per PEL under root/logs/, a bbolt sidecar index of
// attributes and size-class statistics, and named add/delete subscriber
// slots notified synchronously.
type Repository struct {
	root   string
	capBytes int64
	db     *bolt.DB
	log    *zap.Logger

	mu    sync.Mutex // guards paths, addSubs, delSubs, and bbolt access ordering
	paths map[uint32]string

	metrics Metrics

	addSubNames []string
	addSubs     map[string]AddSubscriber
	delSubNames []string
	delSubs     map[string]DeleteSubscriber
	tsSubNames  []string
	tsSubs      map[string]TransStateSubscriber
}

// Open opens (or creates) the repository at root, rebuilding its in-memory
// path index and bbolt statistics from root/logs/ contents, per §4.2's
// restart semantics.
func Open(root string, capBytes int64, log *zap.Logger) (*Repository, error) {
	if err := os.MkdirAll(filepath.Join(root, logsDir), 0o750); err != nil {
		return nil, fmt.Errorf("%w: create logs dir: %v", ErrIO, err)
	}

	dbPath := filepath.Join(root, "index.db")
	bdb, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", dbPath, err)
	}

	r := &Repository{
		root:     root,
		capBytes: capBytes,
		db:       bdb,
		log:      log,
		paths:    make(map[uint32]string),
		addSubs:  make(map[string]AddSubscriber),
		delSubs:  make(map[string]DeleteSubscriber),
		tsSubs:   make(map[string]TransStateSubscriber),
	}

	if err := bdb.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketAttributes, bucketOBMCIndex, bucketStats, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		return meta.Put([]byte("schema_version"), []byte(schemaVersion))
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("repository: schema init: %w", err)
	}

	if err := r.rebuild(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return r, nil
}

// SetMetrics attaches an observability sink. Safe to call once before the
// repository is used concurrently; not safe to change at runtime.
func (r *Repository) SetMetrics(m Metrics) { r.metrics = m }

// Close closes the underlying bbolt index. It does not touch blob files.
func (r *Repository) Close() error {
	return r.db.Close()
}

// rebuild enumerates root/logs/, decodes each entry's Private+User Header,
// and reconciles the bbolt attributes/index/stats buckets against what is
// actually on disk. Files that fail the PEL magic check are discarded and
// logged, per §4.2's restart semantics.
func (r *Repository) rebuild() error {
	entries, err := os.ReadDir(filepath.Join(r.root, logsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: read logs dir: %v", ErrIO, err)
	}

	var stats [4]int64

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(r.root, logsDir, entry.Name())
		blob, err := os.ReadFile(path)
		if err != nil {
			r.log.Warn("repository rebuild: unreadable log file, skipping", zap.String("path", path), zap.Error(err))
			continue
		}
		p, err := pel.Decode(blob)
		if err != nil || p.Invalid {
			r.log.Warn("repository rebuild: file failed PEL magic check, discarding", zap.String("path", path))
			continue
		}

		attrs := attributesFromPEL(p, len(blob), path)
		if err := r.putAttributes(attrs); err != nil {
			return err
		}
		r.paths[attrs.PELID] = path
		stats[Classify(attrs)] += int64(attrs.SizeBytes)
	}

	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketStats))
		for _, class := range AllSizeClasses {
			if err := putStatsTotal(b, class, stats[class]); err != nil {
				return err
			}
		}
		return nil
	})
}

func attributesFromPEL(p *pel.PEL, size int, path string) Attributes {
	return Attributes{
		PELID:          p.Private.EID,
		OBMCID:         p.Private.OSLogID,
		CreateTS:       pel.DecodeBCDTime(p.Private.CreateTimestamp),
		CommitTS:       pel.DecodeBCDTime(p.Private.CommitTimestamp),
		Creator:        p.Private.CreatorID,
		Severity:       p.User.Severity,
		ActionFlags:    p.User.ActionFlags,
		SizeBytes:      size,
		HostTransState: p.User.HostTransState,
		HMCTransState:  p.User.HMCTransState,
		Path:           path,
	}
}

// blobFilename renders the commit-timestamp-derived, pel-id-suffixed
// filename described in §4.2: the BCD timestamp bytes rendered as hex
// digits (which, being BCD, are visually the decimal digits) followed by
// the pel-id padded to 8 hex digits.
func blobFilename(commitTS pel.BCDTime, pelID uint32) string {
	return fmt.Sprintf("%02x%02x%02x%02x%02x%02x%02x%02x_%08X",
		commitTS[0], commitTS[1], commitTS[2], commitTS[3],
		commitTS[4], commitTS[5], commitTS[6], commitTS[7], pelID)
}

// Add durably writes blob (a fully encoded PEL) and indexes it, invoking
// every add subscriber in registration order after the write succeeds, per
// §4.2's Add operation.
func (r *Repository) Add(blob []byte) error {
	start := time.Now()
	p, err := pel.Decode(blob)
	if err != nil {
		return fmt.Errorf("%w: decode before store: %v", ErrIO, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.paths[p.Private.EID]; exists {
		return ErrExists
	}

	filename := blobFilename(p.Private.CommitTimestamp, p.Private.EID)
	finalPath := filepath.Join(r.root, logsDir, filename)
	tmpPath := finalPath + ".tmp"

	if err := os.WriteFile(tmpPath, blob, 0o640); err != nil {
		return fmt.Errorf("%w: write temp file: %v", ErrIO, err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: rename: %v", ErrIO, err)
	}

	attrs := attributesFromPEL(p, len(blob), finalPath)
	if err := r.db.Update(func(tx *bolt.Tx) error {
		if err := putAttributesTx(tx, attrs); err != nil {
			return err
		}
		if attrs.OBMCID != 0 {
			if err := putOBMCIndexTx(tx, attrs.OBMCID, attrs.PELID); err != nil {
				return err
			}
		}
		return addToStatsTx(tx, Classify(attrs), int64(attrs.SizeBytes))
	}); err != nil {
		_ = os.Remove(finalPath)
		return fmt.Errorf("%w: index update: %v", ErrIO, err)
	}

	r.paths[attrs.PELID] = finalPath

	if r.metrics != nil {
		r.metrics.RecordStorageWrite(time.Since(start))
		r.publishEntryGauges()
	}

	for _, name := range r.addSubNames {
		sub := r.addSubs[name]
		r.notifyAdd(name, sub, attrs)
	}
	return nil
}

// notifyAdd calls sub, recovering from and logging any panic so one
// misbehaving subscriber cannot break iteration over the rest, per §4.2's
// "exceptions are caught and logged but do not break iteration".
func (r *Repository) notifyAdd(name string, sub AddSubscriber, attrs Attributes) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("repository: add subscriber panicked", zap.String("subscriber", name), zap.Any("panic", rec))
		}
	}()
	sub(attrs.PELID, attrs)
}

// Remove deletes a stored PEL's blob and index entries, notifying delete
// subscribers with the pel-id, per §4.2's Remove operation.
func (r *Repository) Remove(id uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.removeLocked(id)
	return err
}

// removeLocked performs the actual blob/index removal assuming r.mu is
// already held; it returns the removed attributes so Prune can report the
// companion-log-id without a second lookup. Subscribers are notified here
// too so every removal path (direct or via Prune) fires the same events.
func (r *Repository) removeLocked(id uint32) (Attributes, error) {
	path, ok := r.paths[id]
	if !ok {
		return Attributes{}, ErrNoEntry
	}

	attrs, err := r.getAttributes(id)
	if err != nil {
		return Attributes{}, err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return Attributes{}, fmt.Errorf("%w: remove blob: %v", ErrIO, err)
	}

	if err := r.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(bucketAttributes)).Delete(attrKey(id)); err != nil {
			return err
		}
		if attrs.OBMCID != 0 {
			if err := tx.Bucket([]byte(bucketOBMCIndex)).Delete(obmcKey(attrs.OBMCID)); err != nil {
				return err
			}
		}
		return addToStatsTx(tx, Classify(attrs), -int64(attrs.SizeBytes))
	}); err != nil {
		return Attributes{}, fmt.Errorf("%w: index update: %v", ErrIO, err)
	}

	delete(r.paths, id)
	r.publishEntryGauges()

	for _, name := range r.delSubNames {
		r.notifyDelete(name, r.delSubs[name], id)
	}
	return attrs, nil
}

func (r *Repository) notifyDelete(name string, sub DeleteSubscriber, id uint32) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("repository: delete subscriber panicked", zap.String("subscriber", name), zap.Any("panic", rec))
		}
	}()
	sub(id)
}

// Get returns the raw encoded blob for a stored PEL.
func (r *Repository) Get(id uint32) ([]byte, error) {
	r.mu.Lock()
	path, ok := r.paths[id]
	r.mu.Unlock()
	if !ok {
		return nil, ErrNoEntry
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read blob: %v", ErrIO, err)
	}
	return blob, nil
}

// GetAttributes returns the sidecar attribute record for a stored PEL.
func (r *Repository) GetAttributes(id uint32) (Attributes, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getAttributes(id)
}

func (r *Repository) getAttributes(id uint32) (Attributes, error) {
	var attrs Attributes
	var found bool
	err := r.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketAttributes)).Get(attrKey(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &attrs)
	})
	if err != nil {
		return Attributes{}, fmt.Errorf("%w: read attributes: %v", ErrIO, err)
	}
	if !found {
		return Attributes{}, ErrNoEntry
	}
	return attrs, nil
}

// Lookup resolves a one-sided LogID to the pel-id it identifies, per
// §4.2's LogID equality rule.
func (r *Repository) Lookup(id LogID) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id.PEL != 0 {
		if _, ok := r.paths[id.PEL]; ok {
			return id.PEL, nil
		}
		return 0, ErrNoEntry
	}
	if id.OBMC != 0 {
		var pelID uint32
		var found bool
		err := r.db.View(func(tx *bolt.Tx) error {
			data := tx.Bucket([]byte(bucketOBMCIndex)).Get(obmcKey(id.OBMC))
			if data == nil {
				return nil
			}
			found = true
			pelID = decodeOBMCIndexValue(data)
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("%w: obmc lookup: %v", ErrIO, err)
		}
		if !found {
			return 0, ErrNoEntry
		}
		return pelID, nil
	}
	return 0, ErrNoEntry
}

// SetHostTransState patches the host transmission-state byte in place on
// disk and updates the in-memory/bbolt attribute mirror, per §4.2's State
// mutation operation.
func (r *Repository) SetHostTransState(id uint32, state pel.TransmissionState) error {
	return r.setTransState(id, state, true)
}

// SetHMCTransState patches the HMC transmission-state byte in place.
func (r *Repository) SetHMCTransState(id uint32, state pel.TransmissionState) error {
	return r.setTransState(id, state, false)
}

func (r *Repository) setTransState(id uint32, state pel.TransmissionState, host bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	path, ok := r.paths[id]
	if !ok {
		return ErrNoEntry
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o640)
	if err != nil {
		return fmt.Errorf("%w: open for patch: %v", ErrIO, err)
	}
	defer f.Close()

	offset := pel.HMCTransStateFileOffset()
	if host {
		offset = pel.HostTransStateFileOffset()
	}
	if _, err := f.WriteAt([]byte{byte(state)}, int64(offset)); err != nil {
		return fmt.Errorf("%w: patch byte: %v", ErrIO, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: fsync: %v", ErrIO, err)
	}

	attrs, err := r.getAttributes(id)
	if err != nil {
		return err
	}
	if host {
		attrs.HostTransState = state
	} else {
		attrs.HMCTransState = state
	}
	if err := r.putAttributes(attrs); err != nil {
		return err
	}

	for _, name := range r.tsSubNames {
		r.notifyTransState(name, r.tsSubs[name], id, host, state)
	}
	return nil
}

// notifyTransState calls sub, recovering from and logging any panic so one
// misbehaving subscriber cannot break iteration over the rest, mirroring
// notifyAdd/notifyDelete.
func (r *Repository) notifyTransState(name string, sub TransStateSubscriber, id uint32, host bool, state pel.TransmissionState) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("repository: trans-state subscriber panicked", zap.String("subscriber", name), zap.Any("panic", rec))
		}
	}()
	sub(id, host, state)
}

// SubscribeTransState registers a named transmission-state subscriber.
func (r *Repository) SubscribeTransState(name string, sub TransStateSubscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tsSubs[name]; !exists {
		r.tsSubNames = append(r.tsSubNames, name)
	}
	r.tsSubs[name] = sub
}

// UnsubscribeTransState removes a named transmission-state subscriber.
func (r *Repository) UnsubscribeTransState(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tsSubs, name)
	r.tsSubNames = removeName(r.tsSubNames, name)
}

// SetResolved updates the manager-level resolution flag, which has no
// on-disk wire-format representation (SPEC_FULL.md §8).
func (r *Repository) SetResolved(id uint32, resolved bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	attrs, err := r.getAttributes(id)
	if err != nil {
		return err
	}
	attrs.Resolved = resolved
	return r.putAttributes(attrs)
}

// SubscribeAdd registers a named add-subscriber. Re-registering a name
// replaces its callback without changing its position in iteration order.
func (r *Repository) SubscribeAdd(name string, sub AddSubscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.addSubs[name]; !exists {
		r.addSubNames = append(r.addSubNames, name)
	}
	r.addSubs[name] = sub
}

// UnsubscribeAdd removes a named add-subscriber.
func (r *Repository) UnsubscribeAdd(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.addSubs, name)
	r.addSubNames = removeName(r.addSubNames, name)
}

// SubscribeDelete registers a named delete-subscriber.
func (r *Repository) SubscribeDelete(name string, sub DeleteSubscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.delSubs[name]; !exists {
		r.delSubNames = append(r.delSubNames, name)
	}
	r.delSubs[name] = sub
}

// UnsubscribeDelete removes a named delete-subscriber.
func (r *Repository) UnsubscribeDelete(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.delSubs, name)
	r.delSubNames = removeName(r.delSubNames, name)
}

func removeName(names []string, target string) []string {
	out := names[:0]
	for _, n := range names {
		if n != target {
			out = append(out, n)
		}
	}
	return out
}

// publishEntryGauges pushes the current per-class byte totals to the
// attached Metrics sink. Callers must hold r.mu.
func (r *Repository) publishEntryGauges() {
	if r.metrics == nil {
		return
	}
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketStats))
		for _, class := range AllSizeClasses {
			r.metrics.SetRepositoryEntries(class.String(), statsTotal(b, class))
		}
		return nil
	})
	if err != nil {
		r.log.Warn("repository: failed to read stats for metrics", zap.Error(err))
	}
}

// Stats returns the current size-class totals in bytes.
func (r *Repository) Stats() (map[SizeClass]int64, error) {
	out := make(map[SizeClass]int64, len(AllSizeClasses))
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketStats))
		for _, class := range AllSizeClasses {
			out[class] = statsTotal(b, class)
		}
		return nil
	})
	return out, err
}

// allAttributes returns every stored attribute record. Callers must hold
// r.mu.
func (r *Repository) allAttributes() ([]Attributes, error) {
	var out []Attributes
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketAttributes)).ForEach(func(_, v []byte) error {
			var a Attributes
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			out = append(out, a)
			return nil
		})
	})
	return out, err
}

// List returns every pel-id currently stored, in no particular order.
func (r *Repository) List() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]uint32, 0, len(r.paths))
	for id := range r.paths {
		ids = append(ids, id)
	}
	return ids
}
