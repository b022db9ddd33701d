// Package registry tracks in-flight uploads: who may write each one, which
// chunk numbers have landed, and whether the merge has been claimed.
//
// All state sits behind one mutex and every method returns without touching
// the filesystem, so callers do their disk I/O between registry calls.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bits-and-blooms/bitset"
)

var (
	// ErrOwnerConflict reports that a different owner holds the upload.
	ErrOwnerConflict = errors.New("upload held by another owner")
	// ErrBusy reports that the upload is being merged.
	ErrBusy = errors.New("upload is being merged")
	// ErrNotFound reports an unknown upload id.
	ErrNotFound = errors.New("upload not tracked")
	// ErrDeclarationMismatch reports a chunk whose declared shape disagrees with the tracked upload.
	ErrDeclarationMismatch = errors.New("declaration does not match tracked upload")
	// ErrChunkOutOfRange reports a chunk number outside [1, total chunks].
	ErrChunkOutOfRange = errors.New("chunk number out of range")
	// ErrExists reports an attempt to restore an id that is already tracked.
	ErrExists = errors.New("upload already tracked")
	// ErrCapacityExceeded reports staged bytes above the registry's byte limit.
	ErrCapacityExceeded = errors.New("staged size exceeds maximum")
)

// Declaration is the client-declared shape of an upload. Zero values mean unknown.
type Declaration struct {
	FileName    string
	TotalSize   int64
	TotalChunks int
	ChunkSize   int64
	Extension   string
	MimeType    string
	Topic       string
}

// Admission describes an accepted admission. Every successful Admit holds a
// writer slot on the entry until the admission is passed to Release.
type Admission struct {
	Outcome     Outcome
	Owner       Owner
	Declaration Declaration

	id    string
	entry *entry
}

// ID returns the admitted upload id.
func (a Admission) ID() string { return a.id }

// Progress is the state after recording a chunk.
type Progress struct {
	Received  int
	Total     int
	Remaining int
	// Bytes is the sum of recorded chunk sizes.
	Bytes int64
	// Added is false when the chunk had already been recorded.
	Added bool
	// First is true when this chunk is the first one the upload ever recorded.
	First bool
	// ClaimedMerge is true for exactly one caller: the one that completed the set.
	ClaimedMerge bool
}

// Fraction returns received/total in [0, 1].
func (p Progress) Fraction() float64 {
	if p.Total <= 0 {
		return 0
	}
	return float64(p.Received) / float64(p.Total)
}

// Upload is a point-in-time copy of a tracked upload.
type Upload struct {
	ID          string
	Owner       Owner
	Declaration Declaration
	Received    []int
	Merging     bool
	CreatedAt   time.Time
	LastTouched time.Time
}

type entry struct {
	decl      Declaration
	owner     Owner
	received  *bitset.BitSet
	bytes     int64
	writers   int
	merging   bool
	createdAt time.Time
	touched   time.Time
}

func (e *entry) count() int { return int(e.received.Count()) }

func (e *entry) progress() Progress {
	p := Progress{
		Received: e.count(),
		Total:    e.decl.TotalChunks,
		Bytes:    e.bytes,
	}
	p.Remaining = max(p.Total-p.Received, 0)
	return p
}

// complete reports exact coverage of {1..TotalChunks}.
func (e *entry) complete() bool {
	total := e.decl.TotalChunks
	if total <= 0 || e.count() != total {
		return false
	}
	for n := 1; n <= total; n++ {
		if !e.received.Test(uint(n)) {
			return false
		}
	}
	return true
}

func (e *entry) chunks() []int {
	out := make([]int, 0, e.count())
	for i, ok := e.received.NextSet(0); ok; i, ok = e.received.NextSet(i + 1) {
		out = append(out, int(i))
	}
	return out
}

// highest returns the largest recorded chunk number, or 0.
func (e *entry) highest() int {
	chunks := e.chunks()
	if len(chunks) == 0 {
		return 0
	}
	return chunks[len(chunks)-1]
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithMaxBytes caps the recorded bytes of a single upload. Zero means no cap.
func WithMaxBytes(limit int64) Option {
	return func(r *Registry) { r.maxBytes = limit }
}

// Registry is the in-memory index of in-flight uploads.
type Registry struct {
	mu       sync.Mutex
	drained  *sync.Cond
	entries  map[string]*entry
	now      func() time.Time
	maxBytes int64
}

// New returns an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
	r.drained = sync.NewCond(&r.mu)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Admit validates that requester may write id and records the transition.
// Rejections never modify the entry.
func (r *Registry) Admit(id, requester string, decl Declaration) (Admission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	e, ok := r.entries[id]
	if !ok {
		owner := ClaimedBy(requester)
		e = &entry{
			decl:      decl,
			owner:     owner,
			received:  bitset.New(uint(decl.TotalChunks) + 1),
			writers:   1,
			createdAt: now,
			touched:   now,
		}
		r.entries[id] = e
		return Admission{Outcome: Created, Owner: owner, Declaration: decl, id: id, entry: e}, nil
	}

	next, outcome := e.owner.admit(requester)
	if outcome == Conflict {
		return Admission{Outcome: Conflict, Owner: e.owner, Declaration: e.decl}, fmt.Errorf("%w: %s", ErrOwnerConflict, id)
	}
	if e.merging {
		return Admission{}, fmt.Errorf("%w: %s", ErrBusy, id)
	}
	merged, err := reconcile(e, decl)
	if err != nil {
		return Admission{}, fmt.Errorf("%w: %s: %v", ErrDeclarationMismatch, id, err)
	}

	e.decl = merged
	e.owner = next
	e.touched = now
	e.writers++
	return Admission{Outcome: outcome, Owner: next, Declaration: merged, id: id, entry: e}, nil
}

// Release gives back the writer slot taken by a successful Admit. It is safe
// to call after the entry was removed and on a zero Admission.
func (r *Registry) Release(adm Admission) {
	if adm.entry == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if adm.entry.writers > 0 {
		adm.entry.writers--
	}
	r.drained.Broadcast()
}

// AwaitSoleWriter blocks until the caller's admission is the only writer left
// on its entry. Once the merge is claimed no new writer is admitted, so the
// wait is bounded by the writers already in flight.
func (r *Registry) AwaitSoleWriter(adm Admission) {
	if adm.entry == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for adm.entry.writers > 1 {
		r.drained.Wait()
	}
}

// Recorded reports whether chunk n is already recorded for the admitted
// upload, together with the current progress.
func (r *Registry) Recorded(adm Admission, n int) (Progress, bool) {
	if adm.entry == nil || n < 1 {
		return Progress{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return adm.entry.progress(), adm.entry.received.Test(uint(n))
}

// reconcile merges an incoming declaration into the tracked one. Known values
// must match; unknown values are filled in.
func reconcile(e *entry, decl Declaration) (Declaration, error) {
	out := e.decl
	if decl.TotalChunks > 0 {
		switch {
		case out.TotalChunks == 0:
			if high := e.highest(); high > decl.TotalChunks {
				return out, fmt.Errorf("staged chunk %d beyond declared total %d", high, decl.TotalChunks)
			}
			out.TotalChunks = decl.TotalChunks
		case out.TotalChunks != decl.TotalChunks:
			return out, fmt.Errorf("total chunks %d, tracked %d", decl.TotalChunks, out.TotalChunks)
		}
	}
	if decl.TotalSize > 0 {
		switch {
		case out.TotalSize == 0:
			out.TotalSize = decl.TotalSize
		case out.TotalSize != decl.TotalSize:
			return out, fmt.Errorf("total size %d, tracked %d", decl.TotalSize, out.TotalSize)
		}
	}
	if out.ChunkSize == 0 {
		out.ChunkSize = decl.ChunkSize
	}
	if out.FileName == "" {
		out.FileName = decl.FileName
	}
	if out.Extension == "" {
		out.Extension = decl.Extension
	}
	if out.MimeType == "" {
		out.MimeType = decl.MimeType
	}
	if decl.Topic != "" {
		out.Topic = decl.Topic
	}
	return out, nil
}

// RecordChunk adds chunk n of size bytes to the received set. Re-recording a
// chunk changes nothing, also while the merge runs, and size is ignored. When the set becomes exactly
// {1..TotalChunks} the caller is handed the merge claim; the claim is granted
// once per entry.
//
// A chunk that would push the recorded bytes over the registry's limit is
// refused with ErrCapacityExceeded and the entry is closed the same way a
// merge claim closes it: the caller owns the teardown.
func (r *Registry) RecordChunk(id string, n int, size int64) (Progress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return Progress{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if n < 1 || (e.decl.TotalChunks > 0 && n > e.decl.TotalChunks) {
		return Progress{}, fmt.Errorf("%w: %d of %d", ErrChunkOutOfRange, n, e.decl.TotalChunks)
	}
	if e.received.Test(uint(n)) {
		p := e.progress()
		if !e.merging {
			e.touched = r.now()
			// A recovered upload becomes complete once its total is declared.
			if e.complete() {
				e.merging = true
				p.ClaimedMerge = true
			}
		}
		return p, nil
	}
	if e.merging {
		return Progress{}, fmt.Errorf("%w: %s", ErrBusy, id)
	}
	if r.maxBytes > 0 && e.bytes+size > r.maxBytes {
		e.merging = true
		return e.progress(), fmt.Errorf("%w: %s would hold %d bytes, limit %d", ErrCapacityExceeded, id, e.bytes+size, r.maxBytes)
	}

	first := e.count() == 0
	e.received.Set(uint(n))
	e.bytes += size
	e.touched = r.now()

	p := e.progress()
	p.Added = true
	p.First = first
	if e.complete() {
		e.merging = true
		p.ClaimedMerge = true
	}
	return p, nil
}

// ClaimMerge hands the merge of a complete, idle upload to the caller. It is
// used at startup for uploads whose every chunk was staged before a restart.
func (r *Registry) ClaimMerge(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.merging || e.writers > 0 || !e.complete() {
		return false
	}
	e.merging = true
	return true
}

// IsComplete reports whether id has received exactly {1..TotalChunks}.
func (r *Registry) IsComplete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return ok && e.complete()
}

// Received reports whether chunk n of id has been recorded.
func (r *Registry) Received(id string, n int) bool {
	if n < 1 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return ok && e.received.Test(uint(n))
}

// Has reports whether id is tracked.
func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

// Remove drops id and reports whether it was tracked.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	delete(r.entries, id)
	return ok
}

// DropIfEmpty removes the admitted entry when it has no recorded chunks, is
// not merging, and no writer other than adm is in flight. Used to undo a
// Created admission whose first chunk never landed.
func (r *Registry) DropIfEmpty(adm Admission) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[adm.id]
	if !ok || e != adm.entry || e.merging || e.count() > 0 || e.writers > 1 {
		return false
	}
	delete(r.entries, adm.id)
	return true
}

// Restore inserts a ResumableFromCrash entry holding chunks whose sizes sum
// to bytes.
func (r *Registry) Restore(id string, chunks []int, bytes int64, decl Declaration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; ok {
		return fmt.Errorf("%w: %s", ErrExists, id)
	}
	now := r.now()
	e := &entry{
		decl:      decl,
		owner:     Recovered(),
		received:  bitset.New(uint(decl.TotalChunks) + 1),
		bytes:     bytes,
		createdAt: now,
		touched:   now,
	}
	for _, n := range chunks {
		if n < 1 {
			continue
		}
		e.received.Set(uint(n))
	}
	r.entries[id] = e
	return nil
}

// Len returns the number of tracked uploads.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Keys returns tracked upload ids in lexical order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.entries))
	for id := range r.entries {
		keys = append(keys, id)
	}
	sort.Strings(keys)
	return keys
}

// Get returns a copy of one tracked upload.
func (r *Registry) Get(id string) (Upload, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Upload{}, false
	}
	return e.snapshot(id), true
}

// Snapshot returns copies of every tracked upload ordered by id.
func (r *Registry) Snapshot() []Upload {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Upload, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, e.snapshot(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *entry) snapshot(id string) Upload {
	return Upload{
		ID:          id,
		Owner:       e.owner,
		Declaration: e.decl,
		Received:    e.chunks(),
		Merging:     e.merging,
		CreatedAt:   e.createdAt,
		LastTouched: e.touched,
	}
}

// Evict removes every idle upload untouched for longer than maxIdle and
// returns the removed ids. Uploads that are merging or have a writer in flight
// are kept. A non-positive maxIdle evicts nothing.
func (r *Registry) Evict(maxIdle time.Duration) []string {
	if maxIdle <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-maxIdle)
	var evicted []string
	for id, e := range r.entries {
		if e.merging || e.writers > 0 || !e.touched.Before(cutoff) {
			continue
		}
		delete(r.entries, id)
		evicted = append(evicted, id)
	}
	sort.Strings(evicted)
	return evicted
}
