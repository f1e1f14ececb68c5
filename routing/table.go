package routing

import (
	"sort"
	"sync"
	"time"

	"github.com/opd-ai/meshdht/nodeid"
	"github.com/sirupsen/logrus"
)

// DefaultBucketSize is k, the default maximum occupancy of a bucket
// (spec.md §6: bucket_size k, default 20).
const DefaultBucketSize = 20

// Outcome describes the result of a Table.Insert call.
type Outcome int

const (
	// Inserted means the peer was added or its existing entry refreshed.
	Inserted Outcome = iota
	// ReplaceCandidate means the target bucket is full; Incumbent names
	// the least-recently-seen entry the caller must probe before
	// deciding whether to evict it in favor of the newcomer.
	ReplaceCandidate
	// RejectedSelf means the peer id equals the local node id.
	RejectedSelf
)

// InsertResult is returned from Table.Insert.
type InsertResult struct {
	Outcome   Outcome
	Incumbent PeerRecord // valid only when Outcome == ReplaceCandidate
}

// TimeProvider abstracts time for deterministic testing, mirroring the
// pattern already used by crypto.TimeProvider.
type TimeProvider interface {
	Now() time.Time
}

type realTimeProvider struct{}

func (realTimeProvider) Now() time.Time { return time.Now() }

// Table is the Kademlia k-bucket routing table keyed by XOR distance to
// the local node id (spec.md §3, §4.2). It is the one process-global
// mutable structure in the core (spec.md §5); all access goes through its
// methods, which serialize internally via a single RWMutex.
type Table struct {
	mu      sync.RWMutex
	localID nodeid.ID
	k       int
	buckets [nodeid.Bits]*kBucket
	tp      TimeProvider
}

// NewTable constructs a routing table for localID with bucket capacity k.
// A k <= 0 uses DefaultBucketSize.
func NewTable(localID nodeid.ID, k int) *Table {
	return NewTableWithTimeProvider(localID, k, realTimeProvider{})
}

// NewTableWithTimeProvider is NewTable with an injectable clock.
func NewTableWithTimeProvider(localID nodeid.ID, k int, tp TimeProvider) *Table {
	if k <= 0 {
		k = DefaultBucketSize
	}
	if tp == nil {
		tp = realTimeProvider{}
	}
	return &Table{
		localID: localID,
		k:       k,
		tp:      tp,
	}
}

// bucketIndex returns the k-bucket index a peer belongs in: the number of
// leading zero bits in the XOR distance to the local id (spec.md §4.1).
func (t *Table) bucketIndex(peerID nodeid.ID) int {
	return t.localID.Xor(peerID).LeadingZeroBits()
}

func (t *Table) bucketFor(idx int) *kBucket {
	if t.buckets[idx] == nil {
		t.buckets[idx] = newKBucket(t.k)
	}
	return t.buckets[idx]
}

// Insert adds or refreshes a peer entry (spec.md §4.2). The local node id
// is never inserted into the table.
func (t *Table) Insert(peerID nodeid.ID, metadata PeerMetadata) (InsertResult, error) {
	if err := metadata.Validate(); err != nil {
		return InsertResult{}, err
	}

	if peerID.Equal(t.localID) {
		return InsertResult{Outcome: RejectedSelf}, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.bucketIndex(peerID)
	bucket := t.bucketFor(idx)

	now := t.tp.Now()
	if metadata.LastSeen.IsZero() {
		metadata.LastSeen = now
	}

	rec := PeerRecord{ID: peerID, Metadata: metadata, LastSeen: metadata.LastSeen}
	inserted, incumbent := bucket.add(rec)
	if inserted {
		return InsertResult{Outcome: Inserted}, nil
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Table.Insert",
		"package":   "routing",
		"bucket":    idx,
		"peer_id":   peerID.ToHex(),
		"incumbent": incumbent.ID.ToHex(),
	}).Debug("bucket full, surfacing replace candidate")

	return InsertResult{Outcome: ReplaceCandidate, Incumbent: incumbent}, nil
}

// Remove deletes a peer entry if present.
func (t *Table) Remove(peerID nodeid.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.bucketIndex(peerID)
	if b := t.buckets[idx]; b != nil {
		b.remove(peerID)
	}
}

// Touch moves a peer to the most-recently-seen slot of its bucket and
// updates its last-seen timestamp. Reports whether the peer was present.
func (t *Table) Touch(peerID nodeid.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.bucketIndex(peerID)
	b := t.buckets[idx]
	if b == nil {
		return false
	}
	return b.touch(peerID, t.tp.Now())
}

// All returns every currently-known peer record across all buckets.
func (t *Table) All() []PeerRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []PeerRecord
	for _, b := range t.buckets {
		if b == nil {
			continue
		}
		out = append(out, b.list()...)
	}
	return out
}

// Get returns the peer record for a given id, if present.
func (t *Table) Get(peerID nodeid.ID) (PeerRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	idx := t.bucketIndex(peerID)
	b := t.buckets[idx]
	if b == nil {
		return PeerRecord{}, false
	}
	if i := b.indexOf(peerID); i >= 0 {
		return b.entries[i], true
	}
	return PeerRecord{}, false
}

// Closest returns up to count known peers ordered by ascending XOR
// distance to target, breaking ties by last_seen descending then NodeId
// ascending (spec.md §4.2: "prefer fresher peers when distance ties").
func (t *Table) Closest(target nodeid.ID, count int) []PeerRecord {
	all := t.All()

	sort.Slice(all, func(i, j int) bool {
		di := target.Xor(all[i].ID)
		dj := target.Xor(all[j].ID)
		if cmp := di.Compare(dj); cmp != 0 {
			return cmp < 0
		}
		if !all[i].LastSeen.Equal(all[j].LastSeen) {
			return all[i].LastSeen.After(all[j].LastSeen)
		}
		return all[i].ID.Less(all[j].ID)
	})

	if count >= 0 && len(all) > count {
		all = all[:count]
	}
	return all
}

// NonEmptyBucketIndices returns the indices of every bucket holding at
// least one peer, for maintenance's per-bucket refresh (spec.md §4.9).
func (t *Table) NonEmptyBucketIndices() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []int
	for i, b := range t.buckets {
		if b != nil && b.len() > 0 {
			out = append(out, i)
		}
	}
	return out
}

// LocalID returns the node id this table routes relative to.
func (t *Table) LocalID() nodeid.ID {
	return t.localID
}

// BucketSize returns the configured k.
func (t *Table) BucketSize() int {
	return t.k
}

// Len returns the total number of known peers.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, b := range t.buckets {
		if b != nil {
			n += b.len()
		}
	}
	return n
}
