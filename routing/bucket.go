package routing

import (
	"time"

	"github.com/opd-ai/meshdht/nodeid"
)

// PeerRecord is a snapshot of one routing-table entry, returned from
// Table queries. Mutating a returned PeerRecord has no effect on the
// table; metadata is replaced atomically via Insert/Touch.
type PeerRecord struct {
	ID       nodeid.ID
	Metadata PeerMetadata
	LastSeen time.Time
}

// kBucket holds up to maxSize peers at a given XOR-distance class,
// ordered least-recently-seen first, mirroring the teacher's
// dht.KBucket (dht/routing.go) but generalized to the spec's explicit
// probe-then-evict replacement protocol rather than an implicit
// bad-node replacement rule.
type kBucket struct {
	entries []PeerRecord
	maxSize int
}

func newKBucket(maxSize int) *kBucket {
	return &kBucket{
		entries: make([]PeerRecord, 0, maxSize),
		maxSize: maxSize,
	}
}

func (kb *kBucket) indexOf(id nodeid.ID) int {
	for i, e := range kb.entries {
		if e.ID.Equal(id) {
			return i
		}
	}
	return -1
}

// add inserts or updates a peer. It returns (true, zero) when the entry
// was inserted or updated in place, and (false, incumbent) when the
// bucket is full of distinct peers and the caller must resolve a
// ReplaceCandidate (spec.md §4.2).
func (kb *kBucket) add(rec PeerRecord) (inserted bool, incumbent PeerRecord) {
	if i := kb.indexOf(rec.ID); i >= 0 {
		kb.entries = append(kb.entries[:i], kb.entries[i+1:]...)
		kb.entries = append(kb.entries, rec)
		return true, PeerRecord{}
	}

	if len(kb.entries) < kb.maxSize {
		kb.entries = append(kb.entries, rec)
		return true, PeerRecord{}
	}

	return false, kb.entries[0]
}

func (kb *kBucket) remove(id nodeid.ID) bool {
	if i := kb.indexOf(id); i >= 0 {
		kb.entries = append(kb.entries[:i], kb.entries[i+1:]...)
		return true
	}
	return false
}

// touch moves a peer to the most-recently-seen slot and updates its
// last-seen timestamp. Reports whether the peer was present.
func (kb *kBucket) touch(id nodeid.ID, now time.Time) bool {
	i := kb.indexOf(id)
	if i < 0 {
		return false
	}
	rec := kb.entries[i]
	rec.LastSeen = now
	rec.Metadata.LastSeen = now
	kb.entries = append(kb.entries[:i], kb.entries[i+1:]...)
	kb.entries = append(kb.entries, rec)
	return true
}

func (kb *kBucket) list() []PeerRecord {
	out := make([]PeerRecord, len(kb.entries))
	copy(out, kb.entries)
	return out
}

func (kb *kBucket) len() int {
	return len(kb.entries)
}
