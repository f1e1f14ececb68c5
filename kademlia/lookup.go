package kademlia

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/opd-ai/meshdht/nodeid"
	"github.com/opd-ai/meshdht/routing"
	"github.com/opd-ai/meshdht/transport"
	"github.com/opd-ai/meshdht/wire"
	"github.com/sirupsen/logrus"
)

// lookupResult is what a single peer query round returns.
type lookupResult struct {
	peer     routing.PeerRecord
	nodes    []routing.PeerRecord
	value    []byte
	hasValue bool
	err      error
}

// FindNode runs the iterative α-concurrent lookup of spec.md §4.9 and
// returns the k closest peers discovered, ordered as routing.Table.Closest
// orders them.
func (k *Kademlia) FindNode(ctx context.Context, target nodeid.ID) ([]routing.PeerRecord, error) {
	_, nodes, _, err := k.iterativeLookup(ctx, target, "", false)
	return nodes, err
}

// FindValue runs the same iterative lookup but short-circuits on the
// first value hit; otherwise it returns the k closest peers for caching.
func (k *Kademlia) FindValue(ctx context.Context, key string) (value []byte, found bool, nodes []routing.PeerRecord, err error) {
	target := nodeid.FromPublicKey([]byte(key))
	value, nodes, found, err = k.iterativeLookup(ctx, target, key, true)
	return value, found, nodes, err
}

// Store locates the k closest peers to key via find_node, then stores to
// each in parallel; per-peer failures are logged but not fatal as long as
// at least one store succeeds. When FindNode returns no peers, only the
// local copy is kept and no error is returned.
func (k *Kademlia) Store(ctx context.Context, key string, value []byte) (int, error) {
	target := nodeid.FromPublicKey([]byte(key))
	peers, err := k.FindNode(ctx, target)
	if err != nil {
		return 0, err
	}

	// Always hold a local copy too, so find_value on this node itself
	// can answer without a round trip.
	k.store.Put(key, value)

	var (
		mu         sync.Mutex
		successes  int
		wg         sync.WaitGroup
	)
	for _, peer := range peers {
		peer := peer
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := k.storeToPeer(ctx, peer, key, value); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Store",
					"package":  "kademlia",
					"peer_id":  peer.ID.ToHex(),
				}).WithError(err).Debug("store to peer failed")
				return
			}
			mu.Lock()
			successes++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if successes == 0 && len(peers) > 0 {
		return 0, fmt.Errorf("kademlia: store failed on all %d peers", len(peers))
	}
	return successes, nil
}

func (k *Kademlia) storeToPeer(ctx context.Context, peer routing.PeerRecord, key string, value []byte) error {
	mgr, err := k.connectionFor(ctx, peer)
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, k.cfg.RequestTimeout)
	defer cancel()

	req := wire.NewRequest(wire.TypeStore).Set("key", key).Set("value", string(value))
	_, err = mgr.Request(reqCtx, req, k.cfg.RequestTimeout)
	return err
}

// iterativeLookup drives the shared find_node/find_value lookup loop.
// When key is non-empty and wantValue is set, it short-circuits as soon
// as any queried peer reports a value for that key.
func (k *Kademlia) iterativeLookup(ctx context.Context, target nodeid.ID, key string, wantValue bool) ([]byte, []routing.PeerRecord, bool, error) {
	shortlist := k.table.Closest(target, k.cfg.K)
	queried := make(map[nodeid.ID]bool)

	for {
		batch := k.nextBatch(shortlist, queried)
		if len(batch) == 0 {
			break
		}

		results := k.queryBatch(ctx, batch, target, key, wantValue)

		improved := false
		for _, r := range results {
			queried[r.peer.ID] = true
			if r.err != nil {
				continue
			}
			if r.hasValue {
				return r.value, nil, true, nil
			}
			for _, n := range r.nodes {
				if _, err := k.table.Insert(n.ID, n.Metadata); err == nil {
					improved = true
				}
			}
			shortlist = mergeRecords(shortlist, r.nodes, target)
		}

		if !improved {
			allQueried := true
			for _, p := range shortlist {
				if !queried[p.ID] {
					allQueried = false
					break
				}
			}
			if allQueried {
				break
			}
		}
	}

	if len(shortlist) > k.cfg.K {
		shortlist = shortlist[:k.cfg.K]
	}
	return nil, shortlist, false, nil
}

func (k *Kademlia) nextBatch(shortlist []routing.PeerRecord, queried map[nodeid.ID]bool) []routing.PeerRecord {
	var batch []routing.PeerRecord
	for _, p := range shortlist {
		if queried[p.ID] {
			continue
		}
		batch = append(batch, p)
		if len(batch) >= k.cfg.Alpha {
			break
		}
	}
	return batch
}

func (k *Kademlia) queryBatch(ctx context.Context, batch []routing.PeerRecord, target nodeid.ID, key string, wantValue bool) []lookupResult {
	results := make([]lookupResult, len(batch))
	var wg sync.WaitGroup
	for i, peer := range batch {
		i, peer := i, peer
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = k.queryPeerWithRetry(ctx, peer, target, key, wantValue)
		}()
	}
	wg.Wait()
	return results
}

func (k *Kademlia) queryPeerWithRetry(ctx context.Context, peer routing.PeerRecord, target nodeid.ID, key string, wantValue bool) lookupResult {
	if !k.limiter.Acquire(peer.ID) {
		return lookupResult{peer: peer, err: transport.ErrRateLimited}
	}
	defer k.limiter.Release(peer.ID)

	var lastErr error
	for attempt := 0; attempt <= k.cfg.MaxQueryRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 200 * time.Millisecond
			jitter := time.Duration(float64(backoff) * (0.5 + rand.Float64()))
			select {
			case <-time.After(jitter):
			case <-ctx.Done():
				return lookupResult{peer: peer, err: ctx.Err()}
			}
		}

		res := k.queryPeerOnce(ctx, peer, target, key, wantValue)
		if res.err == nil {
			return res
		}
		lastErr = res.err
	}

	logrus.WithFields(logrus.Fields{
		"function": "queryPeerWithRetry",
		"package":  "kademlia",
		"peer_id":  peer.ID.ToHex(),
	}).WithError(lastErr).Debug("peer unresponsive after retries")
	return lookupResult{peer: peer, err: lastErr}
}

func (k *Kademlia) queryPeerOnce(ctx context.Context, peer routing.PeerRecord, target nodeid.ID, key string, wantValue bool) lookupResult {
	mgr, err := k.connectionFor(ctx, peer)
	if err != nil {
		return lookupResult{peer: peer, err: err}
	}

	reqCtx, cancel := context.WithTimeout(ctx, k.cfg.RequestTimeout)
	defer cancel()

	if wantValue {
		req := wire.NewRequest(wire.TypeFindValue).Set("key", key)
		resp, err := mgr.Request(reqCtx, req, k.cfg.RequestTimeout)
		if err != nil {
			return lookupResult{peer: peer, err: err}
		}
		if raw, ok := resp.Raw("value"); ok {
			if s, ok := raw.(string); ok {
				return lookupResult{peer: peer, value: []byte(s), hasValue: true}
			}
		}
		return lookupResult{peer: peer, nodes: decodePeerNodes(resp)}
	}

	req := wire.NewRequest(wire.TypeFindNode).Set("target", target.ToHex())
	resp, err := mgr.Request(reqCtx, req, k.cfg.RequestTimeout)
	if err != nil {
		return lookupResult{peer: peer, err: err}
	}
	return lookupResult{peer: peer, nodes: decodePeerNodes(resp)}
}

func decodePeerNodes(resp wire.Frame) []routing.PeerRecord {
	raw, ok := resp.Raw("nodes")
	if !ok {
		return nil
	}

	// A frame built in-process (e.g. by our own responders, in tests)
	// carries []map[string]any; one that round-tripped through JSON
	// decodes to []any of map[string]any. Accept both shapes.
	var items []any
	switch v := raw.(type) {
	case []any:
		items = v
	case []map[string]any:
		items = make([]any, len(v))
		for i, m := range v {
			items[i] = m
		}
	default:
		return nil
	}

	out := make([]routing.PeerRecord, 0, len(items))
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		idHex, ok := entry["node_id"].(string)
		if !ok {
			continue
		}
		id, err := nodeid.FromHex(idHex)
		if err != nil {
			continue
		}
		metaRaw, _ := entry["metadata"].(map[string]any)
		meta := routing.UnmarshalWireMetadata(metaRaw)
		out = append(out, routing.PeerRecord{ID: id, Metadata: meta})
	}
	return out
}

// mergeRecords folds newly-discovered records into shortlist, dedups by
// id, and re-sorts by XOR distance to target alone; distinct ids never
// tie on distance, so no last_seen/id tie-break is applied.
func mergeRecords(shortlist, fresh []routing.PeerRecord, target nodeid.ID) []routing.PeerRecord {
	seen := make(map[nodeid.ID]bool, len(shortlist))
	merged := make([]routing.PeerRecord, 0, len(shortlist)+len(fresh))
	for _, p := range shortlist {
		if !seen[p.ID] {
			seen[p.ID] = true
			merged = append(merged, p)
		}
	}
	for _, p := range fresh {
		if !seen[p.ID] {
			seen[p.ID] = true
			merged = append(merged, p)
		}
	}

	for i := 1; i < len(merged); i++ {
		for j := i; j > 0; j-- {
			di := target.Xor(merged[j].ID)
			dj := target.Xor(merged[j-1].ID)
			if di.Compare(dj) < 0 {
				merged[j], merged[j-1] = merged[j-1], merged[j]
			} else {
				break
			}
		}
	}
	return merged
}
