package kademlia

import (
	"context"
	"time"

	"github.com/opd-ai/meshdht/nodeid"
	"github.com/sirupsen/logrus"
)

// refreshRoutine implements spec.md §4.9's "every ~1 min (configurable):
// pick one random id from each non-empty bucket, refresh via find_node",
// mirroring the teacher's lookupRoutine ticker shape (dht/maintenance.go).
func (k *Kademlia) refreshRoutine(ctx context.Context) {
	defer k.wg.Done()

	ticker := time.NewTicker(k.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.refreshBuckets(ctx)
		}
	}
}

func (k *Kademlia) refreshBuckets(ctx context.Context) {
	for _, idx := range k.table.NonEmptyBucketIndices() {
		target, err := nodeid.RandomInBucket(k.localID, idx)
		if err != nil {
			continue
		}

		reqCtx, cancel := context.WithTimeout(ctx, k.cfg.MaintenanceInterval)
		_, err = k.FindNode(reqCtx, target)
		cancel()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "refreshBuckets",
				"package":  "kademlia",
				"bucket":   idx,
			}).WithError(err).Debug("bucket refresh lookup failed")
		}
	}
}

// pruneRoutine implements spec.md §4.9's "every ~5 min, prune
// PendingRequests whose connection died and touch last_seen on all
// currently connected peers", mirroring the teacher's pruneRoutine ticker
// shape (dht/maintenance.go).
func (k *Kademlia) pruneRoutine(ctx context.Context) {
	defer k.wg.Done()

	ticker := time.NewTicker(k.cfg.MaintenanceStaleAge)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.pruneAndTouch()
		}
	}
}

func (k *Kademlia) pruneAndTouch() {
	k.mu.Lock()
	dead := make([]nodeid.ID, 0)
	alive := make([]nodeid.ID, 0)
	for id, mgr := range k.peers {
		if mgr.IsOpen() {
			alive = append(alive, id)
		} else {
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		delete(k.peers, id)
	}
	k.mu.Unlock()

	for _, id := range alive {
		k.table.Touch(id)
	}

	if len(dead) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "pruneAndTouch",
			"package":  "kademlia",
			"pruned":   len(dead),
		}).Debug("pruned dead peer connections")
	}
}
