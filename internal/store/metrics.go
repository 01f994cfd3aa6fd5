package store

import "github.com/prometheus/client_golang/prometheus"

// storeMetrics collects engine counters. Registration is optional; with
// no registry the counters still count, they are just not scraped.
type storeMetrics struct {
	poolHits       prometheus.Counter
	poolMisses     prometheus.Counter
	poolEvictions  prometheus.Counter
	journalWrites  prometheus.Counter
	journalSyncs   prometheus.Counter
	checkpoints    prometheus.Counter
	copybacks      prometheus.Counter
	commits        prometheus.Counter
	rollbacks      prometheus.Counter
	prunedVersions prometheus.Counter
	cleanupDropped prometheus.Counter
}

func newStoreMetrics(reg prometheus.Registerer) *storeMetrics {
	c := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "persistkv",
			Name:      name,
			Help:      help,
		})
	}
	m := &storeMetrics{
		poolHits:       c("buffer_pool_hits_total", "Buffer pool lookups served from a cached frame."),
		poolMisses:     c("buffer_pool_misses_total", "Buffer pool lookups that read from disk."),
		poolEvictions:  c("buffer_pool_evictions_total", "Frames recycled by the clock sweep."),
		journalWrites:  c("journal_records_total", "Journal records appended."),
		journalSyncs:   c("journal_syncs_total", "Journal fsync calls."),
		checkpoints:    c("checkpoints_total", "Completed checkpoints."),
		copybacks:      c("copyback_pages_total", "Pages copied from the journal to their volumes."),
		commits:        c("commits_total", "Committed transactions."),
		rollbacks:      c("rollbacks_total", "Rolled-back transactions."),
		prunedVersions: c("pruned_versions_total", "MVV versions removed by pruning."),
		cleanupDropped: c("cleanup_dropped_total", "Cleanup actions dropped from a full queue."),
	}
	if reg != nil {
		reg.MustRegister(m.poolHits, m.poolMisses, m.poolEvictions,
			m.journalWrites, m.journalSyncs, m.checkpoints, m.copybacks,
			m.commits, m.rollbacks, m.prunedVersions, m.cleanupDropped)
	}
	return m
}
