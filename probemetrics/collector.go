// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package probemetrics exports the diagnostic counters of probemap tables
// and pools as Prometheus metrics.
package probemetrics

import (
	"sort"
	"sync"

	"github.com/cockroachdb/probemap"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "probemap"

var (
	entriesDesc = prometheus.NewDesc(
		namespace+"_entries",
		"The number of entries in the table.",
		[]string{"table"},
		nil,
	)
	capacityDesc = prometheus.NewDesc(
		namespace+"_capacity",
		"The number of slots in the table.",
		[]string{"table"},
		nil,
	)
	tombstonesDesc = prometheus.NewDesc(
		namespace+"_tombstones",
		"The number of deleted slots not yet reclaimed.",
		[]string{"table"},
		nil,
	)
	insertCollisionsDesc = prometheus.NewDesc(
		namespace+"_insert_collisions_total",
		"Slots skipped by inserts while probing.",
		[]string{"table"},
		nil,
	)
	searchCollisionsDesc = prometheus.NewDesc(
		namespace+"_search_collisions_total",
		"Slots skipped by lookups and deletes while probing.",
		[]string{"table"},
		nil,
	)
	recentInsertCollisionsDesc = prometheus.NewDesc(
		namespace+"_recent_insert_collisions",
		"Slots skipped by inserts since the table was last resized or rehashed.",
		[]string{"table"},
		nil,
	)
	poolAllocsDesc = prometheus.NewDesc(
		namespace+"_pool_allocs_total",
		"Tables allocated by the pool.",
		[]string{"pool"},
		nil,
	)
	poolReusesDesc = prometheus.NewDesc(
		namespace+"_pool_reuses_total",
		"Tables handed out from the pool's free list.",
		[]string{"pool"},
		nil,
	)
	poolFreesDesc = prometheus.NewDesc(
		namespace+"_pool_frees_total",
		"Tables released by the pool.",
		[]string{"pool"},
		nil,
	)
	poolFreeDesc = prometheus.NewDesc(
		namespace+"_pool_free",
		"Tables currently on the pool's free list.",
		[]string{"pool"},
		nil,
	)
)

// Table is the read-only view of a probemap.Map the collector needs. Any
// *probemap.Map[K, V] implements it.
type Table interface {
	Stats() probemap.Stats
	Len() int
	Capacity() int
}

// PoolSource is implemented by any *probemap.Pool[K, V].
type PoolSource interface {
	Stats() probemap.PoolStats
}

type tableSnapshot struct {
	stats    probemap.Stats
	len      int
	capacity int
}

// Collector is a prometheus.Collector exporting snapshots of tables and
// pools. Maps and pools are not goroutine-safe, so the collector never reads
// them during a scrape: the owner calls Record or RecordPool from the
// goroutine that mutates them, and Collect reports the latest snapshot.
type Collector struct {
	mu     sync.Mutex
	tables map[string]tableSnapshot
	pools  map[string]probemap.PoolStats
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns an empty Collector.
func NewCollector() *Collector {
	return &Collector{
		tables: make(map[string]tableSnapshot),
		pools:  make(map[string]probemap.PoolStats),
	}
}

// Record snapshots the counters of t under the given table name, replacing
// any previous snapshot of that name.
func (c *Collector) Record(name string, t Table) {
	s := tableSnapshot{stats: t.Stats(), len: t.Len(), capacity: t.Capacity()}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables[name] = s
}

// RecordPool snapshots the tally of p under the given pool name.
func (c *Collector) RecordPool(name string, p PoolSource) {
	s := p.Stats()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pools[name] = s
}

// Forget drops the table and pool snapshots recorded under name.
func (c *Collector) Forget(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tables, name)
	delete(c.pools, name)
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- entriesDesc
	descs <- capacityDesc
	descs <- tombstonesDesc
	descs <- insertCollisionsDesc
	descs <- searchCollisionsDesc
	descs <- recentInsertCollisionsDesc
	descs <- poolAllocsDesc
	descs <- poolReusesDesc
	descs <- poolFreesDesc
	descs <- poolFreeDesc
}

func (c *Collector) Collect(m chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, name := range sortedKeys(c.tables) {
		s := c.tables[name]
		m <- prometheus.MustNewConstMetric(entriesDesc, prometheus.GaugeValue, float64(s.len), name)
		m <- prometheus.MustNewConstMetric(capacityDesc, prometheus.GaugeValue, float64(s.capacity), name)
		m <- prometheus.MustNewConstMetric(tombstonesDesc, prometheus.GaugeValue, float64(s.stats.Tombstones), name)
		m <- prometheus.MustNewConstMetric(
			insertCollisionsDesc,
			prometheus.CounterValue,
			float64(s.stats.InsertCollisions),
			name,
		)
		m <- prometheus.MustNewConstMetric(
			searchCollisionsDesc,
			prometheus.CounterValue,
			float64(s.stats.SearchCollisions),
			name,
		)
		m <- prometheus.MustNewConstMetric(
			recentInsertCollisionsDesc,
			prometheus.GaugeValue,
			float64(s.stats.RecentInsertCollisions),
			name,
		)
	}
	for _, name := range sortedKeys(c.pools) {
		s := c.pools[name]
		m <- prometheus.MustNewConstMetric(poolAllocsDesc, prometheus.CounterValue, float64(s.Allocs), name)
		m <- prometheus.MustNewConstMetric(poolReusesDesc, prometheus.CounterValue, float64(s.Reuses), name)
		m <- prometheus.MustNewConstMetric(poolFreesDesc, prometheus.CounterValue, float64(s.Frees), name)
		m <- prometheus.MustNewConstMetric(poolFreeDesc, prometheus.GaugeValue, float64(s.Free), name)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
