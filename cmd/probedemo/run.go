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

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/cockroachdb/probemap"
	"github.com/cockroachdb/probemap/probemetrics"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

type config struct {
	wordsFile string
	probing   string
	remove    float64
	rounds    int
	poolSize  int
	top       int
	debug     bool
	metrics   bool
}

func (cfg config) validate() error {
	if cfg.remove < 0 || cfg.remove > 1 {
		return errors.Errorf("--remove must be in [0, 1], got %g", cfg.remove)
	}
	if cfg.rounds < 1 {
		return errors.Errorf("--rounds must be positive, got %d", cfg.rounds)
	}
	return nil
}

func parseProbing(s string) (probemap.Probing, error) {
	switch s {
	case "perturbed", "":
		return probemap.ProbePerturbed, nil
	case "linear":
		return probemap.ProbeLinear, nil
	default:
		return 0, errors.Errorf("unknown probing %q", s)
	}
}

func run(cfg config, logger log.Logger, out io.Writer) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	probing, err := parseProbing(cfg.probing)
	if err != nil {
		return err
	}
	words, err := loadWords(cfg.wordsFile)
	if err != nil {
		return err
	}
	level.Info(logger).Log("msg", "loaded words", "words", len(words), "probing", probing)

	pool := probemap.NewPool[string, int](cfg.poolSize, probemap.WithPoolLogger(logger))
	defer pool.Close()

	var m *probemap.Map[string, int]
	for round := 0; round < cfg.rounds; round++ {
		if m != nil {
			if err := pool.Put(m); err != nil {
				return err
			}
		}
		m = pool.Get(
			probemap.WithHasher[string, int](probemap.StringHasher{}),
			probemap.WithProbing[string, int](probing),
		)
		if err := countWords(m, words); err != nil {
			return err
		}
		level.Debug(logger).Log("msg", "built table", "round", round,
			"entries", m.Len(), "capacity", m.Capacity())
	}

	if err := removeWords(m, cfg.remove, logger); err != nil {
		return err
	}

	writeStats(out, m, pool.Stats())
	writeTop(out, m, cfg.top)
	if cfg.debug {
		if err := writeSlots(out, m); err != nil {
			return err
		}
	}
	if cfg.metrics {
		c := probemetrics.NewCollector()
		c.Record("words", m)
		c.RecordPool("words", pool)
		if err := writeMetrics(out, c); err != nil {
			return err
		}
	}
	return pool.Put(m)
}

// loadWords returns the whitespace separated words of the named file, or of
// defaultText if name is empty.
func loadWords(name string) ([]string, error) {
	var r io.Reader = strings.NewReader(defaultText)
	if name != "" {
		f, err := os.Open(name)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open word list")
		}
		defer func() { _ = f.Close() }()
		r = f
	}

	var words []string
	scanner := bufio.NewScanner(r)
	scanner.Split(bufio.ScanWords)
	for scanner.Scan() {
		words = append(words, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", name)
	}
	return words, nil
}

func countWords(m *probemap.Map[string, int], words []string) error {
	for _, w := range words {
		n, _ := m.Get(w)
		if err := m.Upsert(w, n+1); err != nil {
			return errors.Wrapf(err, "failed to count %q", w)
		}
	}
	return nil
}

// removeWords deletes the given fraction of the distinct words, in slot
// order, and then shrinks the table as far as it will go.
func removeWords(m *probemap.Map[string, int], fraction float64, logger log.Logger) error {
	n := int(fraction * float64(m.Len()))
	if n == 0 {
		return nil
	}
	victims := make([]string, 0, n)
	for cursor := 0; len(victims) < n; {
		w, _, next, err := m.Next(cursor)
		if errors.Is(err, probemap.Done) {
			break
		} else if err != nil {
			return err
		}
		victims = append(victims, w)
		cursor = next
	}
	for _, w := range victims {
		if err := m.Delete(w); err != nil {
			return errors.Wrapf(err, "failed to delete %q", w)
		}
	}

	before := m.Capacity()
	for m.Shrink() == nil {
	}
	level.Debug(logger).Log("msg", "removed words", "removed", len(victims),
		"capacity_before", before, "capacity_after", m.Capacity())
	return nil
}

func writeStats(w io.Writer, m *probemap.Map[string, int], ps probemap.PoolStats) {
	s := m.Stats()
	fmt.Fprintf(w, "Table:\n")
	fmt.Fprintf(w, "\tentries: %s, capacity: %s, load: %.1f%%, tombstones: %s\n",
		humanize.Comma(int64(m.Len())),
		humanize.Comma(int64(m.Capacity())),
		100*float64(m.Len())/float64(m.Capacity()),
		humanize.Comma(int64(s.Tombstones)),
	)
	fmt.Fprintf(w, "\tcollisions: insert %s, search %s, insert since resize %s\n",
		humanize.Comma(int64(s.InsertCollisions)),
		humanize.Comma(int64(s.SearchCollisions)),
		humanize.Comma(int64(s.RecentInsertCollisions)),
	)
	fmt.Fprintf(w, "Pool:\n")
	fmt.Fprintf(w, "\tallocs: %s, reuses: %s, frees: %s, free: %d\n",
		humanize.Comma(int64(ps.Allocs)),
		humanize.Comma(int64(ps.Reuses)),
		humanize.Comma(int64(ps.Frees)),
		ps.Free,
	)
}

type wordCount struct {
	word  string
	count int
}

func writeTop(w io.Writer, m *probemap.Map[string, int], top int) {
	if top <= 0 {
		return
	}
	counts := make([]wordCount, 0, m.Len())
	m.All(func(word string, count int) bool {
		counts = append(counts, wordCount{word, count})
		return true
	})
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].count != counts[j].count {
			return counts[i].count > counts[j].count
		}
		return counts[i].word < counts[j].word
	})
	if len(counts) > top {
		counts = counts[:top]
	}
	fmt.Fprintf(w, "Top words:\n")
	for _, c := range counts {
		fmt.Fprintf(w, "\t%s: %s\n", c.word, humanize.Comma(int64(c.count)))
	}
}

// writeSlots lists every entry with the slot it occupies.
func writeSlots(w io.Writer, m *probemap.Map[string, int]) error {
	fmt.Fprintf(w, "Slots:\n")
	for cursor := 0; ; {
		word, count, next, err := m.Next(cursor)
		if errors.Is(err, probemap.Done) {
			return nil
		} else if err != nil {
			return err
		}
		fmt.Fprintf(w, "\t%4d: %s=%d\n", next-1, word, count)
		cursor = next
	}
}

func writeMetrics(w io.Writer, c prometheus.Collector) error {
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		return err
	}
	families, err := reg.Gather()
	if err != nil {
		return errors.Wrap(err, "failed to gather metrics")
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
