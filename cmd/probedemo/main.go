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

// Command probedemo loads a word list into a probemap table, counting
// occurrences, and prints the table's statistics.
package main

import (
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const defaultText = "The quick brown fox jumps over the lazy dog"

func main() {
	app := kingpin.New("probedemo", "Exercise a probemap table with a word list and print its statistics.")
	var cfg config
	app.Flag("words.file", "File of whitespace separated words. Defaults to a pangram.").
		ExistingFileVar(&cfg.wordsFile)
	app.Flag("probing", "Probe sequence used by the table.").
		Default("perturbed").EnumVar(&cfg.probing, "perturbed", "linear")
	app.Flag("remove", "Fraction of the distinct words to delete before shrinking.").
		Default("0").Float64Var(&cfg.remove)
	app.Flag("rounds", "Number of times to build the table from a pool.").
		Default("1").IntVar(&cfg.rounds)
	app.Flag("pool.size", "Bound of the table pool's free list.").
		Default("16").IntVar(&cfg.poolSize)
	app.Flag("top", "Number of most frequent words to print.").
		Default("5").IntVar(&cfg.top)
	app.Flag("debug", "Print every slot of the table.").BoolVar(&cfg.debug)
	app.Flag("metrics", "Print the table metrics in the Prometheus text format.").BoolVar(&cfg.metrics)
	logLevel := app.Flag("log.level", "Only log messages with the given severity or above.").
		Default("info").Enum("debug", "info", "warn", "error")

	kingpin.MustParse(app.Parse(os.Args[1:]))

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = level.NewFilter(logger, levelOption(*logLevel))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	if err := run(cfg, logger, os.Stdout); err != nil {
		level.Error(logger).Log("msg", "probedemo failed", "err", err)
		os.Exit(1)
	}
}

func levelOption(s string) level.Option {
	switch s {
	case "debug":
		return level.AllowDebug()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	default:
		return level.AllowInfo()
	}
}
