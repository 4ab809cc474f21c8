// Copyright 2018 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
	"github.com/olekukonko/tablewriter"
	"github.com/pingcap-incubator/tinystore/command"
	"github.com/pingcap-incubator/tinystore/domain"
	"github.com/pingcap-incubator/tinystore/server"
	"github.com/pingcap-incubator/tinystore/store/lock"
	"github.com/pingcap-incubator/tinystore/store/mvcc"
	"github.com/pingcap-incubator/tinystore/store/txn"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type benchOptions struct {
	threads   int
	ops       int
	keys      int
	isolation string
	domain    string
	readRatio float64
}

var benchArgs benchOptions

// benchResult aggregates the outcome of every session the workers ran.
type benchResult struct {
	elapsed   time.Duration
	hist      *hdrhistogram.Histogram
	committed int64
	aborted   int64
	deadlocks int64
	conflicts int64
}

func newHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(1, 24*60*60*1000*1000, 3)
}

func (r *benchResult) merge(o *benchResult) {
	r.hist.Merge(o.hist)
	r.committed += o.committed
	r.aborted += o.aborted
	r.deadlocks += o.deadlocks
	r.conflicts += o.conflicts
}

func (r *benchResult) record(msgs []command.Message) {
	for _, m := range msgs {
		switch {
		case lock.IsDeadlock(m.Err):
			r.deadlocks++
		case lock.IsSerializableConflict(m.Err):
			r.conflicts++
		}
	}
}

func benchKey(i int) string {
	return fmt.Sprintf("key%06d", i)
}

// preload adds every benchmark key in one session that skips constraints.
func preload(ctx context.Context, srv *server.Server, opts benchOptions) error {
	cfg := srv.DefaultSessionConfig()
	cfg.DefaultDomain = opts.domain
	cfg.Mode = command.SkipConstraints | command.SkipNotifications
	s, err := srv.Begin(ctx, cfg)
	if err != nil {
		return err
	}
	cmds := make([]command.Command, 0, opts.keys)
	for i := 0; i < opts.keys; i++ {
		cmds = append(cmds, &domain.AddNode{Key: benchKey(i), Value: mvcc.String("0")})
	}
	if _, err := s.Execute(cmds...); err != nil {
		s.Close()
		return err
	}
	s.AcceptChanges()
	return s.Close()
}

func runWorker(ctx context.Context, srv *server.Server, opts benchOptions, iso txn.IsolationLevel, seed int64) *benchResult {
	r := rand.New(rand.NewSource(seed))
	res := &benchResult{hist: newHistogram()}
	cfg := srv.DefaultSessionConfig()
	cfg.Isolation = iso
	cfg.DefaultDomain = opts.domain
	cfg.Mode = command.Silent
	st := srv.Domain(opts.domain).Store

	for i := 0; i < opts.ops; i++ {
		if ctx.Err() != nil {
			return res
		}
		start := time.Now()
		s, err := srv.Begin(ctx, cfg)
		if err != nil {
			res.aborted++
			continue
		}
		key := benchKey(r.Intn(opts.keys))
		if r.Float64() < opts.readRatio {
			st.Get(s, key)
		} else {
			_, _ = s.Execute(&domain.UpdateNode{Key: key, Value: mvcc.String(fmt.Sprintf("%d-%d", seed, i))})
		}
		s.AcceptChanges()
		_ = s.Close()
		res.hist.RecordValue(time.Since(start).Microseconds())

		msgs := s.Messages()
		res.record(msgs)
		if command.HasErrors(msgs) {
			res.aborted++
		} else {
			res.committed++
		}
	}
	return res
}

func runBench(ctx context.Context, srv *server.Server, opts benchOptions) (*benchResult, error) {
	if opts.threads <= 0 || opts.keys <= 0 {
		return nil, errors.New("threads and keys must be positive")
	}
	iso := srv.DefaultSessionConfig().Isolation
	if opts.isolation != "" {
		var err error
		if iso, err = txn.ParseIsolationLevel(opts.isolation); err != nil {
			return nil, err
		}
	}
	if err := preload(ctx, srv, opts); err != nil {
		return nil, errors.Annotate(err, "preload")
	}

	total := &benchResult{hist: newHistogram()}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	start := time.Now()
	for t := 0; t < opts.threads; t++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			res := runWorker(ctx, srv, opts, iso, seed)
			mu.Lock()
			total.merge(res)
			mu.Unlock()
		}(int64(t + 1))
	}
	wg.Wait()
	total.elapsed = time.Since(start)
	return total, nil
}

func (r *benchResult) render(w io.Writer) {
	ops := float64(r.hist.TotalCount()) / r.elapsed.Seconds()
	tb := tablewriter.NewWriter(w)
	tb.SetHeader([]string{"Takes(s)", "Count", "OPS", "Avg(us)", "Min(us)", "Max(us)", "99th(us)", "99.9th(us)"})
	tb.Append([]string{
		fmt.Sprintf("%.1f", r.elapsed.Seconds()),
		fmt.Sprintf("%d", r.hist.TotalCount()),
		fmt.Sprintf("%.1f", ops),
		fmt.Sprintf("%d", int64(r.hist.Mean())),
		fmt.Sprintf("%d", r.hist.Min()),
		fmt.Sprintf("%d", r.hist.Max()),
		fmt.Sprintf("%d", r.hist.ValueAtPercentile(99)),
		fmt.Sprintf("%d", r.hist.ValueAtPercentile(99.9)),
	})
	tb.Render()

	tb = tablewriter.NewWriter(w)
	tb.SetHeader([]string{"Committed", "Aborted", "Deadlocks", "Conflicts"})
	tb.Append([]string{
		fmt.Sprintf("%d", r.committed),
		fmt.Sprintf("%d", r.aborted),
		fmt.Sprintf("%d", r.deadlocks),
		fmt.Sprintf("%d", r.conflicts),
	})
	tb.Render()
}

func newBenchCommand() *cobra.Command {
	m := &cobra.Command{
		Use:   "bench",
		Short: "Run concurrent sessions against one domain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			srv, err := server.New(cfg)
			if err != nil {
				return err
			}
			if err := srv.Start(); err != nil {
				return err
			}
			defer srv.Stop()

			res, err := runBench(globalContext, srv, benchArgs)
			if err != nil {
				return err
			}
			log.Info("bench finished",
				zap.Duration("elapsed", res.elapsed),
				zap.Int("active-sessions", srv.Sessions().Active()),
				zap.Uint64("evicted", srv.Evicted()))
			res.render(cmd.OutOrStdout())
			return nil
		},
	}
	m.Flags().IntVar(&benchArgs.threads, "threads", 8, "Number of concurrent workers")
	m.Flags().IntVar(&benchArgs.ops, "ops", 1000, "Sessions per worker")
	m.Flags().IntVar(&benchArgs.keys, "keys", 100, "Number of distinct keys")
	m.Flags().StringVar(&benchArgs.isolation, "isolation", "", "Isolation level, default from config")
	m.Flags().StringVar(&benchArgs.domain, "domain", "bench", "Domain to run against")
	m.Flags().Float64Var(&benchArgs.readRatio, "read-ratio", 0.5, "Share of read-only sessions")
	return m
}
