// SPDX-License-Identifier: Apache-2.0

// Package index is the index kernel: a fixed-size worker pool that runs
// CREATE INDEX CONCURRENTLY statements for every table whose data load
// has already completed, collecting UNIQUE index specs for the schema
// orchestrator's later PRIMARY KEY promotion.
package index

import (
	"context"
	"fmt"
	"sync"

	"github.com/lib/pq"

	"github.com/pgbulk/pgbulk/pkg/db"
	"github.com/pgbulk/pgbulk/pkg/plog"
	"github.com/pgbulk/pgbulk/pkg/schema"
	"github.com/pgbulk/pgbulk/pkg/stats"
)

// Label is the stats label every index build is timed and counted under.
const Label = "Create Indexes"

// Job is one CREATE INDEX request, submitted once its table's pipeline
// has finished loading rows.
type Job struct {
	Table *schema.TableSpec
	Index *schema.IndexSpec
}

// Kernel runs a fixed-size pool of workers against a channel of Jobs. A
// failed build is logged and counted under Label but never aborts the
// pool.
type Kernel struct {
	Workers  int
	Uniquify bool
	Logger   plog.Logger
	Stats    *stats.Stats

	mu      sync.Mutex
	uniques []*schema.IndexSpec
}

// New returns a Kernel with workers pool slots (floored at 1 by
// internal/defaults.IndexWorkers before being passed here). A nil logger
// or stats collector is replaced with a no-op/fresh one.
func New(workers int, uniquify bool, logger plog.Logger, st *stats.Stats) *Kernel {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = plog.NewNoop()
	}
	if st == nil {
		st = stats.New()
	}
	return &Kernel{Workers: workers, Uniquify: uniquify, Logger: logger, Stats: st}
}

// Run opens one Session per worker against spec and drains jobs until the
// caller closes it, then returns once every submitted job has terminated.
// No index build begins before its job is submitted, so callers must not
// submit a table's jobs until that table's writer has returned.
func (k *Kernel) Run(ctx context.Context, spec schema.ConnectionSpec, settings []db.Setting, jobs <-chan *Job) {
	var wg sync.WaitGroup
	for i := 0; i < k.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k.worker(ctx, spec, settings, jobs)
		}()
	}
	wg.Wait()
}

// Uniques returns every UNIQUE index whose CREATE INDEX succeeded, for
// the schema orchestrator's completion-phase PRIMARY KEY promotion.
func (k *Kernel) Uniques() []*schema.IndexSpec {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]*schema.IndexSpec, len(k.uniques))
	copy(out, k.uniques)
	return out
}

func (k *Kernel) worker(ctx context.Context, spec schema.ConnectionSpec, settings []db.Setting, jobs <-chan *Job) {
	s, err := db.Open(ctx, spec, settings)
	if err != nil {
		for job := range jobs {
			k.reportFailure(job, err)
		}
		return
	}
	defer s.Close()

	for job := range jobs {
		k.build(ctx, s, job)
	}
}

func (k *Kernel) build(ctx context.Context, s *db.Session, job *Job) {
	name := k.indexName(job.Index)
	table := job.Table.QualifiedName()

	k.Logger.LogIndexBuildStart(table, name)

	stmt := k.statement(job, name)
	if _, err := s.ExecTimed(ctx, Label, stmt, k.Stats); err != nil {
		k.Logger.LogIndexBuildFailed(table, name, err)
		return
	}

	k.Logger.LogIndexBuildComplete(table, name)
	if job.Index.Unique {
		k.mu.Lock()
		k.uniques = append(k.uniques, job.Index)
		k.mu.Unlock()
	}
}

func (k *Kernel) reportFailure(job *Job, err error) {
	k.Logger.LogIndexBuildFailed(job.Table.QualifiedName(), k.indexName(job.Index), err)
	k.Stats.Incr(Label, stats.Errs, 1)
}

// indexName applies uniquify/preserve naming: uniquify suffixes with the
// owning table's oid, preserve uses the name verbatim and lets a
// collision surface as a database error.
func (k *Kernel) indexName(idx *schema.IndexSpec) string {
	if k.Uniquify {
		return idx.UniquifiedName()
	}
	return idx.Name
}

// statement builds the CREATE [UNIQUE] INDEX CONCURRENTLY statement for
// job, reusing the owning table's IndexSpec.SQL column/using/predicate
// clause verbatim.
func (k *Kernel) statement(job *Job, name string) string {
	stmtFmt := "CREATE INDEX CONCURRENTLY %s ON %s %s"
	if job.Index.Unique {
		stmtFmt = "CREATE UNIQUE INDEX CONCURRENTLY %s ON %s %s"
	}
	return fmt.Sprintf(stmtFmt, pq.QuoteIdentifier(name), job.Table.QualifiedName(), job.Index.SQL)
}
