package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/heimdalr/dag"

	"github.com/telemetryops/tslc/pkg/engine"
	"github.com/telemetryops/tslc/pkg/policy"
	"github.com/telemetryops/tslc/pkg/scheduler"
	"github.com/telemetryops/tslc/pkg/validator"
)

var errStepCycle = errors.New("step graph has a cycle")

// step is one vertex of the orchestration graph. Mutating steps are withheld
// in dry-run; observe-only steps always execute.
type step struct {
	id       string
	mutating bool
	run      func(ctx context.Context, apply bool) (applied int, detail string, err error)
}

type stepGraph struct {
	dag   *dag.DAG
	steps map[string]*step
	seq   []string
}

func newStepGraph() *stepGraph {
	return &stepGraph{
		dag:   dag.NewDAG(),
		steps: make(map[string]*step),
	}
}

func (g *stepGraph) add(st *step, after ...string) error {
	if err := g.dag.AddVertexByID(st.id, st); err != nil {
		return fmt.Errorf("failed to add step %s: %w", st.id, err)
	}

	g.steps[st.id] = st
	g.seq = append(g.seq, st.id)

	for _, parent := range after {
		if err := g.dag.AddEdge(parent, st.id); err != nil {
			return fmt.Errorf("failed to order step %s after %s: %w", st.id, parent, err)
		}
	}

	return nil
}

// executionOrder is a deterministic topological sort: among ready steps, the
// one registered first runs first
func (g *stepGraph) executionOrder() ([]string, error) {
	indeg := make(map[string]int, len(g.seq))

	for _, id := range g.seq {
		parents, err := g.dag.GetParents(id)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve step order: %w", err)
		}

		indeg[id] = len(parents)
	}

	order := make([]string, 0, len(g.seq))
	remaining := len(g.seq)

	for remaining > 0 {
		progressed := false

		for _, id := range g.seq {
			if indeg[id] != 0 {
				continue
			}

			order = append(order, id)
			indeg[id] = -1
			remaining--
			progressed = true

			children, err := g.dag.GetChildren(id)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve step order: %w", err)
			}

			for cid := range children {
				indeg[cid]--
			}
		}

		if !progressed {
			return nil, errStepCycle
		}
	}

	return order, nil
}

//nolint:gocyclo // The graph layout is one linear declaration per step kind
func (s *service) buildSteps(m *policy.Manifest, opts Options, result *Result) (*stepGraph, error) {
	g := newStepGraph()

	precondition := &step{
		id: "preconditions",
		run: func(ctx context.Context, _ bool) (int, string, error) {
			return 0, "", s.checkPreconditions(ctx, m, opts)
		},
	}
	if err := g.add(precondition); err != nil {
		return nil, err
	}

	backup := &step{
		id: "backup",
		run: func(ctx context.Context, _ bool) (int, string, error) {
			path, err := s.backup(ctx, opts.BackupDir)
			if err != nil {
				return 0, "", err
			}

			result.BackupPath = path

			return 0, path, nil
		},
	}
	if err := g.add(backup, "preconditions"); err != nil {
		return nil, err
	}

	var tableSteps []string

	for i := range m.Tables {
		ids, err := s.buildTableSteps(g, &m.Tables[i])
		if err != nil {
			return nil, err
		}

		tableSteps = append(tableSteps, ids...)
	}

	if opts.SkipValidation || opts.DryRun {
		return g, nil
	}

	postValidate := &step{
		id: "post_validate",
		run: func(ctx context.Context, _ bool) (int, string, error) {
			report, err := s.validator.Validate(ctx, m, validator.Options{
				Environment: opts.Environment,
				Workers:     opts.Workers,
				Debug:       opts.Debug,
			})
			if err != nil {
				return 0, "", fmt.Errorf("%w: %w", ErrValidationMismatch, err)
			}

			result.Validation = report

			if err := report.Err(); err != nil {
				return 0, "", fmt.Errorf("%w: %w", ErrValidationMismatch, err)
			}

			return 0, fmt.Sprintf("%d checks passed", report.Passed), nil
		},
	}
	if err := g.add(postValidate, tableSteps...); err != nil {
		return nil, err
	}

	return g, nil
}

// buildTableSteps declares the per-hypertable subgraph: the table itself, then
// compression before retention, with indexes and aggregates fanning out from
// the table
func (s *service) buildTableSteps(g *stepGraph, t *policy.TableManifest) ([]string, error) {
	prefix := t.Name + "/"
	var ids []string

	add := func(st *step, after ...string) error {
		if err := g.add(st, after...); err != nil {
			return err
		}

		ids = append(ids, st.id)

		return nil
	}

	tableID := prefix + "hypertable"
	if err := add(s.stepHypertable(tableID, t), "backup"); err != nil {
		return nil, err
	}

	retentionAfter := tableID

	if t.Compression != nil {
		compID := prefix + "compression"
		if err := add(s.stepCompression(compID, t), tableID); err != nil {
			return nil, err
		}

		if err := add(s.stepCompressionJob(prefix+"compression_job", t), compID); err != nil {
			return nil, err
		}

		retentionAfter = compID
	}

	if t.Retention != nil {
		retID := prefix + "retention"
		if err := add(s.stepRetention(retID, t), retentionAfter); err != nil {
			return nil, err
		}

		if err := add(s.stepRetentionJob(prefix+"retention_job", t), retID); err != nil {
			return nil, err
		}
	}

	if len(t.Indexes) > 0 {
		if err := add(s.stepIndexes(prefix+"indexes", t), tableID); err != nil {
			return nil, err
		}
	}

	if len(t.Aggregates) > 0 {
		if err := add(s.stepAggregates(prefix+"aggregates", t), tableID); err != nil {
			return nil, err
		}
	}

	return ids, nil
}

// checkPreconditions verifies the run can proceed without mutating anything:
// engine reachable, storage headroom, and no conflicting live policies unless
// overwrite was requested
func (s *service) checkPreconditions(ctx context.Context, m *policy.Manifest, opts Options) error {
	if err := s.engine.Ping(ctx); err != nil {
		return fmt.Errorf("%w: engine unreachable: %w", ErrPreconditionFailed, err)
	}

	rec := opts.Environment.Recommended()

	free, err := s.engine.StorageFree(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to check storage headroom: %w", ErrPreconditionFailed, err)
	}

	if free < rec.StorageHeadroomBytes {
		return fmt.Errorf("%w: insufficient storage headroom: %d bytes free, %d required for %s",
			ErrPreconditionFailed, free, rec.StorageHeadroomBytes, opts.Environment)
	}

	if opts.Overwrite {
		return nil
	}

	for i := range m.Tables {
		t := &m.Tables[i]

		if t.Compression != nil {
			live, err := s.engine.GetCompressionPolicy(ctx, t.Name)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrPreconditionFailed, err)
			}

			if live != nil && !reflect.DeepEqual(live, t.Compression) {
				return fmt.Errorf("%w: hypertable %s has a conflicting compression policy (use overwrite to replace)",
					ErrPreconditionFailed, t.Name)
			}
		}

		if t.Retention != nil {
			live, err := s.engine.GetRetentionPolicy(ctx, t.Name)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrPreconditionFailed, err)
			}

			if live != nil && !reflect.DeepEqual(live, t.Retention) {
				return fmt.Errorf("%w: hypertable %s has a conflicting retention policy (use overwrite to replace)",
					ErrPreconditionFailed, t.Name)
			}
		}
	}

	return nil
}

func (s *service) stepHypertable(id string, t *policy.TableManifest) *step {
	return &step{
		id:       id,
		mutating: true,
		run: func(ctx context.Context, apply bool) (int, string, error) {
			live, err := s.engine.GetHypertable(ctx, t.Name)

			switch {
			case errors.Is(err, engine.ErrHypertableNotFound):
				if !apply {
					return 1, fmt.Sprintf("would create hypertable with %s chunks", t.ChunkInterval), nil
				}

				if _, err := s.engine.CreateHypertable(ctx, t.HypertableSpec); err != nil {
					return 0, "", stepFailed(id, err)
				}

				return 1, "created", nil

			case err != nil:
				return 0, "", stepFailed(id, err)
			}

			// Columns are append-only history; a differing set needs a manual
			// migration, not an orchestrator overwrite
			if !reflect.DeepEqual(live.Columns, t.Columns) {
				return 0, "", stepFailed(id, errors.New("live column set differs from manifest; manual migration required"))
			}

			if live.ChunkInterval == t.ChunkInterval {
				return 0, "up to date", nil
			}

			if !apply {
				return 1, fmt.Sprintf("would set chunk interval %s -> %s", live.ChunkInterval, t.ChunkInterval), nil
			}

			if _, err := s.engine.SetChunkInterval(ctx, t.Name, t.ChunkInterval); err != nil {
				return 0, "", stepFailed(id, err)
			}

			return 1, fmt.Sprintf("chunk interval set to %s", t.ChunkInterval), nil
		},
	}
}

func (s *service) stepCompression(id string, t *policy.TableManifest) *step {
	return &step{
		id:       id,
		mutating: true,
		run: func(ctx context.Context, apply bool) (int, string, error) {
			live, err := s.engine.GetCompressionPolicy(ctx, t.Name)
			if err != nil {
				return 0, "", stepFailed(id, err)
			}

			if live != nil && reflect.DeepEqual(live, t.Compression) {
				return 0, "up to date", nil
			}

			if !apply {
				return 1, fmt.Sprintf("would enable compression (segment by %v, order by %s, after %s)",
					t.Compression.SegmentBy, policy.OrderByString(t.Compression.OrderBy), t.Compression.CompressAfter), nil
			}

			changed, err := s.engine.SetCompressionPolicy(ctx, *t.Compression)
			if err != nil {
				return 0, "", stepFailed(id, err)
			}

			return boolToInt(changed), "compression policy applied", nil
		},
	}
}

func (s *service) stepRetention(id string, t *policy.TableManifest) *step {
	return &step{
		id:       id,
		mutating: true,
		run: func(ctx context.Context, apply bool) (int, string, error) {
			live, err := s.engine.GetRetentionPolicy(ctx, t.Name)
			if err != nil {
				return 0, "", stepFailed(id, err)
			}

			if live != nil && reflect.DeepEqual(live, t.Retention) {
				return 0, "up to date", nil
			}

			if !apply {
				return 1, fmt.Sprintf("would set retention policy (drop after %s)", t.Retention.DropAfter), nil
			}

			changed, err := s.engine.SetRetentionPolicy(ctx, *t.Retention)
			if err != nil {
				return 0, "", stepFailed(id, err)
			}

			return boolToInt(changed), "retention policy applied", nil
		},
	}
}

// stepCompressionJob verifies the stored policy carries the manifest's job
// schedule. The scheduler derives its job set from stored policies, so a
// matching schedule is the job registration. Marked mutating so dry-run
// withholds the check; the schedule only lands when the policy step applies.
func (s *service) stepCompressionJob(id string, t *policy.TableManifest) *step {
	return &step{
		id:       id,
		mutating: true,
		run: func(ctx context.Context, apply bool) (int, string, error) {
			jobID := scheduler.JobID(t.Name, policy.KindCompression, "")

			if !apply {
				return 0, fmt.Sprintf("job %s binds when the policy applies", jobID), nil
			}

			live, err := s.engine.GetCompressionPolicy(ctx, t.Name)
			if err != nil {
				return 0, "", stepFailed(id, err)
			}

			if live == nil || live.Schedule != t.Compression.Schedule {
				return 0, "", stepFailed(id, fmt.Errorf("job %s is not bound to the manifest schedule", jobID))
			}

			return 0, fmt.Sprintf("job %s bound every %s", jobID, live.Schedule.ScheduleInterval), nil
		},
	}
}

func (s *service) stepRetentionJob(id string, t *policy.TableManifest) *step {
	return &step{
		id:       id,
		mutating: true,
		run: func(ctx context.Context, apply bool) (int, string, error) {
			jobID := scheduler.JobID(t.Name, policy.KindRetention, "")

			if !apply {
				return 0, fmt.Sprintf("job %s binds when the policy applies", jobID), nil
			}

			live, err := s.engine.GetRetentionPolicy(ctx, t.Name)
			if err != nil {
				return 0, "", stepFailed(id, err)
			}

			if live == nil || live.Schedule != t.Retention.Schedule {
				return 0, "", stepFailed(id, fmt.Errorf("job %s is not bound to the manifest schedule", jobID))
			}

			return 0, fmt.Sprintf("job %s bound every %s", jobID, live.Schedule.ScheduleInterval), nil
		},
	}
}

func (s *service) stepIndexes(id string, t *policy.TableManifest) *step {
	return &step{
		id:       id,
		mutating: true,
		run: func(ctx context.Context, apply bool) (int, string, error) {
			live, err := s.engine.ListIndexes(ctx, t.Name)
			if err != nil {
				return 0, "", stepFailed(id, err)
			}

			byName := make(map[string]policy.IndexSpec, len(live))
			for _, idx := range live {
				byName[idx.Name] = idx
			}

			var missing []policy.IndexSpec

			for _, want := range t.Indexes {
				got, ok := byName[want.Name]
				if !ok {
					missing = append(missing, want)

					continue
				}

				if !reflect.DeepEqual(got.Columns, want.Columns) || got.Predicate != want.Predicate {
					return 0, "", stepFailed(id, fmt.Errorf("index %s exists with a different definition", want.Name))
				}
			}

			if len(missing) == 0 {
				return 0, "up to date", nil
			}

			if !apply {
				names := make([]string, 0, len(missing))
				for _, idx := range missing {
					names = append(names, idx.Name)
				}

				return len(missing), fmt.Sprintf("would create indexes %v", names), nil
			}

			applied := 0

			for _, idx := range missing {
				created, err := s.engine.CreateIndex(ctx, idx)
				if err != nil {
					return applied, "", stepFailed(id, err)
				}

				applied += boolToInt(created)
			}

			return applied, fmt.Sprintf("%d indexes created", applied), nil
		},
	}
}

func (s *service) stepAggregates(id string, t *policy.TableManifest) *step {
	return &step{
		id:       id,
		mutating: true,
		run: func(ctx context.Context, apply bool) (int, string, error) {
			live, err := s.engine.ListAggregates(ctx, t.Name)
			if err != nil {
				return 0, "", stepFailed(id, err)
			}

			byName := make(map[string]policy.AggregateSpec, len(live))
			for _, agg := range live {
				byName[agg.Name] = agg
			}

			var missing []*policy.AggregateSpec

			for i := range t.Aggregates {
				want := &t.Aggregates[i]

				got, ok := byName[want.Name]
				if !ok {
					missing = append(missing, want)

					continue
				}

				// A live aggregate cannot be altered in place; its
				// materialized buckets would no longer match its definition
				if !reflect.DeepEqual(got, *want) {
					return 0, "", stepFailed(id, fmt.Errorf("aggregate %s exists with a different definition", want.Name))
				}
			}

			if len(missing) == 0 {
				return 0, "up to date", nil
			}

			if !apply {
				names := make([]string, 0, len(missing))
				for _, agg := range missing {
					names = append(names, agg.Name)
				}

				return len(missing), fmt.Sprintf("would create aggregates %v with refresh jobs", names), nil
			}

			applied := 0

			for _, agg := range missing {
				created, err := s.engine.CreateAggregate(ctx, *agg)
				if err != nil {
					return applied, "", stepFailed(id, err)
				}

				applied += boolToInt(created)
			}

			return applied, fmt.Sprintf("%d aggregates created", applied), nil
		},
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
