// Package runlog records patch run reports, either in SQLite (patch_runs,
// patch_run_rules) or as JSON lines on a writer. Both types implement
// patch.Sink.
package runlog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/uipatch/dbopen"
	"github.com/hazyhaar/uipatch/kit"
	"github.com/hazyhaar/uipatch/patch"
)

// Schema for the run log tables.
const Schema = `
CREATE TABLE IF NOT EXISTS patch_runs (
	run_id      TEXT PRIMARY KEY,
	set_name    TEXT NOT NULL,
	source      TEXT NOT NULL DEFAULT '',
	started_at  INTEGER NOT NULL,
	duration_us INTEGER NOT NULL,
	skipped     INTEGER NOT NULL DEFAULT 0,
	applied     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_patch_runs_started ON patch_runs(started_at);

CREATE TABLE IF NOT EXISTS patch_run_rules (
	run_id  TEXT NOT NULL REFERENCES patch_runs(run_id) ON DELETE CASCADE,
	seq     INTEGER NOT NULL,
	rule    TEXT NOT NULL,
	action  TEXT NOT NULL,
	matched INTEGER NOT NULL,
	applied INTEGER NOT NULL,
	guarded INTEGER NOT NULL,
	failed  INTEGER NOT NULL,
	PRIMARY KEY (run_id, seq)
);
`

// Store writes reports to SQLite. Each row is tagged with the transport
// found on the context (http, mcp, cli, live).
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore returns a Store over db.
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// Record implements patch.Sink. Write failures are logged, never returned:
// the run log must not affect patching.
func (s *Store) Record(ctx context.Context, rep patch.Report) {
	if err := s.Save(ctx, rep); err != nil {
		s.logger.Warn("runlog: record failed", "run_id", rep.RunID, "error", err)
	}
}

// Save inserts one report.
func (s *Store) Save(ctx context.Context, rep patch.Report) error {
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO patch_runs (run_id, set_name, source, started_at, duration_us, skipped, applied)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, rep.RunID, rep.Set, kit.GetTransport(ctx), rep.Started.UnixMicro(), rep.Duration.Microseconds(),
			boolInt(rep.Skipped), rep.Applied()); err != nil {
			return fmt.Errorf("runlog: insert run: %w", err)
		}
		for i, rr := range rep.Rules {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO patch_run_rules (run_id, seq, rule, action, matched, applied, guarded, failed)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`, rep.RunID, i, rr.Rule, string(rr.Action), rr.Matched, rr.Applied,
				boolInt(rr.Guarded), rr.Failed); err != nil {
				return fmt.Errorf("runlog: insert rule %s: %w", rr.Rule, err)
			}
		}
		return nil
	})
}

// Recent returns the latest runs, newest first, rule reports included.
func (s *Store) Recent(ctx context.Context, limit int) ([]patch.Report, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, set_name, started_at, duration_us, skipped
		FROM patch_runs
		ORDER BY started_at DESC, run_id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("runlog: query runs: %w", err)
	}
	defer rows.Close()

	var reps []patch.Report
	for rows.Next() {
		var (
			rep              patch.Report
			startedUs, durUs int64
			skipped          int
		)
		if err := rows.Scan(&rep.RunID, &rep.Set, &startedUs, &durUs, &skipped); err != nil {
			return nil, fmt.Errorf("runlog: scan run: %w", err)
		}
		rep.Started = time.UnixMicro(startedUs).UTC()
		rep.Duration = time.Duration(durUs) * time.Microsecond
		rep.Skipped = skipped != 0
		reps = append(reps, rep)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range reps {
		if reps[i].Rules, err = s.rules(ctx, reps[i].RunID); err != nil {
			return nil, err
		}
	}
	return reps, nil
}

func (s *Store) rules(ctx context.Context, runID string) ([]patch.RuleReport, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rule, action, matched, applied, guarded, failed
		FROM patch_run_rules WHERE run_id = ? ORDER BY seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("runlog: query rules: %w", err)
	}
	defer rows.Close()

	var out []patch.RuleReport
	for rows.Next() {
		var rr patch.RuleReport
		var action string
		var guarded int
		if err := rows.Scan(&rr.Rule, &action, &rr.Matched, &rr.Applied, &guarded, &rr.Failed); err != nil {
			return nil, fmt.Errorf("runlog: scan rule: %w", err)
		}
		rr.Action = patch.Action(action)
		rr.Guarded = guarded != 0
		out = append(out, rr)
	}
	return out, rows.Err()
}

// Prune deletes runs started before cutoff and returns how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM patch_runs WHERE started_at < ?`, cutoff.UnixMicro())
	if err != nil {
		return 0, fmt.Errorf("runlog: prune: %w", err)
	}
	return res.RowsAffected()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
