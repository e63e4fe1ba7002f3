package patchconf

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hazyhaar/uipatch/dbopen"
	"github.com/hazyhaar/uipatch/patch"
)

// Schema for the patch_sets and patch_rules tables. Rules run in seq order
// within their set; sets load in seq order too.
const Schema = `
CREATE TABLE IF NOT EXISTS patch_sets (
	name       TEXT PRIMARY KEY,
	seq        INTEGER NOT NULL DEFAULT 0,
	paths      TEXT NOT NULL DEFAULT '[]',
	status     TEXT NOT NULL DEFAULT 'active',
	updated_at INTEGER NOT NULL DEFAULT (unixepoch())
);

CREATE TABLE IF NOT EXISTS patch_rules (
	set_name   TEXT NOT NULL REFERENCES patch_sets(name) ON DELETE CASCADE,
	seq        INTEGER NOT NULL,
	name       TEXT NOT NULL,
	action     TEXT NOT NULL,
	target     TEXT NOT NULL,
	markup     TEXT NOT NULL DEFAULT '',
	position   TEXT NOT NULL DEFAULT '',
	guard      TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (set_name, name)
);
CREATE INDEX IF NOT EXISTS idx_patch_rules_seq ON patch_rules(set_name, seq);
`

// LoadSets reads every active set and its rules from the database.
// Matchers are stored as JSON objects with the Matcher field names.
func LoadSets(ctx context.Context, db *sql.DB) ([]SetConfig, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT name, paths FROM patch_sets
		WHERE status = 'active'
		ORDER BY seq, name
	`)
	if err != nil {
		return nil, fmt.Errorf("patchconf: query sets: %w", err)
	}
	defer rows.Close()

	var sets []SetConfig
	for rows.Next() {
		var s SetConfig
		var pathsJSON string
		if err := rows.Scan(&s.Name, &pathsJSON); err != nil {
			return nil, fmt.Errorf("patchconf: scan set: %w", err)
		}
		if err := json.Unmarshal([]byte(pathsJSON), &s.Paths); err != nil {
			return nil, fmt.Errorf("patchconf: set %s: paths: %w", s.Name, err)
		}
		sets = append(sets, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range sets {
		rules, err := loadRules(ctx, db, sets[i].Name)
		if err != nil {
			return nil, err
		}
		sets[i].Rules = rules
	}
	return sets, nil
}

func loadRules(ctx context.Context, db *sql.DB, set string) ([]patch.Rule, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT name, action, target, markup, position, guard
		FROM patch_rules
		WHERE set_name = ?
		ORDER BY seq
	`, set)
	if err != nil {
		return nil, fmt.Errorf("patchconf: query rules: %w", err)
	}
	defer rows.Close()

	var rules []patch.Rule
	for rows.Next() {
		var r patch.Rule
		var action, position, targetJSON, guardJSON string
		if err := rows.Scan(&r.Name, &action, &targetJSON, &r.Markup, &position, &guardJSON); err != nil {
			return nil, fmt.Errorf("patchconf: scan rule: %w", err)
		}
		r.Action = patch.Action(action)
		r.Position = patch.Position(position)
		if err := json.Unmarshal([]byte(targetJSON), &r.Target); err != nil {
			return nil, fmt.Errorf("patchconf: set %s: rule %s: target: %w", set, r.Name, err)
		}
		if err := json.Unmarshal([]byte(guardJSON), &r.Guard); err != nil {
			return nil, fmt.Errorf("patchconf: set %s: rule %s: guard: %w", set, r.Name, err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// SaveSet replaces a set and its rules in one transaction.
func SaveSet(ctx context.Context, db *sql.DB, seq int, s SetConfig) error {
	paths, err := json.Marshal(nonNil(s.Paths))
	if err != nil {
		return err
	}
	return dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO patch_sets (name, seq, paths, status, updated_at)
			VALUES (?, ?, ?, 'active', unixepoch())
			ON CONFLICT(name) DO UPDATE SET seq = excluded.seq, paths = excluded.paths,
				status = 'active', updated_at = excluded.updated_at
		`, s.Name, seq, string(paths)); err != nil {
			return fmt.Errorf("patchconf: upsert set %s: %w", s.Name, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM patch_rules WHERE set_name = ?`, s.Name); err != nil {
			return fmt.Errorf("patchconf: clear rules %s: %w", s.Name, err)
		}
		for i, r := range s.Rules {
			target, err := json.Marshal(r.Target)
			if err != nil {
				return err
			}
			guard, err := json.Marshal(r.Guard)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO patch_rules (set_name, seq, name, action, target, markup, position, guard)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`, s.Name, i, r.Name, string(r.Action), string(target), r.Markup, string(r.Position), string(guard)); err != nil {
				return fmt.Errorf("patchconf: insert rule %s/%s: %w", s.Name, r.Name, err)
			}
		}
		return nil
	})
}

// Load compiles the built-in sets named by cfg, then the sets declared in
// the file, then the active sets stored in db. db may be nil.
func Load(ctx context.Context, cfg *Config, db *sql.DB) ([]*patch.Set, error) {
	var decls []SetConfig
	for _, name := range cfg.Builtin {
		s, err := Builtin(name)
		if err != nil {
			return nil, err
		}
		decls = append(decls, s)
	}
	decls = append(decls, cfg.Sets...)
	if db != nil {
		stored, err := LoadSets(ctx, db)
		if err != nil {
			return nil, err
		}
		decls = append(decls, stored...)
	}
	return Compile(decls)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
