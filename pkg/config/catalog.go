package config

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// Catalog adapts a parsed *Config plus the metadata database into
// job.WorkerCatalog and job.FamilyCatalog (pkg/job is not imported here
// to avoid a cycle — Go's structural typing makes the interfaces match
// without it). Worker enable/disable state starts from the config file's
// per-worker overrides but is mutated at runtime by DisableWorker/
// RemoveWorker, the way a running controller actually evolves worker
// membership; family-to-database membership is read live from the
// database_family_member table pkg/replica.Store already queries against,
// since the config file itself only lists database families by name, not
// their member databases.
type Catalog struct {
	cfg *Config
	db  *sql.DB

	mu       sync.Mutex
	disabled map[string]bool
	removed  map[string]bool
}

// NewCatalog returns a Catalog over cfg's worker list and db's
// database_family_member table.
func NewCatalog(cfg *Config, db *sql.DB) *Catalog {
	disabled := make(map[string]bool)
	for name, override := range cfg.Workers {
		if override.IsEnabled != nil && !*override.IsEnabled {
			disabled[name] = true
		}
	}
	return &Catalog{cfg: cfg, db: db, disabled: disabled, removed: make(map[string]bool)}
}

// EnabledWorkers returns every configured worker not currently disabled
// or removed.
func (c *Catalog) EnabledWorkers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []string
	for _, name := range Fields(c.cfg.Common.Workers) {
		if c.disabled[name] || c.removed[name] {
			continue
		}
		out = append(out, name)
	}
	return out
}

// DisableWorker marks worker as disabled: it drops out of
// EnabledWorkers but stays known to the catalog (spec.md's "Close"
// lifecycle point before a full DeleteWorkerJob retirement).
func (c *Catalog) DisableWorker(worker string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disabled[worker] = true
}

// RemoveWorker retires worker entirely; it no longer appears in
// EnabledWorkers even if re-enabled would otherwise apply.
func (c *Catalog) RemoveWorker(worker string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed[worker] = true
}

// DatabasesInFamily returns the databases registered under family via
// the database_family_member table.
func (c *Catalog) DatabasesInFamily(family string) ([]string, error) {
	rows, err := c.db.QueryContext(context.Background(),
		"SELECT database_name FROM database_family_member WHERE family=?", family)
	if err != nil {
		return nil, fmt.Errorf("config: query family members: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("config: scan family member: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// MinReplicationLevel returns the configured minimum replication level
// for family, per Family.MinReplicationLevel.
func (c *Catalog) MinReplicationLevel(family string) int {
	return c.cfg.Families[family].MinReplicationLevel()
}
