package sqlite

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the Keystone store (SQLite).
var Migrations = migrate.NewGroup("keystone")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_keystone_clusters",
			Version: "20260301000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS keystone_clusters (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    enabled     INTEGER NOT NULL DEFAULT 1,
    weights     TEXT NOT NULL DEFAULT '{}',
    metadata    TEXT NOT NULL DEFAULT '{}',
    created_at  TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at  TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_keystone_clusters_name ON keystone_clusters (name);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS keystone_clusters`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_keystone_teams",
			Version: "20260301000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS keystone_teams (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    members    TEXT NOT NULL DEFAULT '[]',
    metadata   TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_keystone_teams_name ON keystone_teams (name);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS keystone_teams`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_keystone_requests",
			Version: "20260301000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS keystone_requests (
    id          TEXT PRIMARY KEY,
    team_id     TEXT NOT NULL REFERENCES keystone_teams (id),
    title       TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    status      TEXT NOT NULL DEFAULT 'submitted',
    asks        TEXT NOT NULL DEFAULT '[]',
    assignees   TEXT NOT NULL DEFAULT '[]',
    submitted   TEXT NOT NULL DEFAULT (datetime('now')),
    reviewed    TEXT,
    active      TEXT,
    expire      TEXT,
    closed_at   TEXT,
    metadata    TEXT NOT NULL DEFAULT '{}',
    created_at  TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at  TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_keystone_requests_team ON keystone_requests (team_id);
CREATE INDEX IF NOT EXISTS idx_keystone_requests_status ON keystone_requests (status, expire);
CREATE INDEX IF NOT EXISTS idx_keystone_requests_closed ON keystone_requests (closed_at) WHERE closed_at IS NOT NULL;
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS keystone_requests`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_keystone_reviews",
			Version: "20260301000004",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS keystone_reviews (
    id               TEXT PRIMARY KEY,
    request_id       TEXT NOT NULL REFERENCES keystone_requests (id),
    reviewer_id      TEXT NOT NULL,
    status           TEXT NOT NULL,
    public_comments  TEXT NOT NULL DEFAULT '',
    private_comments TEXT NOT NULL DEFAULT '',
    decided_at       TEXT NOT NULL,
    created_at       TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at       TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_keystone_reviews_request ON keystone_reviews (request_id, decided_at);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS keystone_reviews`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_keystone_allocations",
			Version: "20260301000005",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS keystone_allocations (
    id              TEXT PRIMARY KEY,
    request_id      TEXT NOT NULL REFERENCES keystone_requests (id),
    cluster_id      TEXT NOT NULL REFERENCES keystone_clusters (id),
    resource        TEXT NOT NULL DEFAULT '',
    requested       INTEGER NOT NULL DEFAULT 0,
    awarded         INTEGER NOT NULL DEFAULT 0,
    ceiling         INTEGER NOT NULL DEFAULT 0,
    final           INTEGER,
    revision        INTEGER NOT NULL DEFAULT 0,
    synced_revision INTEGER NOT NULL DEFAULT 0,
    created_at      TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at      TEXT NOT NULL DEFAULT (datetime('now')),
    CHECK (awarded >= 0),
    CHECK (ceiling = 0 OR awarded <= ceiling)
);

CREATE INDEX IF NOT EXISTS idx_keystone_allocations_request ON keystone_allocations (request_id);
CREATE INDEX IF NOT EXISTS idx_keystone_allocations_cluster ON keystone_allocations (cluster_id);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS keystone_allocations`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_keystone_emissions",
			Version: "20260301000006",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS keystone_emissions (
    key        TEXT PRIMARY KEY,
    event_id   TEXT NOT NULL,
    request_id TEXT NOT NULL REFERENCES keystone_requests (id),
    type       TEXT NOT NULL,
    threshold  INTEGER NOT NULL DEFAULT 0,
    emitted_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_keystone_emissions_request ON keystone_emissions (request_id, emitted_at);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS keystone_emissions`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_keystone_jobs",
			Version: "20260301000007",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS keystone_jobs (
    id             TEXT PRIMARY KEY,
    cluster_id     TEXT NOT NULL REFERENCES keystone_clusters (id),
    scheduler_id   TEXT NOT NULL,
    team_id        TEXT NOT NULL DEFAULT '',
    account        TEXT NOT NULL DEFAULT '',
    name           TEXT NOT NULL DEFAULT '',
    username       TEXT NOT NULL DEFAULT '',
    state          TEXT NOT NULL DEFAULT '',
    exit_code      TEXT NOT NULL DEFAULT '',
    priority       INTEGER NOT NULL DEFAULT 0,
    qos            TEXT NOT NULL DEFAULT '',
    partition_name TEXT NOT NULL DEFAULT '',
    nodes          INTEGER NOT NULL DEFAULT 0,
    tres           TEXT NOT NULL DEFAULT '',
    submit         TEXT,
    start_time     TEXT,
    end_time       TEXT,
    created_at     TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at     TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_keystone_jobs_scheduler ON keystone_jobs (cluster_id, scheduler_id);
CREATE INDEX IF NOT EXISTS idx_keystone_jobs_team ON keystone_jobs (team_id, submit);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS keystone_jobs`)
				return err
			},
		},
	)
}
