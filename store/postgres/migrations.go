package postgres

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the Keystone store.
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
    enabled     BOOLEAN NOT NULL DEFAULT TRUE,
    weights     JSONB NOT NULL DEFAULT '{}',
    metadata    JSONB NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
    members    JSONB NOT NULL DEFAULT '[]',
    metadata   JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
    asks        JSONB NOT NULL DEFAULT '[]',
    assignees   JSONB NOT NULL DEFAULT '[]',
    submitted   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    reviewed    TIMESTAMPTZ,
    active      TIMESTAMPTZ,
    expire      TIMESTAMPTZ,
    closed_at   TIMESTAMPTZ,
    metadata    JSONB NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
    seq              BIGSERIAL,
    request_id       TEXT NOT NULL REFERENCES keystone_requests (id),
    reviewer_id      TEXT NOT NULL,
    status           TEXT NOT NULL,
    public_comments  TEXT NOT NULL DEFAULT '',
    private_comments TEXT NOT NULL DEFAULT '',
    decided_at       TIMESTAMPTZ NOT NULL,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_keystone_reviews_request ON keystone_reviews (request_id, decided_at, seq);
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
    requested       BIGINT NOT NULL DEFAULT 0,
    awarded         BIGINT NOT NULL DEFAULT 0,
    ceiling         BIGINT NOT NULL DEFAULT 0,
    final           BIGINT,
    revision        INT NOT NULL DEFAULT 0,
    synced_revision INT NOT NULL DEFAULT 0,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
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
    threshold  INT NOT NULL DEFAULT 0,
    emitted_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
    priority       BIGINT NOT NULL DEFAULT 0,
    qos            TEXT NOT NULL DEFAULT '',
    partition_name TEXT NOT NULL DEFAULT '',
    nodes          INT NOT NULL DEFAULT 0,
    tres           TEXT NOT NULL DEFAULT '',
    submit         TIMESTAMPTZ,
    start_time     TIMESTAMPTZ,
    end_time       TIMESTAMPTZ,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
