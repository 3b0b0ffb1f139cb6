package store

import (
	"context"

	werrors "github.com/orcharddb/warden/infrastructure/errors"
)

// schema holds the DDL for every table the controller owns. Statements are
// idempotent so Setup can run on every start.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS groups (
		group_id    VARCHAR(64)  NOT NULL,
		description VARCHAR(256) NOT NULL DEFAULT '',
		master_uuid VARCHAR(40)  NULL,
		status      VARCHAR(16)  NOT NULL,
		PRIMARY KEY (group_id)
	)`,
	`CREATE TABLE IF NOT EXISTS servers (
		uuid     VARCHAR(40)  NOT NULL,
		group_id VARCHAR(64)  NOT NULL,
		address  VARCHAR(128) NOT NULL,
		user     VARCHAR(64)  NOT NULL DEFAULT '',
		passwd   VARCHAR(128) NOT NULL DEFAULT '',
		mode     VARCHAR(16)  NOT NULL,
		status   VARCHAR(16)  NOT NULL,
		weight   DOUBLE       NOT NULL DEFAULT 1.0,
		PRIMARY KEY (uuid),
		KEY idx_servers_group (group_id)
	)`,
	`CREATE TABLE IF NOT EXISTS procedures (
		uuid        VARCHAR(40)  NOT NULL,
		name        VARCHAR(128) NOT NULL,
		started_at  DATETIME(6)  NOT NULL,
		finished_at DATETIME(6)  NULL,
		success     TINYINT(1)   NULL,
		PRIMARY KEY (uuid)
	)`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
		proc_uuid   VARCHAR(40)  NOT NULL,
		job_uuid    VARCHAR(40)  NOT NULL,
		sequence    INT          NOT NULL,
		phase       VARCHAR(16)  NOT NULL,
		success     TINYINT(1)   NULL,
		do_action   VARCHAR(128) NOT NULL DEFAULT '',
		undo_action VARCHAR(128) NOT NULL DEFAULT '',
		args_blob   TEXT         NULL,
		locks_blob  TEXT         NULL,
		logged_at   DATETIME(6)  NOT NULL,
		PRIMARY KEY (proc_uuid, sequence),
		KEY idx_checkpoints_job (proc_uuid, job_uuid)
	)`,
	`CREATE TABLE IF NOT EXISTS statistics (
		scope      VARCHAR(16)  NOT NULL,
		name       VARCHAR(128) NOT NULL,
		call_count INT          NOT NULL DEFAULT 0,
		call_abort INT          NOT NULL DEFAULT 0,
		PRIMARY KEY (scope, name)
	)`,
	`CREATE TABLE IF NOT EXISTS providers (
		provider_id    VARCHAR(64)  NOT NULL,
		type           VARCHAR(32)  NOT NULL,
		username       VARCHAR(64)  NOT NULL DEFAULT '',
		passwd         VARCHAR(128) NOT NULL DEFAULT '',
		url            VARCHAR(256) NOT NULL DEFAULT '',
		tenant         VARCHAR(64)  NOT NULL DEFAULT '',
		default_image  VARCHAR(128) NOT NULL DEFAULT '',
		default_flavor VARCHAR(128) NOT NULL DEFAULT '',
		PRIMARY KEY (provider_id)
	)`,
	`CREATE TABLE IF NOT EXISTS machines (
		machine_uuid VARCHAR(40)  NOT NULL,
		provider_id  VARCHAR(64)  NOT NULL,
		av_zone      VARCHAR(64)  NOT NULL DEFAULT '',
		addresses    TEXT         NULL,
		PRIMARY KEY (machine_uuid),
		KEY idx_machines_provider (provider_id)
	)`,
	`CREATE TABLE IF NOT EXISTS shard_ranges (
		mapping_id  VARCHAR(64)   NOT NULL,
		lower_bound VARBINARY(64) NOT NULL,
		group_id    VARCHAR(64)   NOT NULL,
		PRIMARY KEY (mapping_id, lower_bound)
	)`,
}

// Setup creates every table the controller needs.
func (s *Store) Setup(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return werrors.Persistence(err, "creating schema")
		}
	}
	return nil
}
