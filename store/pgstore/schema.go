package pgstore

// Schema is the DDL pgstore expects to already exist (applied by the
// operator's migration tooling, not executed by this package). It is
// exported so a caller's migration runner can embed it directly.
const Schema = `
CREATE TABLE IF NOT EXISTS workflows (
	id             uuid PRIMARY KEY,
	type           text NOT NULL,
	state          text NOT NULL,
	args           jsonb NOT NULL DEFAULT '{}',
	ref_type       text NOT NULL DEFAULT '',
	ref_id         text NOT NULL DEFAULT '',
	activity_types text[] NOT NULL DEFAULT '{}',
	attempts       int NOT NULL DEFAULT 0,
	created_at     timestamptz NOT NULL,
	execute_at     timestamptz NOT NULL,
	updated_at     timestamptz NOT NULL
);

CREATE INDEX IF NOT EXISTS workflows_executable_idx
	ON workflows (execute_at)
	WHERE state = 'queued';

CREATE INDEX IF NOT EXISTS workflows_ref_id_idx ON workflows (ref_id) WHERE ref_id <> '';

CREATE TABLE IF NOT EXISTS activities (
	id          uuid PRIMARY KEY,
	workflow_id uuid NOT NULL REFERENCES workflows(id),
	type        text NOT NULL,
	state       text NOT NULL,
	input       jsonb NOT NULL DEFAULT '{}',
	output      jsonb NOT NULL DEFAULT '{}',
	attempts    int NOT NULL DEFAULT 0,
	created_at  timestamptz NOT NULL,
	updated_at  timestamptz NOT NULL
);

CREATE INDEX IF NOT EXISTS activities_workflow_idx ON activities (workflow_id, created_at);

CREATE TABLE IF NOT EXISTS workflow_locks (
	workflow_id uuid PRIMARY KEY REFERENCES workflows(id),
	owner       text NOT NULL,
	expire_at   timestamptz NOT NULL
);
`
