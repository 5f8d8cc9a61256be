package sqlite

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Versions are sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS deliveries (
	id          TEXT PRIMARY KEY,
	finished_at INTEGER NOT NULL,
	server      TEXT NOT NULL DEFAULT '',
	mail_from   TEXT NOT NULL DEFAULT '',
	recipients  TEXT NOT NULL DEFAULT '[]',
	accepted    TEXT NOT NULL DEFAULT '[]',
	code        INTEGER NOT NULL DEFAULT 0,
	message     TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_deliveries_finished_at ON deliveries(finished_at);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
