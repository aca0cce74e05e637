package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	account_id   TEXT NOT NULL,
	folder_id    TEXT NOT NULL,
	remote_id    TEXT NOT NULL,
	message_id   TEXT NOT NULL DEFAULT '',
	subject      TEXT NOT NULL DEFAULT '',
	sender       TEXT NOT NULL DEFAULT '',
	sent_at      INTEGER NOT NULL DEFAULT 0,
	size         INTEGER NOT NULL DEFAULT 0,
	flags        TEXT NOT NULL DEFAULT '[]',
	remote_flags TEXT NOT NULL DEFAULT '[]',
	updated_at   INTEGER NOT NULL,
	PRIMARY KEY (account_id, folder_id, remote_id)
);

CREATE INDEX IF NOT EXISTS idx_messages_message_id ON messages(account_id, message_id);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
ALTER TABLE messages ADD COLUMN local_only INTEGER NOT NULL DEFAULT 0;

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
