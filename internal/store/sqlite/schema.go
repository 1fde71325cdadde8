package sqlite

const schema = `
CREATE TABLE IF NOT EXISTS cache_index (
	user_id TEXT NOT NULL,
	mailbox TEXT NOT NULL,
	expires INTEGER,
	valid   INTEGER NOT NULL,
	data    BLOB NOT NULL,
	PRIMARY KEY (user_id, mailbox)
);

CREATE TABLE IF NOT EXISTS cache_thread (
	user_id TEXT NOT NULL,
	mailbox TEXT NOT NULL,
	expires INTEGER,
	data    BLOB NOT NULL,
	PRIMARY KEY (user_id, mailbox)
);

CREATE TABLE IF NOT EXISTS cache_messages (
	user_id TEXT NOT NULL,
	mailbox TEXT NOT NULL,
	uid     INTEGER NOT NULL,
	flags   INTEGER NOT NULL,
	expires INTEGER,
	data    BLOB NOT NULL,
	PRIMARY KEY (user_id, mailbox, uid)
);

CREATE INDEX IF NOT EXISTS cache_index_expires ON cache_index (expires);
CREATE INDEX IF NOT EXISTS cache_thread_expires ON cache_thread (expires);
CREATE INDEX IF NOT EXISTS cache_messages_expires ON cache_messages (expires);
`
