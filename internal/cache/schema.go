package cache

// Schema contains SQL schema definitions for the journal
const Schema = `
-- One row per watched mailbox
CREATE TABLE IF NOT EXISTS mailboxes (
    name TEXT PRIMARY KEY,
    uid_validity INTEGER NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- UIDs already seen in a mailbox under its current UIDVALIDITY
CREATE TABLE IF NOT EXISTS known_messages (
    mailbox TEXT NOT NULL,
    uid INTEGER NOT NULL,
    PRIMARY KEY (mailbox, uid),
    FOREIGN KEY (mailbox) REFERENCES mailboxes(name) ON DELETE CASCADE
);

-- Delivery log
CREATE TABLE IF NOT EXISTS deliveries (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    mailbox TEXT NOT NULL,
    uid INTEGER NOT NULL,
    title TEXT NOT NULL,
    author TEXT NOT NULL,
    announced_at TEXT NOT NULL,
    delivered_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_deliveries_mailbox ON deliveries(mailbox);
`
