package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mail-webhook-bridge/pkg/types"
)

// Load returns the stored snapshot of mailbox
func (j *SQLite) Load(ctx context.Context, mailbox string) (Snapshot, bool, error) {
	var uidValidity uint32
	err := j.db.QueryRowContext(ctx, "SELECT uid_validity FROM mailboxes WHERE name = ?", mailbox).Scan(&uidValidity)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("failed to load mailbox %s: %w", mailbox, err)
	}

	rows, err := j.db.QueryContext(ctx, "SELECT uid FROM known_messages WHERE mailbox = ?", mailbox)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("failed to query known messages: %w", err)
	}
	defer rows.Close()

	uids := types.NewUIDSet()
	for rows.Next() {
		var uid uint32
		if err := rows.Scan(&uid); err != nil {
			return Snapshot{}, false, fmt.Errorf("failed to scan uid: %w", err)
		}
		uids.Add(uid)
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, false, fmt.Errorf("failed to read known messages: %w", err)
	}

	return Snapshot{UIDValidity: uidValidity, UIDs: uids}, true, nil
}

// Save replaces the stored snapshot of mailbox
func (j *SQLite) Save(ctx context.Context, mailbox string, snapshot Snapshot) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := upsertMailbox(ctx, tx, mailbox, snapshot.UIDValidity); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM known_messages WHERE mailbox = ?", mailbox); err != nil {
		return fmt.Errorf("failed to clear known messages: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO known_messages (mailbox, uid) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()
	for _, uid := range snapshot.UIDs.Sorted() {
		if _, err := stmt.ExecContext(ctx, mailbox, uid); err != nil {
			return fmt.Errorf("failed to insert uid %d: %w", uid, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}

	j.logger.WithFields(logrus.Fields{
		"mailbox":      mailbox,
		"uid_validity": snapshot.UIDValidity,
		"known":        snapshot.UIDs.Len(),
	}).Debug("Snapshot saved")
	return nil
}

// MarkKnown adds one UID to the snapshot of mailbox
func (j *SQLite) MarkKnown(ctx context.Context, mailbox string, uidValidity, uid uint32) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var stored uint32
	err = tx.QueryRowContext(ctx, "SELECT uid_validity FROM mailboxes WHERE name = ?", mailbox).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err := upsertMailbox(ctx, tx, mailbox, uidValidity); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("failed to load mailbox %s: %w", mailbox, err)
	case stored != uidValidity:
		// The mailbox was reset; old UIDs mean nothing now.
		if err := upsertMailbox(ctx, tx, mailbox, uidValidity); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM known_messages WHERE mailbox = ?", mailbox); err != nil {
			return fmt.Errorf("failed to clear known messages: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO known_messages (mailbox, uid) VALUES (?, ?)", mailbox, uid); err != nil {
		return fmt.Errorf("failed to mark uid %d known: %w", uid, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// RecordDelivery appends a delivered announcement to the delivery log
func (j *SQLite) RecordDelivery(ctx context.Context, mailbox string, a types.Announcement) error {
	query := `
		INSERT INTO deliveries (mailbox, uid, title, author, announced_at, delivered_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := j.db.ExecContext(ctx, query,
		mailbox,
		a.UID,
		a.Title,
		a.Author,
		a.Timestamp.Format(time.RFC3339Nano),
		time.Now().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to record delivery: %w", err)
	}
	return nil
}

func upsertMailbox(ctx context.Context, tx *sql.Tx, mailbox string, uidValidity uint32) error {
	query := `
		INSERT INTO mailboxes (name, uid_validity, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET
			uid_validity = excluded.uid_validity,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := tx.ExecContext(ctx, query, mailbox, uidValidity); err != nil {
		return fmt.Errorf("failed to upsert mailbox: %w", err)
	}
	return nil
}
