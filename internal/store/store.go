package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/stellarlinkco/mirrorbot/internal/mirror"
	"github.com/stellarlinkco/mirrorbot/internal/platform"
)

const schema = `
CREATE TABLE IF NOT EXISTS archive (
	chat_id        INTEGER NOT NULL,
	message_id     INTEGER NOT NULL,
	sender_id      INTEGER NOT NULL DEFAULT 0,
	media_group_id TEXT NOT NULL DEFAULT '',
	has_media      INTEGER NOT NULL DEFAULT 0,
	text           TEXT NOT NULL DEFAULT '',
	archived_at    INTEGER NOT NULL,
	PRIMARY KEY (chat_id, message_id)
);

CREATE TABLE IF NOT EXISTS mappings (
	source_chat_id INTEGER NOT NULL,
	target_chat_id INTEGER NOT NULL,
	source_msg_id  INTEGER NOT NULL,
	target_msg_id  INTEGER NOT NULL,
	created_at     INTEGER NOT NULL,
	UNIQUE (source_chat_id, source_msg_id)
);

CREATE INDEX IF NOT EXISTS idx_mappings_lookup
	ON mappings (source_chat_id, source_msg_id);

CREATE TABLE IF NOT EXISTS checkpoints (
	source_chat_id INTEGER PRIMARY KEY,
	last_synced_id INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS logs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	level      TEXT NOT NULL,
	message    TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
`

var pragmas = []string{
	"PRAGMA journal_mode=WAL;",
	"PRAGMA synchronous=NORMAL;",
	"PRAGMA busy_timeout=5000;",
	"PRAGMA foreign_keys=ON;",
}

// Store is the SQLite persistence layer: the local message archive that
// bulk replication reads from, the durable identity mappings, the
// replication checkpoints and the operational log.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

func Open(path string, log zerolog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db, log: log.With().Str("component", "store").Logger()}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ArchiveMessage records (or, for edits, updates) one message in the
// local history.
func (s *Store) ArchiveMessage(ctx context.Context, msg platform.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO archive (chat_id, message_id, sender_id, media_group_id, has_media, text, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chat_id, message_id) DO UPDATE SET text = excluded.text`,
		int64(msg.Chat), int(msg.ID), msg.SenderID, msg.MediaGroupID, boolToInt(msg.HasMedia), msg.Text, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("archive message: %w", err)
	}
	return nil
}

func (s *Store) RemoveArchived(ctx context.Context, chat platform.ChatID, ids []platform.MessageID) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM archive WHERE chat_id = ? AND message_id = ?`, int64(chat), int(id)); err != nil {
			return fmt.Errorf("remove archived: %w", err)
		}
	}
	return tx.Commit()
}

// LatestMessageID returns the newest archived id for chat, 0 when the
// archive has nothing for it.
func (s *Store) LatestMessageID(ctx context.Context, chat platform.ChatID) (platform.MessageID, error) {
	var id sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(message_id) FROM archive WHERE chat_id = ?`, int64(chat)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("latest message id: %w", err)
	}
	return platform.MessageID(id.Int64), nil
}

// HistoryPage returns up to limit archived ids in (afterID, uptoID],
// ascending.
func (s *Store) HistoryPage(ctx context.Context, chat platform.ChatID, afterID, uptoID platform.MessageID, limit int) ([]platform.MessageID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id FROM archive
		WHERE chat_id = ? AND message_id > ? AND message_id <= ?
		ORDER BY message_id ASC
		LIMIT ?`,
		int64(chat), int(afterID), int(uptoID), limit)
	if err != nil {
		return nil, fmt.Errorf("history page: %w", err)
	}
	defer rows.Close()
	var ids []platform.MessageID
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, platform.MessageID(id))
	}
	return ids, rows.Err()
}

func (s *Store) ArchivedCount(ctx context.Context, chat platform.ChatID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM archive WHERE chat_id = ?`, int64(chat)).Scan(&n)
	return n, err
}

// PruneArchive drops archive rows older than the cutoff and returns how
// many were removed.
func (s *Store) PruneArchive(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM archive WHERE archived_at < ?`, olderThan.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune archive: %w", err)
	}
	return res.RowsAffected()
}

// SaveMappings upserts all pairs in one transaction.
func (s *Store) SaveMappings(ctx context.Context, source, target platform.ChatID, pairs []mirror.Forwarded) error {
	if len(pairs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO mappings (source_chat_id, target_chat_id, source_msg_id, target_msg_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (source_chat_id, source_msg_id) DO UPDATE SET target_msg_id = excluded.target_msg_id`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	now := time.Now().Unix()
	for _, p := range pairs {
		if _, err := stmt.ExecContext(ctx, int64(source), int64(target), int(p.Source), int(p.Target), now); err != nil {
			return fmt.Errorf("save mapping: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) DeleteMappings(ctx context.Context, source platform.ChatID, ids []platform.MessageID) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM mappings WHERE source_chat_id = ? AND source_msg_id = ?`, int64(source), int(id)); err != nil {
			return fmt.Errorf("delete mapping: %w", err)
		}
	}
	return tx.Commit()
}

// LoadMappings returns the most recent limit pairs for source, oldest
// first, so inserting them into the identity map reproduces the right
// recency order.
func (s *Store) LoadMappings(ctx context.Context, source platform.ChatID, limit int) ([]mirror.Forwarded, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_msg_id, target_msg_id FROM mappings
		WHERE source_chat_id = ?
		ORDER BY source_msg_id DESC
		LIMIT ?`,
		int64(source), limit)
	if err != nil {
		return nil, fmt.Errorf("load mappings: %w", err)
	}
	defer rows.Close()
	var pairs []mirror.Forwarded
	for rows.Next() {
		var src, tgt int
		if err := rows.Scan(&src, &tgt); err != nil {
			return nil, err
		}
		pairs = append(pairs, mirror.Forwarded{Source: platform.MessageID(src), Target: platform.MessageID(tgt)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(pairs)-1; i < j; i, j = i+1, j-1 {
		pairs[i], pairs[j] = pairs[j], pairs[i]
	}
	return pairs, nil
}

func (s *Store) MappingCount(ctx context.Context, source platform.ChatID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mappings WHERE source_chat_id = ?`, int64(source)).Scan(&n)
	return n, err
}

func (s *Store) SaveCheckpoint(ctx context.Context, source platform.ChatID, lastSynced platform.MessageID) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (source_chat_id, last_synced_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (source_chat_id) DO UPDATE SET last_synced_id = excluded.last_synced_id, updated_at = excluded.updated_at`,
		int64(source), int(lastSynced), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint returns the last synced id for source, 0 when no copy
// has run yet.
func (s *Store) LoadCheckpoint(ctx context.Context, source platform.ChatID) (platform.MessageID, error) {
	var id int
	err := s.db.QueryRowContext(ctx, `SELECT last_synced_id FROM checkpoints WHERE source_chat_id = ?`, int64(source)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load checkpoint: %w", err)
	}
	return platform.MessageID(id), nil
}

type LogEntry struct {
	Level   string
	Message string
	At      time.Time
}

func (s *Store) InsertLogs(ctx context.Context, entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO logs (level, message, created_at) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Level, e.Message, e.At.Unix()); err != nil {
			return fmt.Errorf("insert log: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) LogCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM logs`).Scan(&n)
	return n, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
