package session

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

var schema = `CREATE TABLE IF NOT EXISTS session_values (
  session varchar(64) NOT NULL,
  key varchar(64) NOT NULL,
  value text NOT NULL,
  PRIMARY KEY (session, key)
);`

// SQLiteStorage persists one named session's values in a local SQLite file,
// so a restarted client resumes the seat it held. Several sessions (one per
// terminal, say) can share a file under different names.
type SQLiteStorage struct {
	Conn    *sqlx.DB
	session string
}

// OpenSQLite opens (creating if needed) the database file at path for the named session.
func OpenSQLite(path, name string) (*SQLiteStorage, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open session db %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create session schema: %w", err)
	}
	return &SQLiteStorage{Conn: db, session: name}, nil
}

func (s *SQLiteStorage) Get(key string) (string, bool, error) {
	var value string
	err := s.Conn.Get(&value, `SELECT value FROM session_values WHERE session = ? AND key = ?`, s.session, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read session %s/%s: %w", s.session, key, err)
	}
	return value, true, nil
}

func (s *SQLiteStorage) Set(key, value string) error {
	_, err := s.Conn.Exec(`
		INSERT INTO session_values (session, key, value) VALUES (?, ?, ?)
		ON CONFLICT (session, key) DO UPDATE SET value = excluded.value`,
		s.session, key, value)
	if err != nil {
		return fmt.Errorf("write session %s/%s: %w", s.session, key, err)
	}
	return nil
}

func (s *SQLiteStorage) Clear() error {
	if _, err := s.Conn.Exec(`DELETE FROM session_values WHERE session = ?`, s.session); err != nil {
		return fmt.Errorf("clear session %s: %w", s.session, err)
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.Conn.Close()
}
