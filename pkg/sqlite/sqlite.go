package sqlite

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

type Config struct {
	Path          string `split_words:"true" default:"noctua.db"`
	BusyTimeoutMS int    `split_words:"true" default:"5000"`
}

// Open opens (and creates if needed) the SQLite database with WAL journaling.
// modernc.org/sqlite is pure Go, so the binary stays cgo-free.
func (c *Config) Open() (*sql.DB, error) {
	db, err := sql.Open("sqlite", c.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", c.Path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		fmt.Sprintf("PRAGMA busy_timeout=%d", c.BusyTimeoutMS),
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}

	return db, nil
}

func (c *Config) MustOpen() *sql.DB {
	db, err := c.Open()
	if err != nil {
		panic(err)
	}
	return db
}
