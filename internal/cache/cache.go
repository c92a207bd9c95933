package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/man-navlakha/mechanic-agent/internal/protocol"
)

const schema = `
CREATE TABLE IF NOT EXISTS active_job (
	slot INTEGER PRIMARY KEY CHECK (slot = 0),
	job TEXT NOT NULL,
	accepted_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_state (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const intendedOnlineKey = "intended_online"

// Cache is the durable mirror of the currently accepted job and the worker's
// intended availability. It survives process restarts so a reload can resume
// mid-job without re-prompting. The job machine is the sole in-process writer
// of the job slot; last writer wins across restarts.
type Cache struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens the SQLite cache at the given path, creating it and its parent
// directories if necessary.
func Open(dbPath string) (*Cache, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Cache{db: db}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db.Close()
}

// SaveJob persists the accepted job, replacing any previous one.
func (c *Cache) SaveJob(offer protocol.JobOffer) error {
	data, err := json.Marshal(offer)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.db.Exec(`
		INSERT OR REPLACE INTO active_job (slot, job, accepted_at)
		VALUES (0, ?, ?)`,
		string(data), time.Now().Format(time.RFC3339),
	)
	return err
}

// LoadJob returns the persisted accepted job, or nil if none is active.
func (c *Cache) LoadJob() (*protocol.JobOffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var data string
	err := c.db.QueryRow(`SELECT job FROM active_job WHERE slot = 0`).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var offer protocol.JobOffer
	if err := json.Unmarshal([]byte(data), &offer); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &offer, nil
}

// ClearJob removes the persisted job.
func (c *Cache) ClearJob() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.Exec(`DELETE FROM active_job WHERE slot = 0`)
	return err
}

// SetIntendedOnline persists the worker's desired availability.
func (c *Cache) SetIntendedOnline(online bool) error {
	value := "0"
	if online {
		value = "1"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.Exec(`
		INSERT OR REPLACE INTO agent_state (key, value)
		VALUES (?, ?)`, intendedOnlineKey, value)
	return err
}

// IntendedOnline returns the persisted desired availability (false if never
// written).
func (c *Cache) IntendedOnline() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var value string
	err := c.db.QueryRow(`SELECT value FROM agent_state WHERE key = ?`, intendedOnlineKey).Scan(&value)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return value == "1", nil
}
