package main

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// entry is a captured upstream response. Bodies are kept gzip-compressed
// at rest and inflated on read.
type entry struct {
	Status int
	Header http.Header
	Body   []byte
}

// partitionStore keeps named, versioned partitions of captured responses in
// a single sqlite database. Partitions are created lazily on first write and
// only ever removed wholesale. Entry order within a partition is first
// insertion order; overwriting an entry does not move it.
type partitionStore struct {
	db *sql.DB
}

func sqliteDSN(path string) string {
	query := url.Values{}
	query.Set("_journal_mode", "wal")
	query.Set("_busy_timeout", "5000")
	query.Set("_foreign_keys", "true")
	query.Set("_synchronous", "FULL")
	query.Set("_loc", "UTC")
	return "file:" + path + "?" + query.Encode()
}

func newPartitionStore(path string) (*partitionStore, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, errors.WithMessagef(err, "opening database %q", path)
	}

	_, err = db.Exec(`
CREATE TABLE IF NOT EXISTS partitions (
	name text PRIMARY KEY,
	created_at datetime
);
`)
	if err != nil {
		return nil, errors.WithMessage(err, "creating partitions table")
	}

	_, err = db.Exec(`
CREATE TABLE IF NOT EXISTS entries (
	id integer PRIMARY KEY AUTOINCREMENT,
	partition text NOT NULL,
	key text NOT NULL,
	status integer,
	header text,
	body blob,
	created_at datetime,
	UNIQUE(partition, key),
	FOREIGN KEY(partition) REFERENCES partitions(name) DEFERRABLE INITIALLY DEFERRED
);
`)
	if err != nil {
		return nil, errors.WithMessage(err, "creating entries table")
	}

	return &partitionStore{db: db}, nil
}

func (s *partitionStore) Close() error {
	return s.db.Close()
}

// put stores an entry, creating the partition on first write. Overwriting an
// existing key keeps its original position in insertion order.
func (s *partitionStore) put(partition, key string, e *entry) error {
	header, err := json.Marshal(e.Header)
	if err != nil {
		return errors.WithMessage(err, "marshaling header")
	}

	body, err := deflate(e.Body)
	if err != nil {
		return errors.WithMessage(err, "compressing body")
	}

	now := time.Now().UTC()

	_, err = s.db.Exec(`
	INSERT INTO partitions (name, created_at) VALUES (?, ?)
	ON CONFLICT(name) DO NOTHING`, partition, now)
	if err != nil {
		return errors.WithMessagef(err, "opening partition %q", partition)
	}

	_, err = s.db.Exec(`
	INSERT INTO entries (partition, key, status, header, body, created_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(partition, key) DO UPDATE SET
		status = excluded.status,
		header = excluded.header,
		body = excluded.body`,
		partition, key, e.Status, string(header), body, now)
	if err != nil {
		return errors.WithMessagef(err, "storing %q in partition %q", key, partition)
	}

	return nil
}

// get returns the stored entry or nil when the key is absent.
func (s *partitionStore) get(partition, key string) (*entry, error) {
	res := s.db.QueryRow(`
	SELECT status, header, body FROM entries
	WHERE partition = ? AND key = ?`, partition, key)

	var (
		status int
		header string
		body   []byte
	)

	err := res.Scan(&status, &header, &body)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, errors.WithMessagef(err, "reading %q from partition %q", key, partition)
	}

	e := &entry{Status: status, Header: http.Header{}}
	if err := json.Unmarshal([]byte(header), &e.Header); err != nil {
		return nil, errors.WithMessage(err, "unmarshaling header")
	}
	if e.Body, err = inflate(body); err != nil {
		return nil, errors.WithMessage(err, "decompressing body")
	}

	return e, nil
}

// keys returns the partition's keys in insertion order, oldest first.
func (s *partitionStore) keys(partition string) ([]string, error) {
	rows, err := s.db.Query(`
	SELECT key FROM entries WHERE partition = ? ORDER BY id`, partition)
	if err != nil {
		return nil, errors.WithMessagef(err, "listing keys of partition %q", partition)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	return keys, rows.Err()
}

func (s *partitionStore) count(partition string) (int, error) {
	var n int
	err := s.db.QueryRow(`
	SELECT count(*) FROM entries WHERE partition = ?`, partition).Scan(&n)
	return n, err
}

// trim deletes the oldest surplus entries until the partition holds at most
// max entries. FIFO by insertion order, not access order. Returns the number
// of evicted entries.
func (s *partitionStore) trim(partition string, max int) (int, error) {
	n, err := s.count(partition)
	if err != nil {
		return 0, errors.WithMessagef(err, "counting partition %q", partition)
	}

	surplus := n - max
	if surplus <= 0 {
		return 0, nil
	}

	_, err = s.db.Exec(`
	DELETE FROM entries WHERE id IN (
		SELECT id FROM entries WHERE partition = ? ORDER BY id LIMIT ?
	)`, partition, surplus)
	if err != nil {
		return 0, errors.WithMessagef(err, "trimming partition %q", partition)
	}

	return surplus, nil
}

func (s *partitionStore) listPartitions() ([]string, error) {
	rows, err := s.db.Query(`SELECT name FROM partitions ORDER BY name`)
	if err != nil {
		return nil, errors.WithMessage(err, "listing partitions")
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}

	return names, rows.Err()
}

func (s *partitionStore) deletePartition(name string) error {
	if _, err := s.db.Exec(`DELETE FROM entries WHERE partition = ?`, name); err != nil {
		return errors.WithMessagef(err, "deleting entries of partition %q", name)
	}
	if _, err := s.db.Exec(`DELETE FROM partitions WHERE name = ?`, name); err != nil {
		return errors.WithMessagef(err, "deleting partition %q", name)
	}
	return nil
}

// prunePartitions deletes every partition carrying the prefix but not the
// given version suffix. Partitions outside the prefix are untouched.
func (s *partitionStore) prunePartitions(prefix, version string) ([]string, error) {
	names, err := s.listPartitions()
	if err != nil {
		return nil, err
	}

	pruned := []string{}
	for _, name := range names {
		if !strings.HasPrefix(name, prefix+"-") {
			continue
		}
		if strings.HasSuffix(name, "-"+version) {
			continue
		}
		if err := s.deletePartition(name); err != nil {
			return pruned, err
		}
		pruned = append(pruned, name)
	}

	return pruned, nil
}

// clear deletes every partition carrying the prefix, current version included.
func (s *partitionStore) clear(prefix string) ([]string, error) {
	names, err := s.listPartitions()
	if err != nil {
		return nil, err
	}

	cleared := []string{}
	for _, name := range names {
		if !strings.HasPrefix(name, prefix+"-") {
			continue
		}
		if err := s.deletePartition(name); err != nil {
			return cleared, err
		}
		cleared = append(cleared, name)
	}

	return cleared, nil
}

func deflate(input []byte) ([]byte, error) {
	buf := &bytes.Buffer{}
	zw := gzip.NewWriter(buf)
	if _, err := zw.Write(input); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(input []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(input))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
