// Package persist is a sqlite backed store for the three blobs a
// discovery.ChainDiscovery needs to resume without replaying history: the
// transaction database, the chain history, and the address cache.
package persist

import (
	"database/sql"
	"encoding/json"
	"path"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// Store persists discovery checkpoints keyed by an account name, so a
// single database file can hold more than one chain's state.
type Store struct {
	db   *sql.DB
	lock *sync.RWMutex
}

// Open creates or opens discovery.db under repoPath and ensures its
// checkpoint table exists.
func Open(repoPath string) (*Store, error) {
	dbPath := path.Join(repoPath, "discovery.db")
	conn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	s := &Store{db: conn, lock: new(sync.RWMutex)}
	if err := s.initTables(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initTables() error {
	const stmt = `
	create table if not exists checkpoints (
		account text primary key not null,
		database blob,
		history blob,
		source blob
	);
	`
	_, err := s.db.Exec(stmt)
	return err
}

// Checkpoint is the serialized form of the three blobs a ChainDiscovery
// needs to resume: TxDatabase.StoreJSON, ChainHistory.StoreJSON, and
// CachingSource.Store, kept here as opaque bytes and a plain map so this
// package never needs to import discovery's unexported blob types.
type Checkpoint struct {
	Database []byte
	History  []byte
	Source   map[string][]string
}

// Save writes or replaces the checkpoint for the given account.
func (s *Store) Save(account string, cp Checkpoint) error {
	srcBlob, err := json.Marshal(cp.Source)
	if err != nil {
		return err
	}
	dbBlob, histBlob := cp.Database, cp.History

	s.lock.Lock()
	defer s.lock.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare("insert or replace into checkpoints(account, database, history, source) values(?,?,?,?)")
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	if _, err := stmt.Exec(account, dbBlob, histBlob, srcBlob); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Load reads back the checkpoint for the given account. It returns
// sql.ErrNoRows if no checkpoint has been saved yet, which callers should
// treat as a cold start.
func (s *Store) Load(account string) (Checkpoint, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	var dbBlob, histBlob, srcBlob []byte
	row := s.db.QueryRow("select database, history, source from checkpoints where account=?", account)
	if err := row.Scan(&dbBlob, &histBlob, &srcBlob); err != nil {
		return Checkpoint{}, err
	}

	cp := Checkpoint{Database: dbBlob, History: histBlob}
	if err := json.Unmarshal(srcBlob, &cp.Source); err != nil {
		return Checkpoint{}, err
	}
	return cp, nil
}

// Delete removes a saved checkpoint, discarding all resumption state for
// the account.
func (s *Store) Delete(account string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	_, err := s.db.Exec("delete from checkpoints where account=?", account)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}
