// Copyright 2020-2022 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package log

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const dbAPIversion = "1"

const defaultMaxKeys = 100000

// NewDB new log database.
func NewDB(dbPath string, wg *sync.WaitGroup) *DB {
	return &DB{
		dbPath:  dbPath,
		maxKeys: defaultMaxKeys,

		wg:     wg,
		saveWG: &sync.WaitGroup{},
	}
}

// DB log database.
type DB struct {
	dbPath  string
	maxKeys int

	db *bolt.DB
	wg *sync.WaitGroup

	// Wait for last log to be saved before closing db.
	saveWG *sync.WaitGroup
}

// Init opens the database, it is closed when the context is canceled.
func (logDB *DB) Init(ctx context.Context) error {
	dbOpts := &bolt.Options{
		Timeout: 1 * time.Second,
	}

	db, err := bolt.Open(logDB.dbPath, 0o600, dbOpts)
	if err != nil {
		return fmt.Errorf("open database: %w: %v", err, logDB.dbPath)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(dbAPIversion))
		return err
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("create bucket: %v, %w", dbAPIversion, err)
	}

	logDB.db = db

	logDB.wg.Add(1)
	go func() {
		<-ctx.Done()
		logDB.saveWG.Wait()
		db.Close()
		logDB.wg.Done()
	}()

	return nil
}

// SaveLogs saves logs from the logger into the database.
func (logDB *DB) SaveLogs(ctx context.Context, l *Logger) <-chan struct{} {
	feed := make(logFeed)
	l.sub <- feed

	save := func(log Log) {
		if err := logDB.saveLog(log); err != nil {
			fmt.Fprintf(os.Stderr, "could not save log: %v %v\n", log.Msg, err)
		}
	}

	logDB.saveWG.Add(1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer logDB.saveWG.Done()
		for {
			select {
			case <-ctx.Done():
				l.unSubscribe(feed, save)
				return
			case log := <-feed:
				save(log)
			}
		}
	}()
	return done
}

func (logDB *DB) saveLog(log Log) error {
	value, err := json.Marshal(log)
	if err != nil {
		return err
	}

	return logDB.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(dbAPIversion))

		// Entries logged within the same microsecond get the next free key.
		t := uint64(log.Time)
		for b.Get(encodeKey(t)) != nil {
			t++
		}

		if b.Stats().KeyN >= logDB.maxKeys {
			if err := deleteFirstKey(b); err != nil {
				return fmt.Errorf("delete first key: %w", err)
			}
		}
		return b.Put(encodeKey(t), value)
	})
}

func deleteFirstKey(b *bolt.Bucket) error {
	k, _ := b.Cursor().First()
	return b.Delete(k)
}

// Query database query. Nil filters match everything.
type Query struct {
	Levels  []Level
	Sources []string
	Files   []string

	// Only return logs older than Time.
	Time  UnixMicro
	Limit int
}

// Query logs in database, newest first.
func (logDB *DB) Query(q Query) ([]Log, error) {
	var logs []Log

	limit := q.Limit
	if limit == 0 {
		limit = defaultMaxKeys
	}

	err := logDB.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(dbAPIversion)).Cursor()

		filterLog := func(rawLog []byte) error {
			var log Log
			if err := json.Unmarshal(rawLog, &log); err != nil {
				return fmt.Errorf("unmarshal log: %w", err)
			}
			if !levelInLevels(log.Level, q.Levels) ||
				!stringInStrings(log.Src, q.Sources) ||
				!stringInStrings(log.File, q.Files) {
				return nil
			}
			logs = append(logs, log)
			return nil
		}

		var key, value []byte
		if q.Time == 0 {
			key, value = c.Last()
		} else {
			c.Seek(encodeKey(uint64(q.Time)))
			key, value = c.Prev()
		}

		for key != nil && len(logs) < limit {
			if err := filterLog(value); err != nil {
				return err
			}
			key, value = c.Prev()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return logs, nil
}

func levelInLevels(level Level, levels []Level) bool {
	if levels == nil {
		return true
	}
	for _, l := range levels {
		if l == level {
			return true
		}
	}
	return false
}

func stringInStrings(s string, list []string) bool {
	if list == nil {
		return true
	}
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func encodeKey(key uint64) []byte {
	output := make([]byte, 8)
	binary.BigEndian.PutUint64(output, key)
	return output
}
