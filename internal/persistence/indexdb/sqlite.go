package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"moonfield.io/internal/sim/library"
	"moonfield.io/internal/sim/streamer"
	"moonfield.io/internal/sim/tuning"
)

// SQLiteIndex is the queryable read model beside the JSONL logs. Writes are
// funneled through a single writer goroutine and batched into transactions;
// the sim loop never blocks on it.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropReconcileTotal atomic.Uint64
	dropEventTotal     atomic.Uint64
}

type reqKind int

const (
	reqReconcile reqKind = iota + 1
	reqEvent
)

type req struct {
	kind      reqKind
	reconcile streamer.ReconcileLogEntry
	event     streamer.EventLogEntry
}

type Stats struct {
	QueueDepth         int
	QueueCapacity      int
	DropReconcileTotal uint64
	DropEventTotal     uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		// One reconcile row per tick plus occasional events; this rides out
		// multi-second indexer stalls at 30 Hz.
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	// NORMAL is a decent durability/perf tradeoff for a secondary index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS config (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS reconciles (
			tick INTEGER PRIMARY KEY,
			generation INTEGER NOT NULL,
			x REAL NOT NULL,
			y REAL NOT NULL,
			built INTEGER NOT NULL,
			evicted INTEGER NOT NULL,
			contended INTEGER NOT NULL,
			cache_len INTEGER NOT NULL,
			step_us INTEGER NOT NULL,
			digest TEXT NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_reconciles_generation ON reconciles(generation, tick);`,
		`CREATE TABLE IF NOT EXISTS tiles (
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			kind TEXT NOT NULL,
			ix INTEGER NOT NULL,
			iy INTEGER NOT NULL,
			handle INTEGER NOT NULL,
			reason TEXT,
			PRIMARY KEY (tick, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tiles_pos_tick ON tiles(ix, iy, tick);`,
		`CREATE INDEX IF NOT EXISTS idx_tiles_kind_tick ON tiles(kind, tick);`,
		`CREATE TABLE IF NOT EXISTS events (
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			kind TEXT NOT NULL,
			session TEXT,
			terrain TEXT,
			generation INTEGER NOT NULL,
			detail TEXT,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (tick, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_kind_tick ON events(kind, tick);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) WriteReconcile(entry streamer.ReconcileLogEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqReconcile, reconcile: entry}:
	default:
		// Drop if the indexer falls behind; the JSONL logs remain the
		// source of truth.
		s.dropReconcileTotal.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) WriteEvent(entry streamer.EventLogEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqEvent, event: entry}:
	default:
		s.dropEventTotal.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:         len(s.ch),
		QueueCapacity:      cap(s.ch),
		DropReconcileTotal: s.dropReconcileTotal.Load(),
		DropEventTotal:     s.dropEventTotal.Load(),
	}
}

type terrainRow struct {
	ID             int     `json:"id"`
	Name           string  `json:"name"`
	Digest         string  `json:"digest"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	MetersPerPixel float64 `json:"meters_per_pixel"`
	HasMask        bool    `json:"has_mask"`
}

// UpsertConfig records the effective tuning and the terrain library listing
// so a run's inputs can be reconstructed from the index alone.
func (s *SQLiteIndex) UpsertConfig(tune tuning.Tuning, lib *library.Library) error {
	if s == nil {
		return nil
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)

	type kv struct {
		name   string
		digest string
		json   []byte
	}
	var rows []kv
	{
		b, _ := json.Marshal(tune)
		sum := sha256.Sum256(b)
		rows = append(rows, kv{name: "tuning", digest: hex.EncodeToString(sum[:]), json: b})
	}
	if lib != nil {
		assets := lib.Assets()
		listing := make([]terrainRow, 0, len(assets))
		for _, a := range assets {
			listing = append(listing, terrainRow{
				ID:             a.ID,
				Name:           a.Name,
				Digest:         a.Digest,
				Width:          a.DEM.Width,
				Height:         a.DEM.Height,
				MetersPerPixel: a.DEM.MPP,
				HasMask:        a.Mask != nil,
			})
		}
		b, _ := json.Marshal(listing)
		sum := sha256.Sum256(b)
		rows = append(rows, kv{name: "terrains", digest: hex.EncodeToString(sum[:]), json: b})
	}

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO config(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if r.name == "" || len(r.json) == 0 {
			continue
		}
		if _, err := stmt.Exec(r.name, r.digest, string(r.json), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertReconcile, _ := s.db.Prepare(`INSERT OR REPLACE INTO reconciles(tick,generation,x,y,built,evicted,contended,cache_len,step_us,digest,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?,?)`)
	insertTile, _ := s.db.Prepare(`INSERT OR REPLACE INTO tiles(tick,seq,kind,ix,iy,handle,reason) VALUES(?,?,?,?,?,?,?)`)
	insertEvent, _ := s.db.Prepare(`INSERT OR REPLACE INTO events(tick,seq,kind,session,terrain,generation,detail,raw_json) VALUES(?,?,?,?,?,?,?,?)`)
	defer func() {
		if insertReconcile != nil {
			_ = insertReconcile.Close()
		}
		if insertTile != nil {
			_ = insertTile.Close()
		}
		if insertEvent != nil {
			_ = insertEvent.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second

		lastEventTick uint64
		eventSeq      int
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqReconcile:
			e := r.reconcile
			raw, _ := json.Marshal(e)
			if insertReconcile != nil {
				if _, err := tx.Stmt(insertReconcile).Exec(
					int64(e.Tick),
					int64(e.Generation),
					e.X, e.Y,
					len(e.Built),
					len(e.Evicted),
					len(e.Contended),
					e.CacheLen,
					e.StepUS,
					e.Digest,
					string(raw),
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}
			seq := 0
			ok := true
			for _, b := range e.Built {
				if insertTile == nil {
					break
				}
				if _, err := tx.Stmt(insertTile).Exec(int64(e.Tick), seq, "build", b.Tile[0], b.Tile[1], int64(b.Handle), ""); err != nil {
					rollback()
					ok = false
					break
				}
				seq++
				opCount++
			}
			if ok {
				for _, ev := range e.Evicted {
					if insertTile == nil {
						break
					}
					if _, err := tx.Stmt(insertTile).Exec(int64(e.Tick), seq, "evict", ev.Tile[0], ev.Tile[1], int64(ev.Handle), ev.Reason); err != nil {
						rollback()
						ok = false
						break
					}
					seq++
					opCount++
				}
			}
			if ok {
				for _, c := range e.Contended {
					if insertTile == nil {
						break
					}
					if _, err := tx.Stmt(insertTile).Exec(int64(e.Tick), seq, "contended", c[0], c[1], 0, ""); err != nil {
						rollback()
						break
					}
					seq++
					opCount++
				}
			}

		case reqEvent:
			e := r.event
			if e.Tick != lastEventTick {
				lastEventTick = e.Tick
				eventSeq = 0
			}
			seq := eventSeq
			eventSeq++
			raw, _ := json.Marshal(e)
			if insertEvent != nil {
				if _, err := tx.Stmt(insertEvent).Exec(
					int64(e.Tick),
					seq,
					e.Kind,
					e.Session,
					e.Terrain,
					int64(e.Generation),
					e.Detail,
					string(raw),
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		}
		flushIfNeeded()
	}

	commit()
}
