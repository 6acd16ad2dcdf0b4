package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"covercraft.ai/internal/protocol"
	"covercraft.ai/internal/sim/tuning"
	"covercraft.ai/internal/sim/world"
)

// SQLiteIndex is a queryable read model of the cover audit trail. Writes
// are queued and applied by a single goroutine in batched transactions;
// the JSONL audit log stays the source of truth.
type SQLiteIndex struct {
	db  *sql.DB
	log *logrus.Entry

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropAudit atomic.Uint64
	dropOther atomic.Uint64
	failTotal atomic.Uint64
}

type reqKind int

const (
	reqAudit reqKind = iota + 1
	reqTuning
	reqSync
)

type req struct {
	kind reqKind

	audit  world.AuditEntry
	tuning tuningRow
	done   chan struct{}
}

type tuningRow struct {
	Digest string
	JSON   []byte
	At     string
}

type Stats struct {
	QueueDepth     int    `json:"queue_depth"`
	QueueCapacity  int    `json:"queue_capacity"`
	DropAuditTotal uint64 `json:"drop_audit_total"`
	DropOtherTotal uint64 `json:"drop_other_total"`
	WriteFailTotal uint64 `json:"write_fail_total"`
}

// SurfaceRow is the latest known lifecycle state of one surface id.
type SurfaceRow struct {
	Surface     uint32 `json:"surface"`
	State       string `json:"state"` // live, removed, retracted
	Dynamic     bool   `json:"dynamic"`
	FirstTick   uint64 `json:"first_tick"`
	LastTick    uint64 `json:"last_tick"`
	Retractions int    `json:"retractions"`
}

func OpenSQLite(path string, logger *logrus.Entry) (*SQLiteIndex, error) {
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
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = logrus.NewEntry(l)
	}

	s := &SQLiteIndex{
		db:  db,
		log: logger.WithField("component", "indexdb"),
		// Break storms retract many segments in one tick.
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
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
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
		`CREATE TABLE IF NOT EXISTS tuning (
			digest TEXT PRIMARY KEY,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audits (
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			action TEXT NOT NULL,
			surface INTEGER NOT NULL,
			entity INTEGER NOT NULL,
			cover INTEGER NOT NULL,
			x REAL NOT NULL,
			y REAL NOT NULL,
			z REAL NOT NULL,
			radius REAL NOT NULL,
			reason TEXT,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (tick, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_surface_tick ON audits(surface, tick);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_action_tick ON audits(action, tick);`,
		`CREATE TABLE IF NOT EXISTS surfaces (
			surface INTEGER PRIMARY KEY,
			state TEXT NOT NULL,
			dynamic INTEGER NOT NULL,
			first_tick INTEGER NOT NULL,
			last_tick INTEGER NOT NULL,
			retractions INTEGER NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	_, err := db.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`)
	return err
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

// WriteAudit implements world.AuditLogger. It never blocks the tick: when
// the queue is full the entry is dropped and counted.
func (s *SQLiteIndex) WriteAudit(entry world.AuditEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqAudit, audit: entry}:
	default:
		s.dropAudit.Add(1)
	}
	return nil
}

// RecordTuning stores the tuning actually applied, keyed by its digest.
func (s *SQLiteIndex) RecordTuning(t tuning.Tuning) {
	if s == nil || s.closed.Load() {
		return
	}
	b, _ := json.Marshal(t)
	sum := sha256.Sum256(b)
	r := tuningRow{Digest: hex.EncodeToString(sum[:]), JSON: b, At: time.Now().UTC().Format(time.RFC3339Nano)}
	select {
	case s.ch <- req{kind: reqTuning, tuning: r}:
	default:
		s.dropOther.Add(1)
	}
}

// Sync waits until everything queued before it is committed.
func (s *SQLiteIndex) Sync(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqSync, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteIndex) Stats() Stats {
	return Stats{
		QueueDepth:     len(s.ch),
		QueueCapacity:  cap(s.ch),
		DropAuditTotal: s.dropAudit.Load(),
		DropOtherTotal: s.dropOther.Load(),
		WriteFailTotal: s.failTotal.Load(),
	}
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertAudit, _ := s.db.Prepare(`INSERT OR REPLACE INTO audits(tick,seq,action,surface,entity,cover,x,y,z,radius,reason,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`)
	upsertSurface, _ := s.db.Prepare(`INSERT INTO surfaces(surface,state,dynamic,first_tick,last_tick,retractions) VALUES(?,?,?,?,?,0)
		ON CONFLICT(surface) DO UPDATE SET state=excluded.state, dynamic=excluded.dynamic, last_tick=excluded.last_tick`)
	setSurfaceState, _ := s.db.Prepare(`UPDATE surfaces SET state=?, last_tick=? WHERE surface=? AND state<>'retracted'`)
	retractSurface, _ := s.db.Prepare(`UPDATE surfaces SET state='retracted', last_tick=?, retractions=retractions+1 WHERE surface=?`)
	insertTuning, _ := s.db.Prepare(`INSERT OR REPLACE INTO tuning(digest,json,updated_at) VALUES(?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertAudit, upsertSurface, setSurfaceState, retractSurface, insertTuning} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 1000
		commitMaxWait = time.Second

		lastAuditTick uint64
		auditSeq      int
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.failTotal.Add(1)
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
		if err := tx.Commit(); err != nil {
			s.failTotal.Add(1)
			s.log.WithError(err).Warn("index commit failed")
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func(err error) {
		s.failTotal.Add(1)
		s.log.WithError(err).Warn("index write failed")
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) bool {
		if st == nil {
			return true
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback(err)
			return false
		}
		opCount++
		return true
	}

	for r := range s.ch {
		if r.kind == reqSync {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqAudit:
			a := r.audit
			if a.Tick != lastAuditTick {
				lastAuditTick = a.Tick
				auditSeq = 0
			}
			seq := auditSeq
			auditSeq++
			raw, _ := json.Marshal(a)
			if !exec(insertAudit, int64(a.Tick), seq, a.Action, a.Surface, a.Entity, a.Cover,
				a.Pos[0], a.Pos[1], a.Pos[2], a.Radius, a.Reason, string(raw)) {
				continue
			}
			if a.Surface == 0 {
				break
			}
			switch a.Action {
			case protocol.EventSurfaceAdded, protocol.EventSurfaceUpdated:
				dynamic, _ := a.Details["dynamic"].(bool)
				exec(upsertSurface, a.Surface, "live", dynamic, int64(a.Tick), int64(a.Tick))
			case protocol.EventSurfaceRemoved:
				exec(setSurfaceState, "removed", int64(a.Tick), a.Surface)
			case protocol.EventSurfaceRetracted:
				exec(retractSurface, int64(a.Tick), a.Surface)
			}

		case reqTuning:
			exec(insertTuning, r.tuning.Digest, string(r.tuning.JSON), r.tuning.At)
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}

	commit()
}

// AuditsForSurface returns the audit trail of one surface, oldest first.
func (s *SQLiteIndex) AuditsForSurface(ctx context.Context, surface uint32, limit int) ([]world.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT raw_json FROM audits WHERE surface=? ORDER BY tick, seq LIMIT ?`, surface, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []world.AuditEntry
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var e world.AuditEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("audit row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) CountByAction(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT action, COUNT(*) FROM audits GROUP BY action`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var (
			action string
			n      int
		)
		if err := rows.Scan(&action, &n); err != nil {
			return nil, err
		}
		out[action] = n
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) Surface(ctx context.Context, surface uint32) (SurfaceRow, bool, error) {
	var (
		r       SurfaceRow
		dynamic int
		first   int64
		last    int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT surface,state,dynamic,first_tick,last_tick,retractions FROM surfaces WHERE surface=?`, surface,
	).Scan(&r.Surface, &r.State, &dynamic, &first, &last, &r.Retractions)
	if err == sql.ErrNoRows {
		return SurfaceRow{}, false, nil
	}
	if err != nil {
		return SurfaceRow{}, false, err
	}
	r.Dynamic = dynamic != 0
	r.FirstTick, r.LastTick = uint64(first), uint64(last)
	return r, true, nil
}
