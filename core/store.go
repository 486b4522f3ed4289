package core

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

// DatabaseVersion is the current schema version recorded in the option
// table (spec.md §6). There is no downgrade path.
const DatabaseVersion = 1

// Store is the persistent block repository (spec.md §4.2): a single
// multi_chain table keyed by block_hash, queried by id and by
// (sequence number, public key) with either side of a block treated
// symmetrically (spec.md §4.2 "Query semantics", §9 "Store unions").
type Store struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// OpenStore opens (creating if absent) the sqlite database at
// <workingDir>/sqlite/multichain.db, per spec.md §6.
func OpenStore(workingDir string) (*Store, error) {
	dir := filepath.Join(workingDir, "sqlite")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("flowchain: create store directory: %w", err)
	}
	return openStoreFile(filepath.Join(dir, "multichain.db"))
}

func openStoreFile(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStore, path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping %s: %v", ErrStore, path, err)
	}
	// SQLite allows exactly one writer; serialize through a single
	// connection so the chain_lock discipline upstream isn't undercut by
	// pool-level interleaving.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS multi_chain (
		block_hash                    BLOB PRIMARY KEY,
		up                            INTEGER NOT NULL,
		down                          INTEGER NOT NULL,
		total_up_requester            INTEGER NOT NULL,
		total_down_requester          INTEGER NOT NULL,
		sequence_number_requester     INTEGER NOT NULL,
		previous_hash_requester       BLOB NOT NULL,
		total_up_responder            INTEGER NOT NULL,
		total_down_responder          INTEGER NOT NULL,
		sequence_number_responder     INTEGER NOT NULL,
		previous_hash_responder       BLOB NOT NULL,
		public_key_requester          BLOB NOT NULL,
		public_key_responder          BLOB NOT NULL,
		signature_requester           BLOB NOT NULL,
		signature_responder           BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_multi_chain_requester ON multi_chain(public_key_requester, sequence_number_requester);
	CREATE INDEX IF NOT EXISTS idx_multi_chain_responder ON multi_chain(public_key_responder, sequence_number_responder);
	CREATE INDEX IF NOT EXISTS idx_multi_chain_sig_requester ON multi_chain(signature_requester, public_key_requester);
	CREATE INDEX IF NOT EXISTS idx_multi_chain_sig_responder ON multi_chain(signature_responder, public_key_responder);

	CREATE TABLE IF NOT EXISTS option (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("%w: init schema: %v", ErrStore, err)
	}
	var version string
	err := s.db.QueryRow(`SELECT value FROM option WHERE key = 'database_version'`).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.Exec(`INSERT INTO option(key, value) VALUES ('database_version', ?)`, fmt.Sprint(DatabaseVersion))
		if err != nil {
			return fmt.Errorf("%w: seed database_version: %v", ErrStore, err)
		}
	case err != nil:
		return fmt.Errorf("%w: read database_version: %v", ErrStore, err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func blockFromRow(hash []byte, up, down, totalUpR, totalDownR uint64, seqR int64, prevR []byte,
	totalUpP, totalDownP uint64, seqP int64, prevP []byte,
	pkR, pkP, sigR, sigP []byte) *Block {
	b := &Block{
		Payload: Payload{
			Up:                      uint32(up),
			Down:                    uint32(down),
			TotalUpRequester:        uint32(totalUpR),
			TotalDownRequester:      uint32(totalDownR),
			SequenceNumberRequester: int32(seqR),
			TotalUpResponder:        uint32(totalUpP),
			TotalDownResponder:      uint32(totalDownP),
			SequenceNumberResponder: int32(seqP),
		},
		PublicKeyRequester: append(PublicKey(nil), pkR...),
		PublicKeyResponder: append(PublicKey(nil), pkP...),
		SignatureRequester: append([]byte(nil), sigR...),
		SignatureResponder: append([]byte(nil), sigP...),
	}
	copy(b.PreviousHashRequester[:], prevR)
	copy(b.PreviousHashResponder[:], prevP)
	_ = hash
	return b
}

const selectColumns = `block_hash, up, down, total_up_requester, total_down_requester, sequence_number_requester,
	previous_hash_requester, total_up_responder, total_down_responder, sequence_number_responder,
	previous_hash_responder, public_key_requester, public_key_responder, signature_requester, signature_responder`

func scanBlock(row interface{ Scan(...interface{}) error }) (*Block, error) {
	var (
		hash, prevR, prevP, pkR, pkP, sigR, sigP  []byte
		up, down, totalUpR, totalDownR, totalUpP, totalDownP uint64
		seqR, seqP                                int64
	)
	if err := row.Scan(&hash, &up, &down, &totalUpR, &totalDownR, &seqR, &prevR,
		&totalUpP, &totalDownP, &seqP, &prevP, &pkR, &pkP, &sigR, &sigP); err != nil {
		return nil, err
	}
	return blockFromRow(hash, up, down, totalUpR, totalDownR, seqR, prevR,
		totalUpP, totalDownP, seqP, prevP, pkR, pkP, sigR, sigP), nil
}

// Insert persists a new, fully-signed block. It fails with
// ErrDuplicateBlock if a block with the same id already exists.
func (s *Store) Insert(b *Block) error {
	id, err := b.ID()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if exists, err := s.containsLocked(id); err != nil {
		return err
	} else if exists {
		return fmt.Errorf("%w: %s", ErrDuplicateBlock, id)
	}

	_, err = s.db.Exec(`INSERT INTO multi_chain (
		block_hash, up, down, total_up_requester, total_down_requester, sequence_number_requester,
		previous_hash_requester, total_up_responder, total_down_responder, sequence_number_responder,
		previous_hash_responder, public_key_requester, public_key_responder, signature_requester, signature_responder
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id[:], b.Up, b.Down, b.TotalUpRequester, b.TotalDownRequester, b.SequenceNumberRequester,
		b.PreviousHashRequester[:], b.TotalUpResponder, b.TotalDownResponder, b.SequenceNumberResponder,
		b.PreviousHashResponder[:], []byte(b.PublicKeyRequester), []byte(b.PublicKeyResponder),
		b.SignatureRequester, b.SignatureResponder)
	if err != nil {
		// A UNIQUE constraint violation racing with the check above is
		// still reported as a duplicate, not a generic store error.
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateBlock, id)
		}
		return fmt.Errorf("%w: insert %s: %v", ErrStore, id, err)
	}
	log.Debugf("store: persisted block %s (req seq=%d resp seq=%d)", id, b.SequenceNumberRequester, b.SequenceNumberResponder)
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "constraint failed")
}

// Get performs a point lookup by content id.
func (s *Store) Get(id Hash) (*Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow(`SELECT `+selectColumns+` FROM multi_chain WHERE block_hash = ?`, id[:])
	b, err := scanBlock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", ErrStore, id, err)
	}
	return b, nil
}

// Contains reports whether a block with the given id is already stored.
func (s *Store) Contains(id Hash) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.containsLocked(id)
}

func (s *Store) containsLocked(id Hash) (bool, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM multi_chain WHERE block_hash = ?`, id[:]).Scan(&count); err != nil {
		return false, fmt.Errorf("%w: contains %s: %v", ErrStore, id, err)
	}
	return count > 0, nil
}

// ContainsSignature reports whether a block already carries sig under pk
// on either side — used to suppress duplicate persistence on replay.
func (s *Store) ContainsSignature(sig []byte, pk PublicKey) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM multi_chain WHERE
		(signature_requester = ? AND public_key_requester = ?) OR
		(signature_responder = ? AND public_key_responder = ?)`,
		sig, []byte(pk), sig, []byte(pk)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("%w: contains signature: %v", ErrStore, err)
	}
	return count > 0, nil
}

// GetBySeqAndPK finds the block where pk appears on either side at the
// given sequence number. At most one such block exists (spec.md I5).
func (s *Store) GetBySeqAndPK(seq int32, pk PublicKey) (*Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow(`SELECT `+selectColumns+` FROM multi_chain WHERE
		(public_key_requester = ? AND sequence_number_requester = ?) OR
		(public_key_responder = ? AND sequence_number_responder = ?)
		LIMIT 1`, []byte(pk), seq, []byte(pk), seq)
	b, err := scanBlock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get by seq/pk: %v", ErrStore, err)
	}
	return b, nil
}

// LatestSequenceNumber returns the greatest sequence number across both
// sides for pk, or -1 if pk has no blocks.
func (s *Store) LatestSequenceNumber(pk PublicKey) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestSequenceNumberLocked(pk)
}

func (s *Store) latestSequenceNumberLocked(pk PublicKey) (int64, error) {
	var reqMax, respMax sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(sequence_number_requester) FROM multi_chain WHERE public_key_requester = ?`, []byte(pk)).Scan(&reqMax); err != nil {
		return 0, fmt.Errorf("%w: latest seq (requester): %v", ErrStore, err)
	}
	if err := s.db.QueryRow(`SELECT MAX(sequence_number_responder) FROM multi_chain WHERE public_key_responder = ?`, []byte(pk)).Scan(&respMax); err != nil {
		return 0, fmt.Errorf("%w: latest seq (responder): %v", ErrStore, err)
	}
	max := int64(-1)
	if reqMax.Valid && reqMax.Int64 > max {
		max = reqMax.Int64
	}
	if respMax.Valid && respMax.Int64 > max {
		max = respMax.Int64
	}
	return max, nil
}

// PreviousID returns the id of the block carrying pk's greatest sequence
// number, or (Hash{}, false) if pk has no blocks yet.
func (s *Store) PreviousID(pk PublicKey) (Hash, bool, error) {
	b, err := s.latestBlockFor(pk)
	if err != nil {
		return Hash{}, false, err
	}
	if b == nil {
		return Hash{}, false, nil
	}
	id, err := b.ID()
	if err != nil {
		return Hash{}, false, err
	}
	return id, true, nil
}

// Totals returns (total_up, total_down) taken from pk's side of the
// block carrying pk's greatest sequence number, or (-1, -1) if pk has no
// blocks yet (spec.md §4.2, P4). Half-signed requests never reach the
// Store, so every row here is a completed block (spec.md S6).
func (s *Store) Totals(pk PublicKey) (int64, int64, error) {
	b, err := s.latestBlockFor(pk)
	if err != nil {
		return 0, 0, err
	}
	if b == nil {
		return -1, -1, nil
	}
	side, ok := b.sideOf(pk)
	if !ok {
		return -1, -1, nil
	}
	up, down := b.totalsFor(side)
	return int64(up), int64(down), nil
}

func (s *Store) latestBlockFor(pk PublicKey) (*Block, error) {
	seq, err := s.LatestSequenceNumber(pk)
	if err != nil {
		return nil, err
	}
	if seq < 0 {
		return nil, nil
	}
	return s.GetBySeqAndPK(int32(seq), pk)
}

// Chain returns up to limit of pk's most recent blocks, newest first,
// walking sequence numbers down from the latest (SPEC_FULL.md §12,
// grounded on the original's get_ancestor_blocks query surface). limit
// <= 0 means "no bound".
func (s *Store) Chain(pk PublicKey, limit int) ([]*Block, error) {
	latest, err := s.LatestSequenceNumber(pk)
	if err != nil {
		return nil, err
	}
	var out []*Block
	for seq := latest; seq >= 1; seq-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		b, err := s.GetBySeqAndPK(int32(seq), pk)
		if err != nil {
			return nil, err
		}
		if b == nil {
			break
		}
		out = append(out, b)
	}
	return out, nil
}
