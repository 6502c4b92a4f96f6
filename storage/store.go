// Package storage is the persistent store described in spec.md §6:
// blocks, transactions, received notes, and witnesses, committed
// atomically at every chunk boundary. The engine talks to it only
// through the Store interface; Sqlite3Store is the one concrete
// implementation, grounded on the teacher's storage/sqlite3.go
// (database/sql + github.com/mattn/go-sqlite3).
package storage

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/gob"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/zcash/warpsync/checkpoint"
	"github.com/zcash/warpsync/note"
	"github.com/zcash/warpsync/pool"
	"github.com/zcash/warpsync/tree"
)

// Store is everything the engine needs from the persistent layer.
// The spend detector/committer writes checkpoints and the reorg
// handler's RollbackTo deletes state past a common ancestor; every
// other stage either doesn't touch the store or only reads from it at
// startup.
type Store interface {
	// Commit applies a checkpoint atomically: all of it, or none.
	Commit(ctx context.Context, cp checkpoint.Checkpoint) error

	// LatestHeight returns the highest committed block height, or
	// (0, false) if the store is empty.
	LatestHeight(ctx context.Context) (uint64, bool, error)

	// BlockHash returns the stored hash at a height, for reorg
	// detection (spec.md §4.5).
	BlockHash(ctx context.Context, height uint64) ([32]byte, bool, error)

	// LoadFrontier reconstructs the frontier for a pool as of the
	// given height, for resuming a sync run or after a rollback.
	LoadFrontier(ctx context.Context, p pool.ID, height uint64) (tree.Frontier, error)

	// LoadWitnesses reconstructs every unspent note's witness as of
	// the given height.
	LoadWitnesses(ctx context.Context, p pool.ID, height uint64) (map[note.Key]*tree.Witness, error)

	// UnspentNotes returns every note received at or before height
	// that has no spend mark, for rebuilding the spend detector's
	// watch set when a sync run resumes.
	UnspentNotes(ctx context.Context, p pool.ID, height uint64) ([]note.Received, error)

	// RollbackTo deletes all state with height > h and clears the
	// spent mark of any note whose spend height exceeded h (spec.md
	// §4.5 "Rollback").
	RollbackTo(ctx context.Context, h uint64) error
}

// Sqlite3Store is a Store backed by an embedded sqlite3 database.
type Sqlite3Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) a sqlite3-backed store at dsn,
// e.g. "file:wallet.db" or ":memory:" for tests.
func Open(dsn string) (*Sqlite3Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", dsn, err)
	}
	if err := CreateTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: create tables: %w", err)
	}
	return &Sqlite3Store{db: db}, nil
}

func (s *Sqlite3Store) Close() error { return s.db.Close() }

func (s *Sqlite3Store) Commit(ctx context.Context, cp checkpoint.Checkpoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin commit: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	saplingBlob, err := encodeFrontier(cp.Block.Frontier[pool.Sapling])
	if err != nil {
		return err
	}
	orchardBlob, err := encodeFrontier(cp.Block.Frontier[pool.Orchard])
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO blocks (height, hash, timestamp, sapling_frontier, orchard_frontier)
		 VALUES (?, ?, ?, ?, ?)`,
		cp.Block.Height, cp.Block.Hash[:], cp.Block.Time, saplingBlob, orchardBlob,
	); err != nil {
		return fmt.Errorf("storage: insert block row: %w", err)
	}

	for _, n := range cp.NewNotes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO received_notes
			 (account, pool, position, txid, height, output_index, diversifier, value, rcm, nf, spent, excluded)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)`,
			n.Account, int(n.Pool), n.Position, n.Txid[:], n.Height, n.OutputIndex,
			n.Diversifier[:], n.Value, n.Rseed[:], n.Nullifier[:], n.Excluded,
		); err != nil {
			return fmt.Errorf("storage: insert note %x/%d: %w", n.Txid, n.OutputIndex, err)
		}
	}

	for _, m := range cp.SpentMarks {
		res, err := tx.ExecContext(ctx,
			`UPDATE received_notes SET spent = ? WHERE txid = ? AND output_index = ?`,
			m.Height, m.NoteKey.Txid[:], m.NoteKey.OutputIndex,
		)
		if err != nil {
			return fmt.Errorf("storage: mark spent %x/%d: %w", m.NoteKey.Txid, m.NoteKey.OutputIndex, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("storage: spend mark for unknown note %x/%d", m.NoteKey.Txid, m.NoteKey.OutputIndex)
		}
	}

	for _, w := range cp.Witnesses {
		blob, err := encodeWitness(w.Witness)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO witnesses (txid, output_index, height, witness) VALUES (?, ?, ?, ?)`,
			w.NoteKey.Txid[:], w.NoteKey.OutputIndex, w.Height, blob,
		); err != nil {
			return fmt.Errorf("storage: insert witness %x/%d@%d: %w", w.NoteKey.Txid, w.NoteKey.OutputIndex, w.Height, err)
		}
	}

	for _, t := range cp.Transactions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO transactions (account, txid, height, timestamp, value, address, memo, tx_index)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			t.Account, t.Txid[:], t.Height, cp.Block.Time, t.Value, t.Address, t.Memo, t.TxIndex,
		); err != nil {
			return fmt.Errorf("storage: insert transaction %x: %w", t.Txid, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit checkpoint at height %d: %w", cp.Block.Height, err)
	}
	return nil
}

func (s *Sqlite3Store) LatestHeight(ctx context.Context) (uint64, bool, error) {
	var height sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(height) FROM blocks`).Scan(&height)
	if err != nil {
		return 0, false, err
	}
	if !height.Valid {
		return 0, false, nil // MAX over an empty table is NULL
	}
	return uint64(height.Int64), true, nil
}

func (s *Sqlite3Store) BlockHash(ctx context.Context, height uint64) ([32]byte, bool, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT hash FROM blocks WHERE height = ?`, height).Scan(&raw)
	if err == sql.ErrNoRows {
		return [32]byte{}, false, nil
	}
	if err != nil {
		return [32]byte{}, false, err
	}
	var hash [32]byte
	copy(hash[:], raw)
	return hash, true, nil
}

func (s *Sqlite3Store) LoadFrontier(ctx context.Context, p pool.ID, height uint64) (tree.Frontier, error) {
	column := "sapling_frontier"
	if p == pool.Orchard {
		column = "orchard_frontier"
	}
	var raw []byte
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM blocks WHERE height = ?`, column), height).Scan(&raw)
	if err == sql.ErrNoRows {
		return tree.Frontier{}, fmt.Errorf("storage: no block row at height %d", height)
	}
	if err != nil {
		return tree.Frontier{}, err
	}
	return decodeFrontier(raw)
}

func (s *Sqlite3Store) LoadWitnesses(ctx context.Context, p pool.ID, height uint64) (map[note.Key]*tree.Witness, error) {
	// Each note's most recent witness row at or before height is its
	// current one; the note's rows at earlier heights are superseded,
	// not deleted, so later sync runs can still answer
	// "what did the witness look like at height H" for audit/debug.
	rows, err := s.db.QueryContext(ctx, `
		SELECT w.txid, w.output_index, w.witness
		FROM witnesses w
		JOIN received_notes n ON n.txid = w.txid AND n.output_index = w.output_index
		WHERE w.height = (
			SELECT MAX(height) FROM witnesses w2
			WHERE w2.txid = w.txid AND w2.output_index = w.output_index AND w2.height <= ?
		)
		AND n.pool = ? AND n.spent IS NULL
	`, height, int(p))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[note.Key]*tree.Witness)
	for rows.Next() {
		var txidRaw []byte
		var outIdx int
		var witnessRaw []byte
		if err := rows.Scan(&txidRaw, &outIdx, &witnessRaw); err != nil {
			return nil, err
		}
		w, err := decodeWitness(witnessRaw)
		if err != nil {
			return nil, err
		}
		var key note.Key
		copy(key.Txid[:], txidRaw)
		key.OutputIndex = outIdx
		out[key] = w
	}
	return out, rows.Err()
}

func (s *Sqlite3Store) UnspentNotes(ctx context.Context, p pool.ID, height uint64) ([]note.Received, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account, position, txid, height, output_index, diversifier, value, rcm, nf, excluded
		FROM received_notes
		WHERE pool = ? AND height <= ? AND spent IS NULL
	`, int(p), height)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []note.Received
	for rows.Next() {
		var n note.Received
		var txid, diversifier, rcm, nf []byte
		if err := rows.Scan(&n.Account, &n.Position, &txid, &n.Height, &n.OutputIndex,
			&diversifier, &n.Value, &rcm, &nf, &n.Excluded); err != nil {
			return nil, err
		}
		copy(n.Txid[:], txid)
		copy(n.Diversifier[:], diversifier)
		copy(n.Rseed[:], rcm)
		copy(n.Nullifier[:], nf)
		n.Pool = p
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Sqlite3Store) RollbackTo(ctx context.Context, h uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmts := []string{
		`DELETE FROM witnesses WHERE height > ?`,
		`DELETE FROM transactions WHERE height > ?`,
		`DELETE FROM received_notes WHERE height > ?`,
		`DELETE FROM blocks WHERE height > ?`,
		`UPDATE received_notes SET spent = NULL WHERE spent > ?`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, h); err != nil {
			return fmt.Errorf("storage: rollback to %d: %w", h, err)
		}
	}
	return tx.Commit()
}

func encodeFrontier(f tree.Frontier) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(f); err != nil {
		return nil, fmt.Errorf("storage: encode frontier: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeFrontier(raw []byte) (tree.Frontier, error) {
	var f tree.Frontier
	if len(raw) == 0 {
		return f, nil
	}
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&f); err != nil {
		return f, fmt.Errorf("storage: decode frontier: %w", err)
	}
	return f, nil
}

// witnessWire is the exported mirror of tree.Witness's persisted
// fields; tree.Witness keeps its fill-scheduling state unexported, so
// storage rebuilds it with tree.Rebuild after decoding.
type witnessWire struct {
	Position uint64
	Ommers   [pool.Depth]pool.Hash
	Filled   [pool.Depth]bool
}

func encodeWitness(w tree.Witness) ([]byte, error) {
	wire := witnessWire{Position: w.Position, Ommers: w.Ommers, Filled: w.Filled}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(wire); err != nil {
		return nil, fmt.Errorf("storage: encode witness: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeWitness(raw []byte) (*tree.Witness, error) {
	var wire witnessWire
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&wire); err != nil {
		return nil, fmt.Errorf("storage: decode witness: %w", err)
	}
	return tree.Rebuild(wire.Position, wire.Ommers, wire.Filled), nil
}

var _ Store = (*Sqlite3Store)(nil)
