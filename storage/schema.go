package storage

import "database/sql"

// CreateTables creates the schema described in spec.md §6, if it does
// not already exist. Witness and note rows key off (tx, output_index)
// rather than a separate surrogate note id: the checkpoint's own
// UNIQUE(tx, output_index) constraint on received_notes already makes
// that tuple a stable identifier, and it is what every other stage
// already carries around as note.Key.
func CreateTables(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS blocks (
			height INTEGER PRIMARY KEY,
			hash BLOB NOT NULL,
			timestamp INTEGER NOT NULL,
			sapling_frontier BLOB,
			orchard_frontier BLOB
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account INTEGER NOT NULL,
			txid BLOB NOT NULL,
			height INTEGER NOT NULL,
			timestamp INTEGER NOT NULL,
			value INTEGER NOT NULL,
			address TEXT,
			memo TEXT,
			tx_index INTEGER NOT NULL,
			UNIQUE(height, tx_index, account)
		)`,
		`CREATE TABLE IF NOT EXISTS received_notes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account INTEGER NOT NULL,
			pool INTEGER NOT NULL,
			position INTEGER NOT NULL,
			txid BLOB NOT NULL,
			height INTEGER NOT NULL,
			output_index INTEGER NOT NULL,
			diversifier BLOB NOT NULL,
			value INTEGER NOT NULL,
			rcm BLOB NOT NULL,
			nf BLOB UNIQUE NOT NULL,
			spent INTEGER,
			excluded BOOLEAN NOT NULL DEFAULT 0,
			UNIQUE(txid, output_index)
		)`,
		`CREATE TABLE IF NOT EXISTS witnesses (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			txid BLOB NOT NULL,
			output_index INTEGER NOT NULL,
			height INTEGER NOT NULL,
			witness BLOB NOT NULL,
			UNIQUE(txid, output_index, height)
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
