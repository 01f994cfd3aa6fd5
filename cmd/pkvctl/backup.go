package main

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	persistkv "github.com/SimonWaldherr/persistkv"
)

// save/load move one tree through a portable SQLite archive: a single
// table of (key BLOB, value BLOB) rows holding the encoded key bytes and
// the visible values. The archive is self-describing and survives page
// size changes.

const archiveSchema = `
CREATE TABLE IF NOT EXISTS pkv_entries (
	tree  TEXT NOT NULL,
	key   BLOB NOT NULL,
	value BLOB NOT NULL,
	PRIMARY KEY (tree, key)
);`

func saveCmd() *cobra.Command {
	var treeName, outPath string
	c := &cobra.Command{
		Use:   "save",
		Short: "Back a tree up into a SQLite archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			if outPath == "" {
				return fmt.Errorf("--out is required")
			}
			db, err := openEngine()
			if err != nil {
				return err
			}
			defer db.Close()

			arc, err := sql.Open("sqlite", outPath)
			if err != nil {
				return err
			}
			defer arc.Close()
			if _, err := arc.Exec(archiveSchema); err != nil {
				return err
			}

			ex, err := db.Exchange(volName, treeName, false)
			if err != nil {
				return err
			}
			defer db.ReleaseExchange(ex)

			tx, err := arc.Begin()
			if err != nil {
				return err
			}
			stmt, err := tx.Prepare(`INSERT OR REPLACE INTO pkv_entries (tree, key, value) VALUES (?, ?, ?)`)
			if err != nil {
				tx.Rollback()
				return err
			}
			n := 0
			ex.ToBefore()
			for {
				ok, err := ex.Traverse(persistkv.GT, true)
				if err != nil {
					tx.Rollback()
					return err
				}
				if !ok {
					break
				}
				if _, err := stmt.Exec(treeName, ex.Key().Encoded(), ex.Value()); err != nil {
					tx.Rollback()
					return err
				}
				n++
			}
			if err := tx.Commit(); err != nil {
				return err
			}
			fmt.Printf("saved %d entries from %s/%s to %s\n", n, volName, treeName, outPath)
			return nil
		},
	}
	c.Flags().StringVar(&treeName, "tree", "", "tree to save")
	c.Flags().StringVar(&outPath, "out", "", "archive path")
	return c
}

func loadCmd() *cobra.Command {
	var treeName, inPath string
	c := &cobra.Command{
		Use:   "load",
		Short: "Restore a tree from a SQLite archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			if inPath == "" {
				return fmt.Errorf("--in is required")
			}
			db, err := openEngine()
			if err != nil {
				return err
			}
			defer db.Close()

			arc, err := sql.Open("sqlite", inPath)
			if err != nil {
				return err
			}
			defer arc.Close()

			rows, err := arc.Query(`SELECT key, value FROM pkv_entries WHERE tree = ? ORDER BY key`, treeName)
			if err != nil {
				return err
			}
			defer rows.Close()

			ex, err := db.Exchange(volName, treeName, true)
			if err != nil {
				return err
			}
			defer db.ReleaseExchange(ex)

			n := 0
			for rows.Next() {
				var key, value []byte
				if err := rows.Scan(&key, &value); err != nil {
					return err
				}
				ex.Key().SetEncoded(key)
				if err := ex.Store(value); err != nil {
					return err
				}
				n++
			}
			if err := rows.Err(); err != nil {
				return err
			}
			fmt.Printf("loaded %d entries into %s/%s from %s\n", n, volName, treeName, inPath)
			return nil
		},
	}
	c.Flags().StringVar(&treeName, "tree", "", "tree to load")
	c.Flags().StringVar(&inPath, "in", "", "archive path")
	return c
}
