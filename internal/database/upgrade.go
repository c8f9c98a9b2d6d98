package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/example/engprogress/internal/schema"
)

// catalogTable records what the store actually contains, so that an upgrade
// diffs against real state rather than trusting the previous version number.
const catalogTable = "_collections"

const createCatalog = `
	CREATE TABLE IF NOT EXISTS _collections (
		name TEXT PRIMARY KEY,
		primary_key TEXT NOT NULL,
		indexes TEXT NOT NULL
	)`

type catalogRow struct {
	Name       string `db:"name"`
	PrimaryKey string `db:"primary_key"`
	Indexes    string `db:"indexes"`
}

func quote(name string) string {
	return `"` + name + `"`
}

// indexExpr is the SQL expression an index over keyPath is built on
func indexExpr(keyPath string) string {
	return "json_extract(doc, '$." + keyPath + "')"
}

func indexName(collection, index string) string {
	return collection + "__" + index
}

func createTableSQL(c schema.Collection) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		pk TEXT PRIMARY KEY NOT NULL,
		doc TEXT NOT NULL
	)`, quote(c.Name))
}

func createIndexSQL(collection string, idx schema.Index) string {
	unique := ""
	if idx.Unique {
		unique = "UNIQUE "
	}
	return fmt.Sprintf("CREATE %sINDEX %s ON %s (%s)",
		unique, quote(indexName(collection, idx.Name)), quote(collection), indexExpr(idx.KeyPath))
}

func dropIndexSQL(collection, index string) string {
	return "DROP INDEX IF EXISTS " + quote(indexName(collection, index))
}

// readCatalog returns the collections recorded in the store. A store that
// was never upgraded has none.
func readCatalog(ctx context.Context, q sqlx.QueryerContext) ([]schema.Collection, error) {
	var n int
	err := sqlx.GetContext(ctx, q, &n,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", catalogTable)
	if err != nil {
		return nil, classify(err)
	}
	if n == 0 {
		return nil, nil
	}

	var rows []catalogRow
	if err := sqlx.SelectContext(ctx, q, &rows, "SELECT name, primary_key, indexes FROM _collections ORDER BY name"); err != nil {
		return nil, classify(err)
	}
	cols := make([]schema.Collection, 0, len(rows))
	for _, r := range rows {
		c := schema.Collection{Name: r.Name, PrimaryKey: r.PrimaryKey}
		if err := json.Unmarshal([]byte(r.Indexes), &c.Indexes); err != nil {
			return nil, fmt.Errorf("%w: catalog entry %s: %v", ErrCorrupt, r.Name, err)
		}
		cols = append(cols, c)
	}
	return cols, nil
}

func writeCatalog(ctx context.Context, tx *sqlx.Tx, c schema.Collection) error {
	indexes := c.Indexes
	if indexes == nil {
		indexes = []schema.Index{}
	}
	data, err := json.Marshal(indexes)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO _collections (name, primary_key, indexes) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET primary_key = excluded.primary_key, indexes = excluded.indexes`,
		c.Name, c.PrimaryKey, string(data))
	return err
}

// applyUpgrade brings the store to desc in one transaction. Missing
// collections and indexes are created, changed indexes are rebuilt and
// removed indexes dropped. Collections are never dropped. hook, when set,
// runs just before commit.
func applyUpgrade(ctx context.Context, db *sqlx.DB, desc schema.Descriptor, hook func() error) (err error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, createCatalog); err != nil {
		return classify(err)
	}
	existing, err := readCatalog(ctx, tx)
	if err != nil {
		return err
	}
	current := make(map[string]schema.Collection, len(existing))
	for _, c := range existing {
		current[c.Name] = c
	}

	for _, target := range desc.Collections {
		have, ok := current[target.Name]
		if ok && have.PrimaryKey != target.PrimaryKey {
			return fmt.Errorf("collection %s: primary key cannot change from %q to %q",
				target.Name, have.PrimaryKey, target.PrimaryKey)
		}
		if !ok {
			if _, err = tx.ExecContext(ctx, createTableSQL(target)); err != nil {
				return fmt.Errorf("failed to create collection %s: %w", target.Name, classify(err))
			}
		}
		if err = diffIndexes(ctx, tx, have, target); err != nil {
			return err
		}
		if err = writeCatalog(ctx, tx, target); err != nil {
			return fmt.Errorf("failed to record collection %s: %w", target.Name, classify(err))
		}
	}

	if _, err = tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", desc.Version)); err != nil {
		return classify(err)
	}
	if hook != nil {
		if err = hook(); err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

func diffIndexes(ctx context.Context, tx *sqlx.Tx, have, target schema.Collection) error {
	for _, old := range have.Indexes {
		if idx, ok := target.Index(old.Name); ok && idx == old {
			continue
		}
		if _, err := tx.ExecContext(ctx, dropIndexSQL(target.Name, old.Name)); err != nil {
			return fmt.Errorf("failed to drop index %s.%s: %w", target.Name, old.Name, classify(err))
		}
	}
	for _, idx := range target.Indexes {
		if old, ok := have.Index(idx.Name); ok && old == idx {
			continue
		}
		if _, err := tx.ExecContext(ctx, createIndexSQL(target.Name, idx)); err != nil {
			return fmt.Errorf("failed to create index %s.%s: %w", target.Name, idx.Name, classify(err))
		}
	}
	return nil
}

