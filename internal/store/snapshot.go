package store

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"strconv"
	"sync"
)

const (
	metaPortalID   = "portalId"
	metaStuckDeals = "stuckDeals"
	metaTotalDeals = "totalDeals"
)

// snapshotTables holds the shared replace/read plumbing of both snapshot variants.
type snapshotTables struct {
	db      *sql.DB
	dialect Dialect
	// write lock for Load, read lock for readers
	mu sync.RWMutex

	metadataTable string
	groupTable    string
	detailTable   string
}

func (s *snapshotTables) q(query string) string {
	return s.dialect.Rebind(query)
}

func (s *snapshotTables) initializeSchema(ctx context.Context) error {
	if err := ApplyMigrations(ctx, s.db, s.dialect, Migrations()); err != nil {
		return storageError("initialize schema", err)
	}
	return nil
}

// replace clears the partition and runs fill inside one transaction.
func (s *snapshotTables) replace(ctx context.Context, partition Partition, meta snapshotMeta, fill func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError("begin load", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{s.metadataTable, s.groupTable, s.detailTable} {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM `+table+` WHERE partition_key = ?`), string(partition)); err != nil {
			return storageError("clear "+table, err)
		}
	}

	insertMeta := s.q(`INSERT INTO ` + s.metadataTable + ` (partition_key, meta_key, meta_value) VALUES (?, ?, ?)
		ON CONFLICT (partition_key, meta_key) DO UPDATE SET meta_value = excluded.meta_value`)
	for _, kv := range [][2]string{
		{metaPortalID, meta.PortalID},
		{metaStuckDeals, strconv.Itoa(meta.StuckDeals)},
		{metaTotalDeals, strconv.Itoa(meta.TotalDeals)},
	} {
		if _, err := tx.ExecContext(ctx, insertMeta, string(partition), kv[0], kv[1]); err != nil {
			return storageError("insert metadata "+kv[0], err)
		}
	}

	if err := fill(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return storageError("commit load", err)
	}
	return nil
}

type snapshotMeta struct {
	PortalID   string
	TotalDeals int
	StuckDeals int
}

func (s *snapshotTables) readMetadata(ctx context.Context, partition Partition) (snapshotMeta, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT meta_key, meta_value FROM `+s.metadataTable+` WHERE partition_key = ?`), string(partition))
	if err != nil {
		return snapshotMeta{}, storageError("read metadata", err)
	}
	defer rows.Close()

	var meta snapshotMeta
	for kv, err := range eachRow(rows, func(rows *sql.Rows) ([2]string, error) {
		var kv [2]string
		err := rows.Scan(&kv[0], &kv[1])
		return kv, err
	}) {
		if err != nil {
			return snapshotMeta{}, storageError("scan metadata", err)
		}
		switch kv[0] {
		case metaPortalID:
			meta.PortalID = kv[1]
		case metaStuckDeals:
			meta.StuckDeals = atoiOrZero(kv[1])
		case metaTotalDeals:
			meta.TotalDeals = atoiOrZero(kv[1])
		}
	}
	return meta, nil
}

// eachRow yields scanned rows lazily; a scan or cursor error is yielded once and ends the sequence.
func eachRow[T any](rows *sql.Rows, scan func(*sql.Rows) (T, error)) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for rows.Next() {
			item, err := scan(rows)
			if !yield(item, err) || err != nil {
				return
			}
		}
		if err := rows.Err(); err != nil {
			var zero T
			yield(zero, err)
		}
	}
}

func atoiOrZero(value string) int {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return n
}

func requirePartition(partition Partition) error {
	if partition == "" {
		return fmt.Errorf("partition is required")
	}
	return nil
}
