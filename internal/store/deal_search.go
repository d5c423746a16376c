package store

import (
	"context"
	"database/sql"
	"strings"
)

const (
	VariantStage = "stage"
	VariantOwner = "owner"
)

// DealSearch matches stuck deal names with SQL LIKE across both snapshot
// variants. It backs search when no search engine is reachable.
type DealSearch struct {
	db      *sql.DB
	dialect Dialect
}

func NewDealSearch(db *sql.DB, dialect Dialect) *DealSearch {
	return &DealSearch{db: db, dialect: dialect}
}

func escapeLike(text string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(text)
}

// Search returns up to limit deals whose name contains text, case
// insensitively, stage variant first, then in snapshot order.
func (s *DealSearch) Search(ctx context.Context, partition Partition, text string, limit int) ([]DealHit, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return []DealHit{}, nil
	}
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + strings.ToLower(escapeLike(text)) + "%"

	query := s.dialect.Rebind(`SELECT variant, group_key, group_label, name, record_id, modified_at FROM (
			SELECT 'stage' AS variant, d.stage AS group_key, g.label AS group_label, d.name, d.record_id, d.modified_at,
				0 AS variant_order, g.ordinal AS group_order, d.ordinal AS deal_order
			FROM stage_deals d
			JOIN stages g ON g.partition_key = d.partition_key AND g.stage = d.stage
			WHERE d.partition_key = ? AND LOWER(d.name) LIKE ? ESCAPE '\'
			UNION ALL
			SELECT 'owner' AS variant, d.owner_id AS group_key, g.owner_name AS group_label, d.name, d.record_id, d.modified_at,
				1 AS variant_order, g.ordinal AS group_order, d.ordinal AS deal_order
			FROM owner_deals d
			JOIN owners g ON g.partition_key = d.partition_key AND g.owner_id = d.owner_id
			WHERE d.partition_key = ? AND LOWER(d.name) LIKE ? ESCAPE '\'
		) hits
		ORDER BY variant_order, group_order, deal_order
		LIMIT ?`)

	rows, err := s.db.QueryContext(ctx, query, string(partition), pattern, string(partition), pattern, limit)
	if err != nil {
		return nil, storageError("search deals", err)
	}
	defer rows.Close()

	hits := []DealHit{}
	for hit, err := range eachRow(rows, func(rows *sql.Rows) (DealHit, error) {
		var hit DealHit
		var modified int64
		err := rows.Scan(&hit.Variant, &hit.GroupKey, &hit.GroupLabel, &hit.Name, &hit.RecordID, &modified)
		hit.LastModified = fromMillis(modified)
		return hit, err
	}) {
		if err != nil {
			return nil, storageError("scan deal hit", err)
		}
		hits = append(hits, hit)
	}
	return hits, nil
}
