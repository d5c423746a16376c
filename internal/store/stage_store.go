package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
)

// StageStore persists the stuck-deals snapshot grouped by pipeline stage.
type StageStore struct {
	tables snapshotTables
}

func NewStageStore(db *sql.DB, dialect Dialect) *StageStore {
	return &StageStore{tables: snapshotTables{
		db:            db,
		dialect:       dialect,
		metadataTable: "stage_metadata",
		groupTable:    "stages",
		detailTable:   "stage_deals",
	}}
}

func (s *StageStore) InitializeSchema(ctx context.Context) error {
	return s.tables.initializeSchema(ctx)
}

func (s *StageStore) Ping(ctx context.Context) error {
	return s.tables.db.PingContext(ctx)
}

// Load replaces the partition's snapshot. Duplicate (stage, recordId) pairs keep the last one.
func (s *StageStore) Load(ctx context.Context, partition Partition, snapshot StageSnapshot) error {
	if err := requirePartition(partition); err != nil {
		return err
	}
	meta := snapshotMeta{PortalID: snapshot.PortalID, TotalDeals: snapshot.TotalDeals, StuckDeals: snapshot.StuckDeals}
	return s.tables.replace(ctx, partition, meta, func(tx *sql.Tx) error {
		insertStage := s.tables.q(`INSERT INTO stages (partition_key, stage, label, deal_count, pipeline_label, pipeline_id, ordinal)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (partition_key, stage) DO UPDATE SET
				label = excluded.label,
				deal_count = excluded.deal_count,
				pipeline_label = excluded.pipeline_label,
				pipeline_id = excluded.pipeline_id,
				ordinal = excluded.ordinal`)
		insertDeal := s.tables.q(`INSERT INTO stage_deals (partition_key, stage, name, record_id, modified_at, ordinal)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (partition_key, stage, record_id) DO UPDATE SET
				name = excluded.name,
				modified_at = excluded.modified_at,
				ordinal = excluded.ordinal`)

		ordinal := 0
		for i, stage := range snapshot.Stages {
			if stage.Key == "" {
				return storageError("insert stage", fmt.Errorf("stage %d has no key", i))
			}
			if _, err := tx.ExecContext(ctx, insertStage, string(partition), stage.Key, stage.Label, stage.Count, stage.PipelineLabel, stage.PipelineID, i); err != nil {
				return storageError("insert stage "+stage.Key, err)
			}
			for _, deal := range stage.Deals {
				ordinal++
				if _, err := tx.ExecContext(ctx, insertDeal, string(partition), stage.Key, deal.Name, deal.RecordID, toMillis(deal.LastModified), ordinal); err != nil {
					return storageError("insert deal "+deal.RecordID, err)
				}
			}
		}
		return nil
	})
}

// ReadAll returns the snapshot with stages ordered by number of stuck deals, most first.
func (s *StageStore) ReadAll(ctx context.Context, partition Partition) (StageSnapshot, error) {
	s.tables.mu.RLock()
	defer s.tables.mu.RUnlock()

	meta, err := s.tables.readMetadata(ctx, partition)
	if err != nil {
		return StageSnapshot{}, err
	}
	stages, err := s.readStages(ctx, partition, "")
	if err != nil {
		return StageSnapshot{}, err
	}
	deals, err := s.readDeals(ctx, partition, "")
	if err != nil {
		return StageSnapshot{}, err
	}
	for i := range stages {
		stages[i].Deals = deals[stages[i].Key]
		if stages[i].Deals == nil {
			stages[i].Deals = []StageDeal{}
		}
	}
	slices.SortStableFunc(stages, func(a, b Stage) int {
		return len(b.Deals) - len(a.Deals)
	})

	return StageSnapshot{
		PortalID:   meta.PortalID,
		TotalDeals: meta.TotalDeals,
		StuckDeals: meta.StuckDeals,
		Stages:     stages,
	}, nil
}

func (s *StageStore) ListGroupKeys(ctx context.Context, partition Partition) ([]string, error) {
	s.tables.mu.RLock()
	defer s.tables.mu.RUnlock()

	rows, err := s.tables.db.QueryContext(ctx, s.tables.q(`SELECT stage FROM stages WHERE partition_key = ? ORDER BY ordinal`), string(partition))
	if err != nil {
		return nil, storageError("list stages", err)
	}
	defer rows.Close()

	keys := []string{}
	for key, err := range eachRow(rows, func(rows *sql.Rows) (string, error) {
		var key string
		err := rows.Scan(&key)
		return key, err
	}) {
		if err != nil {
			return nil, storageError("scan stage key", err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// GetGroup returns one stage with its deals or ErrNotFound.
func (s *StageStore) GetGroup(ctx context.Context, partition Partition, key string) (Stage, error) {
	s.tables.mu.RLock()
	defer s.tables.mu.RUnlock()

	stages, err := s.readStages(ctx, partition, key)
	if err != nil {
		return Stage{}, err
	}
	if len(stages) == 0 {
		return Stage{}, fmt.Errorf("stage %s: %w", key, ErrNotFound)
	}
	deals, err := s.readDeals(ctx, partition, key)
	if err != nil {
		return Stage{}, err
	}
	stage := stages[0]
	stage.Deals = deals[key]
	if stage.Deals == nil {
		stage.Deals = []StageDeal{}
	}
	return stage, nil
}

func (s *StageStore) readStages(ctx context.Context, partition Partition, key string) ([]Stage, error) {
	query := `SELECT stage, label, deal_count, pipeline_label, pipeline_id FROM stages WHERE partition_key = ?`
	args := []any{string(partition)}
	if key != "" {
		query += ` AND stage = ?`
		args = append(args, key)
	}
	rows, err := s.tables.db.QueryContext(ctx, s.tables.q(query+` ORDER BY ordinal`), args...)
	if err != nil {
		return nil, storageError("read stages", err)
	}
	defer rows.Close()

	stages := []Stage{}
	for stage, err := range eachRow(rows, func(rows *sql.Rows) (Stage, error) {
		var stage Stage
		err := rows.Scan(&stage.Key, &stage.Label, &stage.Count, &stage.PipelineLabel, &stage.PipelineID)
		return stage, err
	}) {
		if err != nil {
			return nil, storageError("scan stage", err)
		}
		stages = append(stages, stage)
	}
	return stages, nil
}

func (s *StageStore) readDeals(ctx context.Context, partition Partition, key string) (map[string][]StageDeal, error) {
	query := `SELECT stage, name, record_id, modified_at FROM stage_deals WHERE partition_key = ?`
	args := []any{string(partition)}
	if key != "" {
		query += ` AND stage = ?`
		args = append(args, key)
	}
	rows, err := s.tables.db.QueryContext(ctx, s.tables.q(query+` ORDER BY ordinal`), args...)
	if err != nil {
		return nil, storageError("read stage deals", err)
	}
	defer rows.Close()

	type row struct {
		stage string
		deal  StageDeal
	}
	deals := map[string][]StageDeal{}
	for r, err := range eachRow(rows, func(rows *sql.Rows) (row, error) {
		var r row
		var modified int64
		err := rows.Scan(&r.stage, &r.deal.Name, &r.deal.RecordID, &modified)
		r.deal.LastModified = fromMillis(modified)
		return r, err
	}) {
		if err != nil {
			return nil, storageError("scan stage deal", err)
		}
		deals[r.stage] = append(deals[r.stage], r.deal)
	}
	return deals, nil
}

// IsNotFound reports whether err carries ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
