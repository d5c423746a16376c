package store

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
)

// OwnerStore persists the stuck-deals snapshot grouped by deal owner.
type OwnerStore struct {
	tables snapshotTables
}

func NewOwnerStore(db *sql.DB, dialect Dialect) *OwnerStore {
	return &OwnerStore{tables: snapshotTables{
		db:            db,
		dialect:       dialect,
		metadataTable: "owner_metadata",
		groupTable:    "owners",
		detailTable:   "owner_deals",
	}}
}

func (s *OwnerStore) InitializeSchema(ctx context.Context) error {
	return s.tables.initializeSchema(ctx)
}

// Load replaces the partition's snapshot. Duplicate (ownerId, recordId) pairs keep the last one.
func (s *OwnerStore) Load(ctx context.Context, partition Partition, snapshot OwnerSnapshot) error {
	if err := requirePartition(partition); err != nil {
		return err
	}
	meta := snapshotMeta{PortalID: snapshot.PortalID, TotalDeals: snapshot.TotalDeals, StuckDeals: snapshot.StuckDeals}
	return s.tables.replace(ctx, partition, meta, func(tx *sql.Tx) error {
		insertOwner := s.tables.q(`INSERT INTO owners (partition_key, owner_id, owner_name, owner_email, stuck_deals_count, ordinal)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (partition_key, owner_id) DO UPDATE SET
				owner_name = excluded.owner_name,
				owner_email = excluded.owner_email,
				stuck_deals_count = excluded.stuck_deals_count,
				ordinal = excluded.ordinal`)
		insertDeal := s.tables.q(`INSERT INTO owner_deals (partition_key, owner_id, name, record_id, modified_at, stage_label, ordinal)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (partition_key, owner_id, record_id) DO UPDATE SET
				name = excluded.name,
				modified_at = excluded.modified_at,
				stage_label = excluded.stage_label,
				ordinal = excluded.ordinal`)

		ordinal := 0
		for i, owner := range snapshot.Owners {
			if owner.ID == "" {
				return storageError("insert owner", fmt.Errorf("owner %d has no id", i))
			}
			if _, err := tx.ExecContext(ctx, insertOwner, string(partition), owner.ID, owner.Name, owner.Email, owner.StuckDealsCount, i); err != nil {
				return storageError("insert owner "+owner.ID, err)
			}
			for _, deal := range owner.Deals {
				ordinal++
				if _, err := tx.ExecContext(ctx, insertDeal, string(partition), owner.ID, deal.Name, deal.RecordID, toMillis(deal.LastModified), deal.StageLabel, ordinal); err != nil {
					return storageError("insert deal "+deal.RecordID, err)
				}
			}
		}
		return nil
	})
}

// ReadAll returns the snapshot with owners ordered by number of stuck deals, most first.
func (s *OwnerStore) ReadAll(ctx context.Context, partition Partition) (OwnerSnapshot, error) {
	s.tables.mu.RLock()
	defer s.tables.mu.RUnlock()

	meta, err := s.tables.readMetadata(ctx, partition)
	if err != nil {
		return OwnerSnapshot{}, err
	}

	rows, err := s.tables.db.QueryContext(ctx, s.tables.q(`SELECT owner_id, owner_name, owner_email, stuck_deals_count
		FROM owners WHERE partition_key = ? ORDER BY ordinal`), string(partition))
	if err != nil {
		return OwnerSnapshot{}, storageError("read owners", err)
	}
	owners := []Owner{}
	for owner, err := range eachRow(rows, func(rows *sql.Rows) (Owner, error) {
		var owner Owner
		err := rows.Scan(&owner.ID, &owner.Name, &owner.Email, &owner.StuckDealsCount)
		return owner, err
	}) {
		if err != nil {
			rows.Close()
			return OwnerSnapshot{}, storageError("scan owner", err)
		}
		owners = append(owners, owner)
	}
	rows.Close()

	deals, err := s.readDeals(ctx, partition)
	if err != nil {
		return OwnerSnapshot{}, err
	}
	for i := range owners {
		owners[i].Deals = deals[owners[i].ID]
		if owners[i].Deals == nil {
			owners[i].Deals = []OwnerDeal{}
		}
	}
	slices.SortStableFunc(owners, func(a, b Owner) int {
		return len(b.Deals) - len(a.Deals)
	})

	return OwnerSnapshot{
		PortalID:   meta.PortalID,
		TotalDeals: meta.TotalDeals,
		StuckDeals: meta.StuckDeals,
		Owners:     owners,
	}, nil
}

func (s *OwnerStore) readDeals(ctx context.Context, partition Partition) (map[string][]OwnerDeal, error) {
	rows, err := s.tables.db.QueryContext(ctx, s.tables.q(`SELECT owner_id, name, record_id, modified_at, stage_label
		FROM owner_deals WHERE partition_key = ? ORDER BY ordinal`), string(partition))
	if err != nil {
		return nil, storageError("read owner deals", err)
	}
	defer rows.Close()

	type row struct {
		ownerID string
		deal    OwnerDeal
	}
	deals := map[string][]OwnerDeal{}
	for r, err := range eachRow(rows, func(rows *sql.Rows) (row, error) {
		var r row
		var modified int64
		err := rows.Scan(&r.ownerID, &r.deal.Name, &r.deal.RecordID, &modified, &r.deal.StageLabel)
		r.deal.LastModified = fromMillis(modified)
		return r, err
	}) {
		if err != nil {
			return nil, storageError("scan owner deal", err)
		}
		deals[r.ownerID] = append(deals[r.ownerID], r.deal)
	}
	return deals, nil
}
