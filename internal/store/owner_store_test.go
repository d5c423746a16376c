package store

import (
	"context"
	"testing"
	"time"
)

func newTestOwnerStore(t *testing.T) *OwnerStore {
	t.Helper()
	s := NewOwnerStore(openTestDB(t), DialectSQLite)
	if err := s.InitializeSchema(context.Background()); err != nil {
		t.Fatalf("InitializeSchema() error = %v", err)
	}
	return s
}

func TestOwnerStoreLoadAndReadAll(t *testing.T) {
	ctx := context.Background()
	s := newTestOwnerStore(t)
	modified := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)

	snapshot := OwnerSnapshot{PortalID: "77", TotalDeals: 30, StuckDeals: 3, Owners: []Owner{
		{ID: "o1", Name: "Ada Lovelace", Email: "ada@example.com", StuckDealsCount: 1, Deals: []OwnerDeal{
			{Name: "Engine", RecordID: "1", LastModified: modified, StageLabel: "Proposal"},
		}},
		{ID: "o2", Name: "ORPHAN DEAL", StuckDealsCount: 2, Deals: []OwnerDeal{
			{Name: "Loom", RecordID: "2", LastModified: modified, StageLabel: "Negotiation"},
			{Name: "Mill", RecordID: "3", LastModified: modified, StageLabel: "Negotiation"},
		}},
	}}
	if err := s.Load(ctx, SingletonPartition, snapshot); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	got, err := s.ReadAll(ctx, SingletonPartition)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if got.PortalID != "77" || got.TotalDeals != 30 || got.StuckDeals != 3 {
		t.Fatalf("unexpected metadata %+v", got)
	}
	if len(got.Owners) != 2 || got.Owners[0].ID != "o2" {
		t.Fatalf("expected owner with most deals first, got %+v", got.Owners)
	}
	deal := got.Owners[1].Deals[0]
	if deal.StageLabel != "Proposal" || !deal.LastModified.Equal(modified) {
		t.Fatalf("unexpected deal %+v", deal)
	}
	if got.Owners[1].Email != "ada@example.com" {
		t.Fatalf("unexpected email %q", got.Owners[1].Email)
	}
}

func TestOwnerStoreLoadReplacesPreviousSnapshot(t *testing.T) {
	ctx := context.Background()
	s := newTestOwnerStore(t)

	if err := s.Load(ctx, SingletonPartition, OwnerSnapshot{PortalID: "1", Owners: []Owner{{ID: "gone", Deals: []OwnerDeal{{RecordID: "1"}}}}}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := s.Load(ctx, SingletonPartition, OwnerSnapshot{PortalID: "2", Owners: []Owner{{ID: "kept"}}}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	got, err := s.ReadAll(ctx, SingletonPartition)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(got.Owners) != 1 || got.Owners[0].ID != "kept" || len(got.Owners[0].Deals) != 0 {
		t.Fatalf("unexpected owners %+v", got.Owners)
	}
}

func TestOwnerStoreDuplicateRecordKeepsLastWrite(t *testing.T) {
	ctx := context.Background()
	s := newTestOwnerStore(t)

	owner := Owner{ID: "o1", StuckDealsCount: 2, Deals: []OwnerDeal{
		{Name: "a", RecordID: "9", StageLabel: "One"},
		{Name: "b", RecordID: "9", StageLabel: "Two"},
	}}
	if err := s.Load(ctx, SingletonPartition, OwnerSnapshot{Owners: []Owner{owner}}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	got, err := s.ReadAll(ctx, SingletonPartition)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	deals := got.Owners[0].Deals
	if len(deals) != 1 || deals[0].Name != "b" || deals[0].StageLabel != "Two" {
		t.Fatalf("unexpected deals %+v", deals)
	}
}
