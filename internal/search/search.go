// Package search finds stuck deals by name. Meilisearch serves queries when
// reachable; the snapshot tables answer otherwise.
package search

import (
	"context"

	"dealwatch/api/internal/store"
)

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []store.DealHit `json:"results"`
	Total   int             `json:"total"`
	Query   string          `json:"query"`
	Source  string          `json:"source"`
}

// Fallback answers queries from the snapshot tables.
type Fallback interface {
	Search(ctx context.Context, partition store.Partition, text string, limit int) ([]store.DealHit, error)
}

// DealRecord is the document indexed per stuck deal and variant.
type DealRecord struct {
	ID           string `json:"id"`
	Variant      string `json:"variant"`
	GroupKey     string `json:"groupKey"`
	GroupLabel   string `json:"groupLabel"`
	Name         string `json:"name"`
	RecordID     string `json:"recordId"`
	LastModified int64  `json:"lastModified"`
}

func recordID(variant, groupKey, recordID string) string {
	// Meilisearch ids allow [a-zA-Z0-9_-] only
	return sanitizeID(variant + "_" + groupKey + "_" + recordID)
}

func sanitizeID(id string) string {
	out := []byte(id)
	for i, c := range out {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			out[i] = '-'
		}
	}
	return string(out)
}

// StageRecords flattens a stage snapshot into index documents.
func StageRecords(snapshot store.StageSnapshot) []DealRecord {
	records := []DealRecord{}
	for _, stage := range snapshot.Stages {
		for _, deal := range stage.Deals {
			records = append(records, DealRecord{
				ID:           recordID(store.VariantStage, stage.Key, deal.RecordID),
				Variant:      store.VariantStage,
				GroupKey:     stage.Key,
				GroupLabel:   stage.Label,
				Name:         deal.Name,
				RecordID:     deal.RecordID,
				LastModified: deal.LastModified.UnixMilli(),
			})
		}
	}
	return records
}

// OwnerRecords flattens an owner snapshot into index documents.
func OwnerRecords(snapshot store.OwnerSnapshot) []DealRecord {
	records := []DealRecord{}
	for _, owner := range snapshot.Owners {
		for _, deal := range owner.Deals {
			records = append(records, DealRecord{
				ID:           recordID(store.VariantOwner, owner.ID, deal.RecordID),
				Variant:      store.VariantOwner,
				GroupKey:     owner.ID,
				GroupLabel:   owner.Name,
				Name:         deal.Name,
				RecordID:     deal.RecordID,
				LastModified: deal.LastModified.UnixMilli(),
			})
		}
	}
	return records
}
