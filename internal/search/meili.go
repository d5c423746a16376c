package search

import (
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"dealwatch/api/internal/store"
)

const idxStuckDeals = "stuck_deals"

// Meili indexes and queries stuck deals in Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the index. An
// unreachable server is not an error; the health loop picks it up later.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxStuckDeals,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxStuckDeals, err)
	}

	index := m.client.Index(idxStuckDeals)
	filterable := []interface{}{"variant", "groupKey"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("search: update filterable attrs for %s: %v", idxStuckDeals, err)
	}
	searchable := []string{"name", "groupLabel", "recordId"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs for %s: %v", idxStuckDeals, err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the stuck deals index.
func (m *Meili) Search(text string, limit int) ([]store.DealHit, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}
	if limit <= 0 {
		limit = 20
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{{
			IndexUID: idxStuckDeals,
			Query:    text,
			Limit:    int64(limit),
		}},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	hits := []store.DealHit{}
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		for _, hit := range sr.Hits {
			hits = append(hits, hitToDeal(hit))
		}
	}
	return hits, total, nil
}

func hitToDeal(hit meili.Hit) store.DealHit {
	var millis int64
	if raw, ok := hit["lastModified"]; ok {
		_ = json.Unmarshal(raw, &millis)
	}
	return store.DealHit{
		Variant:      decodeString(hit, "variant"),
		GroupKey:     decodeString(hit, "groupKey"),
		GroupLabel:   decodeString(hit, "groupLabel"),
		Name:         decodeString(hit, "name"),
		RecordID:     decodeString(hit, "recordId"),
		LastModified: time.UnixMilli(millis).UTC(),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

// ReplaceVariant drops the variant's documents and indexes records.
func (m *Meili) ReplaceVariant(variant string, records []DealRecord) error {
	index := m.client.Index(idxStuckDeals)
	if _, err := index.DeleteDocumentsByFilter(fmt.Sprintf("variant = %q", variant), nil); err != nil {
		return fmt.Errorf("delete %s documents: %w", variant, err)
	}
	if len(records) == 0 {
		return nil
	}
	if _, err := index.AddDocuments(records, nil); err != nil {
		return fmt.Errorf("add %s documents: %w", variant, err)
	}
	return nil
}
