package search

import (
	"context"
	"log"
	"sync"

	"dealwatch/api/internal/store"
)

const (
	SourceMeili = "meilisearch"
	SourceSQL   = "sql"
)

// Engine is the search engine side of the service; *Meili implements it.
type Engine interface {
	Healthy() bool
	Search(text string, limit int) ([]store.DealHit, int, error)
	ReplaceVariant(variant string, records []DealRecord) error
}

// Service tries the search engine first and falls back to SQL.
type Service struct {
	engine    Engine
	fallback  Fallback
	partition store.Partition

	// replaceMu serializes ReplaceVariant calls; latest holds the newest
	// index generation per variant so an older load never lands last.
	replaceMu sync.Mutex
	mu        sync.Mutex
	seq       uint64
	latest    map[string]uint64
}

// NewService creates a search service. engine may be nil when Meilisearch is
// not configured.
func NewService(engine Engine, fallback Fallback, partition store.Partition) *Service {
	return &Service{engine: engine, fallback: fallback, partition: partition, latest: map[string]uint64{}}
}

func (s *Service) engineUp() bool {
	return s.engine != nil && s.engine.Healthy()
}

func (s *Service) Search(ctx context.Context, text string, limit int) Response {
	if s.engineUp() {
		hits, total, err := s.engine.Search(text, limit)
		if err == nil {
			return Response{Results: hits, Total: total, Query: text, Source: SourceMeili}
		}
		log.Printf("search: meilisearch error, falling back to sql: %v", err)
	}

	hits, err := s.fallback.Search(ctx, s.partition, text, limit)
	if err != nil {
		log.Printf("search: sql error: %v", err)
		return Response{Results: []store.DealHit{}, Query: text, Source: SourceSQL}
	}
	return Response{Results: hits, Total: len(hits), Query: text, Source: SourceSQL}
}

// IndexStage replaces the stage variant in the index (fire-and-forget).
func (s *Service) IndexStage(snapshot store.StageSnapshot) {
	s.index(store.VariantStage, StageRecords(snapshot))
}

// IndexOwner replaces the owner variant in the index (fire-and-forget).
func (s *Service) IndexOwner(snapshot store.OwnerSnapshot) {
	s.index(store.VariantOwner, OwnerRecords(snapshot))
}

func (s *Service) index(variant string, records []DealRecord) {
	if !s.engineUp() {
		return
	}
	s.mu.Lock()
	s.seq++
	gen := s.seq
	s.latest[variant] = gen
	s.mu.Unlock()

	go func() {
		s.replaceMu.Lock()
		defer s.replaceMu.Unlock()
		if !s.isLatest(variant, gen) {
			return
		}
		if err := s.engine.ReplaceVariant(variant, records); err != nil {
			log.Printf("search index failed: %v", err)
		}
	}()
}

func (s *Service) isLatest(variant string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest[variant] == gen
}
