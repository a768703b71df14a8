// Package query is the read side consumed by the HTTP layer: paging,
// polling for newer records, counts and aggregates.
package query

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"visionsurvey/internal/config"
	"visionsurvey/internal/dto"
	"visionsurvey/internal/model"
	"visionsurvey/internal/repository"
)

// DefaultTopK is the number of labels returned by Stats when none is requested.
const DefaultTopK = 30

// Service answers read queries over the record store.
type Service struct {
	repo     repository.RecordRepository
	cacheTTL time.Duration
	now      func() time.Time

	mu    sync.Mutex
	stats map[statsKey]statsEntry
}

type statsKey struct {
	start, end, label string
	topK              int
}

type statsEntry struct {
	at   time.Time
	data []model.LabelCount
}

func NewService(config *config.Config, repo repository.RecordRepository) *Service {
	return &Service{
		repo:     repo,
		cacheTTL: config.StatsCacheTTL,
		now:      time.Now,
		stats:    make(map[statsKey]statsEntry),
	}
}

// Filter converts user filters into a store filter. Bare dates are widened
// to cover the whole day.
func Filter(f dto.RecordFilters) model.Filter {
	return model.Filter{
		Start: widen(strings.TrimSpace(f.StartDate), " 00:00:00"),
		End:   widen(strings.TrimSpace(f.EndDate), " 23:59:59"),
		Label: strings.TrimSpace(f.Product),
	}
}

func widen(date, clock string) string {
	if len(date) == 10 {
		return date + clock
	}
	return date
}

// List returns one page, newest first. cursorID, when set, excludes ids >= cursorID.
func (s *Service) List(ctx context.Context, f dto.RecordFilters, limit int, cursorID *int64) ([]model.Record, error) {
	limit = repository.ClampLimit(limit, repository.DefaultPageLimit)
	return s.repo.QueryPage(ctx, Filter(f), limit, cursorID)
}

// Newer returns records with id > lastID, oldest first.
func (s *Service) Newer(ctx context.Context, f dto.RecordFilters, lastID int64, limit int) ([]model.Record, error) {
	limit = repository.ClampLimit(limit, repository.DefaultNewerLimit)
	return s.repo.QueryNewer(ctx, Filter(f), lastID, limit)
}

// Count returns the number of matching records.
func (s *Service) Count(ctx context.Context, f dto.RecordFilters) (int, error) {
	return s.repo.Count(ctx, Filter(f))
}

// CountAll returns the number of stored records.
func (s *Service) CountAll(ctx context.Context) (int, error) {
	return s.repo.CountAll(ctx)
}

// Stats returns per-label counts. Results are memoized per filter and topK
// for the cache TTL, so they may be stale by at most that long.
func (s *Service) Stats(ctx context.Context, f dto.RecordFilters, topK int) ([]model.LabelCount, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}
	filter := Filter(f)
	key := statsKey{start: filter.Start, end: filter.End, label: filter.Label, topK: topK}

	if s.cacheTTL > 0 {
		s.mu.Lock()
		entry, ok := s.stats[key]
		s.mu.Unlock()
		if ok && s.now().Sub(entry.at) <= s.cacheTTL {
			return entry.data, nil
		}
	}

	data, err := s.repo.AggregateByLabel(ctx, filter, topK)
	if err != nil {
		return nil, err
	}

	if s.cacheTTL > 0 {
		now := s.now()
		s.mu.Lock()
		s.stats[key] = statsEntry{at: now, data: data}
		s.evictExpired(now)
		s.mu.Unlock()
	}
	return data, nil
}

// evictExpired drops stale entries; caller holds s.mu.
func (s *Service) evictExpired(now time.Time) {
	for k, e := range s.stats {
		if now.Sub(e.at) > s.cacheTTL {
			delete(s.stats, k)
		}
	}
}

// Trend returns per-day counts in ascending day order.
func (s *Service) Trend(ctx context.Context, f dto.RecordFilters) ([]model.DayCount, error) {
	return s.repo.AggregateByDay(ctx, Filter(f))
}

// Compare counts two products over the same time range.
func (s *Service) Compare(ctx context.Context, f dto.RecordFilters, productA, productB string) (dto.CompareData, error) {
	productA = strings.TrimSpace(productA)
	productB = strings.TrimSpace(productB)
	if productA == "" || productB == "" {
		return dto.CompareData{}, fmt.Errorf("two products are required")
	}

	a := f
	a.Product = productA
	countA, err := s.Count(ctx, a)
	if err != nil {
		return dto.CompareData{}, err
	}

	b := f
	b.Product = productB
	countB, err := s.Count(ctx, b)
	if err != nil {
		return dto.CompareData{}, err
	}

	return dto.CompareData{ProductA: productA, ProductB: productB, CountA: countA, CountB: countB}, nil
}
