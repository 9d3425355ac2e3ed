package terminology

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultSearchLimit = 10
	maxSearchLimit     = 50
)

// Searcher queries one ICD-11 linearization module.
type Searcher interface {
	Search(ctx context.Context, q, module string, limit int) ([]Concept, error)
}

// Service is the read-through cache in front of the WHO API. Cache failures
// and WHO failures both degrade: the former falls through to WHO, the latter
// yields an empty result set rather than an error.
type Service struct {
	cache  Cache
	who    Searcher
	ttl    time.Duration
	logger zerolog.Logger
}

func NewService(cache Cache, who Searcher, ttl time.Duration, logger zerolog.Logger) *Service {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Service{cache: cache, who: who, ttl: ttl, logger: logger}
}

// queryHash builds the cache key for one search.
func queryHash(q, module string, limit int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", q, module, limit)))
	return "icd11:search:" + hex.EncodeToString(sum[:])
}

func whoSource(module string) string {
	if module == ModuleTM2 {
		return SourceWHOTM2
	}
	return SourceWHOMMS
}

// Search resolves a query through the cache, falling back to the WHO API and
// caching its answer.
func (s *Service) Search(ctx context.Context, q, module string, limit int) (*SearchResult, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, fmt.Errorf("query must not be empty")
	}

	module = strings.ToUpper(strings.TrimSpace(module))
	if module == "" {
		module = ModuleTM2
	}
	if module != ModuleMMS && module != ModuleTM2 {
		return nil, fmt.Errorf("unknown module %q", module)
	}

	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	key := queryHash(q, module, limit)
	if cached, ok, err := s.cache.Get(ctx, key); err != nil {
		s.logger.Warn().Err(err).Msg("terminology cache read failed")
	} else if ok {
		var result SearchResult
		if err := json.Unmarshal([]byte(cached), &result); err == nil {
			result.Source = SourceCache
			return &result, nil
		}
		s.logger.Warn().Str("key", key).Msg("discarding undecodable cache entry")
	}

	result := &SearchResult{Query: q, Module: module, Source: whoSource(module), Results: []Concept{}}

	concepts, err := s.who.Search(ctx, q, module, limit)
	if err != nil {
		// The bridge keeps answering when WHO is down.
		s.logger.Warn().Str("module", module).Err(err).Msg("who search failed, returning empty result")
		return result, nil
	}
	result.Results = concepts

	if payload, err := json.Marshal(result); err == nil {
		if err := s.cache.Set(ctx, key, string(payload), s.ttl); err != nil {
			s.logger.Warn().Err(err).Msg("terminology cache write failed")
		}
	}

	return result, nil
}
