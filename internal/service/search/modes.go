package search

import (
	"context"
	"fmt"
	"time"

	"memvault-backend/internal/domain/memory"
	appErrors "memvault-backend/internal/errors"
)

const (
	// scanPageSize is the page the list-walking modes pull per repository
	// round trip.
	scanPageSize = 256
	// temporalHalfLife is the age at which a record's recency score has
	// fallen to one half.
	temporalHalfLife = 30 * 24 * time.Hour
)

func (s *Service) runMode(ctx context.Context, m Mode, p plan) ([]hit, error) {
	switch m {
	case ModeVector:
		return s.runVector(ctx, p)
	case ModeKeyword:
		return s.runKeyword(ctx, p)
	case ModeGraph:
		return s.runGraph(ctx, p)
	case ModeTemporal:
		return s.runTemporal(ctx, p)
	}
	return nil, appErrors.NewInvalidInput(fmt.Sprintf("unknown search mode %q", m))
}

// runVector embeds the query and asks the user's index for nearest
// neighbours, keeping hits at or above the similarity threshold.
func (s *Service) runVector(ctx context.Context, p plan) ([]hit, error) {
	vec, err := s.embedder.EmbedOne(ctx, p.query)
	if err != nil {
		return nil, err
	}
	found, err := s.vectors.Search(ctx, p.user.String(), vec, p.fetchK, 0)
	if err != nil {
		return nil, err
	}
	hits := make([]hit, 0, len(found))
	for _, r := range found {
		if r.Score < p.threshold {
			continue
		}
		hits = append(hits, hit{id: r.ID, score: r.Score})
	}
	return hits, nil
}

// runKeyword matches the query's terms against the keyword sets extracted
// at ingest time, so it never touches plaintext content. A record matches
// when it carries every term; the hybrid weights, not the flat keyword
// score, differentiate such hits.
func (s *Service) runKeyword(ctx context.Context, p plan) ([]hit, error) {
	if len(p.terms) == 0 {
		return nil, nil
	}
	var hits []hit
	err := s.eachMemory(ctx, p, func(m *memory.Memory) bool {
		for _, term := range p.terms {
			if !containsSorted(m.Keywords, term) {
				return true
			}
		}
		hits = append(hits, hit{id: m.MemoryID, score: 1, rec: m})
		return true
	})
	if err != nil {
		return nil, err
	}
	return hits, nil
}

// runGraph resolves the query's terms to graph nodes, walks out from
// them, and surfaces memories referencing a visited node. Closeness wins:
// a memory scores by its nearest matched node, 1/(1+hops).
func (s *Service) runGraph(ctx context.Context, p plan) ([]hit, error) {
	if len(p.terms) == 0 {
		return nil, nil
	}
	var seeds []string
	seen := make(map[string]struct{})
	for _, term := range p.terms {
		ids, err := s.graphs.FindByName(ctx, p.user.String(), term, "")
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			seeds = append(seeds, id)
		}
	}
	if len(seeds) == 0 {
		return nil, nil
	}
	visits, err := s.graphs.Neighbours(ctx, p.user.String(), seeds, p.maxHops, nil)
	if err != nil {
		return nil, err
	}
	hops := make(map[string]int, len(visits))
	for _, v := range visits {
		hops[v.NodeID] = v.Hops
	}

	var hits []hit
	err = s.eachMemory(ctx, p, func(m *memory.Memory) bool {
		best := -1
		for _, ref := range m.GraphRefs {
			if h, ok := hops[ref]; ok && (best < 0 || h < best) {
				best = h
			}
		}
		if best >= 0 {
			hits = append(hits, hit{id: m.MemoryID, score: 1 / float64(1+best), rec: m})
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return hits, nil
}

// runTemporal walks the requested range and scores by recency, so a bare
// range query still comes back newest first.
func (s *Service) runTemporal(ctx context.Context, p plan) ([]hit, error) {
	now := s.clock()
	var hits []hit
	err := s.eachMemory(ctx, p, func(m *memory.Memory) bool {
		hits = append(hits, hit{id: m.MemoryID, score: recencyScore(now, m.CreatedAt), rec: m})
		return true
	})
	if err != nil {
		return nil, err
	}
	return hits, nil
}

func recencyScore(now time.Time, createdMs int64) float64 {
	age := now.Sub(time.UnixMilli(createdMs))
	if age < 0 {
		age = 0
	}
	return 1 / (1 + age.Hours()/temporalHalfLife.Hours())
}

// eachMemory walks the user's records newest first with the plan's date
// range and category pushed into the repository query. fn returns false
// to stop the walk.
func (s *Service) eachMemory(ctx context.Context, p plan, fn func(*memory.Memory) bool) error {
	q := p.scan
	q.Limit = scanPageSize
	for {
		page, err := s.repo.ListMemories(ctx, p.user, q)
		if err != nil {
			return err
		}
		for _, m := range page.Items {
			if !fn(m) {
				return nil
			}
		}
		if page.Cursor == "" {
			return nil
		}
		q.Cursor = page.Cursor
	}
}
