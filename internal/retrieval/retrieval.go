// Package retrieval turns a user query into a small set of relevant
// fragments from the conversation's archived history. Retrieval is
// strictly best-effort: whatever goes wrong, the chat turn proceeds
// with whatever fragments were found, possibly none.
package retrieval

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/hession/vox/internal/archive"
	"github.com/hession/vox/internal/chat"
	"github.com/hession/vox/internal/index"
	"github.com/hession/vox/internal/llm"
	"github.com/hession/vox/internal/logger"
)

// Fragment is one retrieved piece of archived conversation.
type Fragment struct {
	Seq     int64
	Role    chat.Role
	Content string
	Score   float64
}

// Options tunes the planner.
type Options struct {
	// MinQueryChars is the minimum query length worth embedding.
	// Shorter queries ("ok", "yes") carry no retrievable intent.
	MinQueryChars int

	// Timeout bounds the embedding call for one retrieval pass.
	Timeout time.Duration
}

// DefaultOptions returns the standard retrieval tuning.
func DefaultOptions() Options {
	return Options{
		MinQueryChars: 10,
		Timeout:       5 * time.Second,
	}
}

// Planner runs similarity retrieval over the archive index, with a
// recency fallback when the embedder is unavailable.
type Planner struct {
	store    *archive.Store
	index    *index.Index
	embedder llm.Embedder
	opts     Options
}

// NewPlanner creates a retrieval planner.
func NewPlanner(store *archive.Store, idx *index.Index, embedder llm.Embedder, opts Options) *Planner {
	if opts.MinQueryChars <= 0 {
		opts.MinQueryChars = DefaultOptions().MinQueryChars
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	return &Planner{store: store, index: idx, embedder: embedder, opts: opts}
}

// Retrieve returns up to count fragments relevant to the query,
// highest score first. It never returns an error: a degraded pass
// yields fewer fragments, or recency-ordered ones, or none.
func (p *Planner) Retrieve(ctx context.Context, conversationID, query string, count int) []Fragment {
	if count <= 0 {
		return nil
	}
	if len(strings.TrimSpace(query)) < p.opts.MinQueryChars {
		return nil
	}

	embedCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	queryVec, err := p.embedder.Embed(embedCtx, query)
	if err != nil {
		logger.Warn("retrieval: embedding unavailable, falling back to recency: %v", err)
		return p.recencyFallback(conversationID, count)
	}

	hits, err := p.index.Query(conversationID, queryVec, count*2)
	if err != nil {
		logger.Warn("retrieval: index query failed, falling back to recency: %v", err)
		return p.recencyFallback(conversationID, count)
	}
	if len(hits) == 0 {
		return nil
	}

	// Pin the segments the hits point into so pruning cannot delete
	// them while fragment content is in use.
	segIDs := uniqueSegmentIDs(hits)
	p.store.Pin(segIDs)
	defer p.store.Unpin(segIDs)

	// Fragment content comes from the segment files, the source of
	// truth. Hits whose segment was pruned between the query and the
	// pin are dropped.
	bySeg := make(map[string]map[int64]chat.Message, len(segIDs))
	for _, id := range segIDs {
		seg, err := p.store.Segment(id)
		if err != nil {
			logger.Warn("retrieval: segment %s unavailable, dropping its hits: %v", id, err)
			continue
		}
		msgs := make(map[int64]chat.Message, len(seg.Messages))
		for _, m := range seg.Messages {
			msgs[m.Seq] = m
		}
		bySeg[id] = msgs
	}

	frags := make([]Fragment, 0, len(hits))
	for _, h := range hits {
		m, ok := bySeg[h.SegmentID][h.Seq]
		if !ok {
			continue
		}
		frags = append(frags, Fragment{
			Seq:     h.Seq,
			Role:    m.Role,
			Content: m.Content,
			Score:   h.Score,
		})
	}
	if len(frags) == 0 {
		return nil
	}

	frags = dedupe(frags)
	sort.Slice(frags, func(i, j int) bool { return frags[i].Score > frags[j].Score })
	if len(frags) > count {
		frags = frags[:count]
	}
	return frags
}

// recencyFallback returns the most recently archived messages as
// fragments. Scores descend from 1 so downstream ordering still holds.
func (p *Planner) recencyFallback(conversationID string, count int) []Fragment {
	recent := p.store.RecentMessages(conversationID, count)
	frags := make([]Fragment, 0, len(recent))
	for i, m := range recent {
		if m.Role == chat.RoleSystem {
			continue
		}
		frags = append(frags, Fragment{
			Seq:     m.Seq,
			Role:    m.Role,
			Content: m.Content,
			Score:   1 - float64(i)/float64(count+1),
		})
	}
	return frags
}

// dedupe drops fragments whose content is contained in another
// fragment, keeping the higher-scored one.
func dedupe(frags []Fragment) []Fragment {
	sort.Slice(frags, func(i, j int) bool { return frags[i].Score > frags[j].Score })

	var kept []Fragment
	for _, f := range frags {
		dup := false
		for _, k := range kept {
			if strings.Contains(k.Content, f.Content) || strings.Contains(f.Content, k.Content) {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, f)
		}
	}
	return kept
}

func uniqueSegmentIDs(hits []index.Hit) []string {
	seen := make(map[string]bool, len(hits))
	var ids []string
	for _, h := range hits {
		if !seen[h.SegmentID] {
			seen[h.SegmentID] = true
			ids = append(ids, h.SegmentID)
		}
	}
	return ids
}
