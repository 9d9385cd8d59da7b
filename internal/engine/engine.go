// Package engine drives one chat turn end to end: eviction of the
// live window into the archive, retrieval of relevant memories,
// prompt assembly, streamed generation and persistence. Turns within
// one conversation are fully serialized; different conversations run
// in parallel.
package engine

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/hession/vox/internal/archive"
	"github.com/hession/vox/internal/chat"
	"github.com/hession/vox/internal/config"
	"github.com/hession/vox/internal/history"
	"github.com/hession/vox/internal/index"
	"github.com/hession/vox/internal/llm"
	"github.com/hession/vox/internal/logger"
	"github.com/hession/vox/internal/prompt"
	"github.com/hession/vox/internal/retrieval"
	"github.com/hession/vox/internal/token"
)

// Stats is a point-in-time snapshot of one conversation's memory
// state.
type Stats struct {
	WindowMessages   int   `json:"window_messages"`
	WindowTokens     int   `json:"window_tokens"`
	ArchivedMessages int   `json:"archived_messages"`
	ArchiveBytes     int64 `json:"archive_bytes"`
	RetrievedLast    int   `json:"retrieved_last"`
}

// Engine owns the shared stores and hands out per-conversation
// sessions.
type Engine struct {
	cfg       *config.Settings
	store     *archive.Store
	index     *index.Index
	planner   *retrieval.Planner
	history   *history.Store
	generator llm.Generator
	embedder  llm.Embedder

	mu       sync.Mutex
	sessions map[string]*Session
}

// New wires an engine over the given stores and capabilities. The
// archive's prune hook is pointed at the index so entries disappear
// before the segment file does.
func New(cfg *config.Settings, store *archive.Store, idx *index.Index,
	hist *history.Store, generator llm.Generator, embedder llm.Embedder) *Engine {

	opts := retrieval.Options{
		MinQueryChars: cfg.RAG.MinQueryChars,
		Timeout:       cfg.RAGTimeout(),
	}

	e := &Engine{
		cfg:       cfg,
		store:     store,
		index:     idx,
		planner:   retrieval.NewPlanner(store, idx, embedder, opts),
		history:   hist,
		generator: generator,
		embedder:  embedder,
		sessions:  make(map[string]*Session),
	}
	store.SetPruneHook(func(segmentID string) {
		if err := idx.Remove(segmentID); err != nil {
			logger.Error("engine: failed to drop index entries for %s: %v", segmentID, err)
		}
	})
	return e
}

// Session returns the session for a conversation, rehydrating its
// window from the history store on first access.
func (e *Engine) Session(conversationID string) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s, ok := e.sessions[conversationID]; ok {
		return s, nil
	}

	if err := e.history.EnsureConversation(conversationID); err != nil {
		return nil, err
	}
	window, err := e.history.LoadWindow(conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to rehydrate window: %w", err)
	}

	// The stored window is routinely over the eviction threshold (the
	// assistant reply lands after eviction ran). Rehydrate it whole;
	// the next turn's eviction archives the overflow.
	archived := 0
	segs, err := e.store.LoadSegments(conversationID)
	if err == nil {
		for _, seg := range segs {
			archived += len(seg.Messages)
		}
	}

	s := &Session{
		engine:   e,
		id:       conversationID,
		window:   window,
		archived: archived,
	}
	e.sessions[conversationID] = s
	return s, nil
}

// RebuildIndex re-indexes the whole archive from its segment files.
// The recovery path for a lost or corrupted index database.
func (e *Engine) RebuildIndex(ctx context.Context) error {
	if err := e.index.Rebuild(ctx, e.embedder, e.store); err != nil {
		return fmt.Errorf("failed to rebuild index: %w", err)
	}
	return nil
}

// Reset clears a conversation's live window. Archived memories are
// kept; forgetting the long-term past takes deleting the archive.
func (e *Engine) Reset(conversationID string) error {
	s, err := e.Session(conversationID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.window = nil
	if err := e.history.ReplaceWindow(conversationID, nil); err != nil {
		return fmt.Errorf("failed to persist reset: %w", err)
	}
	return nil
}

// Session is one conversation's turn controller. Its mutex is held
// for the whole turn, through stream completion and persistence.
type Session struct {
	engine *Engine
	id     string

	mu           sync.Mutex
	window       []chat.Message
	archived     int
	lastRetrieve int
}

// Turn carries the per-call persona and sampling for one chat turn.
// The zero value means no persona and the configured sampling. Turn
// state travels with each Chat call so concurrent requests on the
// same conversation cannot see each other's persona.
type Turn struct {
	SystemPrompt string
	Sampling     *llm.SamplingConfig
}

// Chat runs one turn for userText. On success the returned Reply
// streams the assistant's text; the session stays locked until the
// reply reaches end-of-stream or is closed. On error the turn is
// over and the session is unlocked.
func (s *Session) Chat(ctx context.Context, userText string, turn Turn) (*Reply, error) {
	s.mu.Lock()

	reply, err := s.chatLocked(ctx, userText, turn)
	if err != nil {
		s.persistWindow()
		s.mu.Unlock()
		return nil, err
	}
	return reply, nil
}

func (s *Session) chatLocked(ctx context.Context, userText string, turn Turn) (*Reply, error) {
	e := s.engine

	seq, err := e.history.NextSeq(s.id)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate sequence number: %w", err)
	}
	s.window = append(s.window, chat.NewMessage(seq, chat.RoleUser, userText))

	var warnings []string
	if warn := s.evictLocked(ctx); warn != "" {
		warnings = append(warnings, warn)
	}

	var frags []retrieval.Fragment
	if e.cfg.RAG.Enabled {
		frags = e.planner.Retrieve(ctx, s.id, userText, e.cfg.RAG.RetrieveCount)
	}
	s.lastRetrieve = len(frags)

	budget := e.cfg.Context.WindowSize - e.cfg.Model.MaxResponseTokens
	msgs, err := prompt.Assemble(turn.SystemPrompt, frags, s.window, budget)
	if err != nil {
		// A prompt that cannot fit is a configuration problem; do not
		// let the unanswerable user message poison the window.
		s.window = s.window[:len(s.window)-1]
		return nil, err
	}

	sampling := llm.SamplingConfig{
		Temperature:   e.cfg.Model.Temperature,
		TopK:          e.cfg.Model.TopK,
		RepeatPenalty: e.cfg.Model.RepeatPenalty,
		MaxTokens:     e.cfg.Model.MaxResponseTokens,
	}
	if turn.Sampling != nil {
		sampling = *turn.Sampling
	}
	stream, err := e.generator.Generate(ctx, msgs, sampling)
	if err != nil {
		return nil, &GenerationError{Err: err}
	}

	return &Reply{
		Fragments: frags,
		Warnings:  warnings,
		session:   s,
		stream:    stream,
	}, nil
}

// evictLocked moves the oldest whole turns into the archive while the
// window sits at or above the eviction threshold. Returns a warning
// string when archiving failed but the turn can continue.
func (s *Session) evictLocked(ctx context.Context) string {
	e := s.engine
	threshold := e.cfg.EvictionThresholdTokens()

	for token.EstimateWindow(s.window) >= threshold && len(s.window) > 1 {
		n := int(e.cfg.Context.EvictionBatchFraction * float64(len(s.window)))
		if n < 1 {
			n = 1
		}
		if n >= len(s.window) {
			n = len(s.window) - 1
		}

		// Never split a user/assistant pair: pull the boundary back if
		// it would separate a user message from its reply.
		for n > 0 && s.window[n-1].Role == chat.RoleUser &&
			n < len(s.window) && s.window[n].Role == chat.RoleAssistant {
			n--
		}
		if n == 0 {
			// The first pair alone is the minimum evictable unit.
			n = 2
			if n >= len(s.window) {
				return ""
			}
		}

		batch := append([]chat.Message(nil), s.window[:n]...)
		seg, err := e.store.AppendSegment(s.id, batch)
		if err != nil {
			logger.Error("engine: failed to archive %d messages: %v", len(batch), err)
			return fmt.Sprintf("archiving failed, older messages stay in context: %v", err)
		}

		if err := e.index.IndexSegment(ctx, e.embedder, seg); err != nil {
			logger.Warn("engine: failed to index segment %s: %v", seg.ID, err)
		}
		// A cap smaller than one segment prunes the segment inside
		// AppendSegment, before any entries existed for the hook to
		// remove. Re-check so the index never points at a deleted file.
		if !e.store.Contains(seg.ID) {
			if err := e.index.Remove(seg.ID); err != nil {
				logger.Warn("engine: failed to drop index entries for pruned segment %s: %v", seg.ID, err)
			}
		}

		s.window = s.window[n:]
		s.archived += len(batch)
		logger.Info("engine: evicted %d messages to segment %s (window now %d tokens)",
			len(batch), seg.ID, token.EstimateWindow(s.window))
	}
	return ""
}

// commitAssistant appends the finished assistant message and persists
// the window. Called with the session mutex held.
func (s *Session) commitAssistant(text string) {
	seq, err := s.engine.history.NextSeq(s.id)
	if err != nil {
		logger.Error("engine: failed to allocate assistant seq: %v", err)
		seq = chat.MaxSeq(s.window) + 1
	}
	s.window = append(s.window, chat.NewMessage(seq, chat.RoleAssistant, text))
	s.persistWindow()
}

func (s *Session) persistWindow() {
	if err := s.engine.history.ReplaceWindow(s.id, s.window); err != nil {
		logger.Error("engine: failed to persist window: %v", err)
	}
}

// Stats returns a snapshot of this conversation's memory state.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		WindowMessages:   len(s.window),
		WindowTokens:     token.EstimateWindow(s.window),
		ArchivedMessages: s.archived,
		ArchiveBytes:     s.engine.store.TotalBytes(),
		RetrievedLast:    s.lastRetrieve,
	}
}

// Window returns a copy of the live window.
func (s *Session) Window() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.Message(nil), s.window...)
}

// Reply streams one assistant response. The assistant message is
// committed to the window only after a clean end-of-stream; an error
// or early Close keeps the user message and commits nothing.
type Reply struct {
	// Fragments are the retrieved memories folded into this turn.
	Fragments []retrieval.Fragment

	// Warnings are non-fatal problems from this turn, such as a failed
	// archive write.
	Warnings []string

	session *Session
	stream  llm.Stream
	text    strings.Builder
	once    sync.Once
}

// Recv returns the next text chunk. io.EOF marks a clean end of
// stream, after which the full reply is committed and the session is
// released. Any other error aborts the turn without a commit.
func (r *Reply) Recv() (string, error) {
	chunk, err := r.stream.Recv()
	if err == io.EOF {
		r.finish(true, nil)
		return "", io.EOF
	}
	if err != nil {
		r.finish(false, err)
		return "", &GenerationError{Err: err}
	}
	r.text.WriteString(chunk)
	return chunk, nil
}

// Text returns the reply accumulated so far.
func (r *Reply) Text() string {
	return r.text.String()
}

// Close abandons the stream. Safe to call after EOF; then it is a
// no-op.
func (r *Reply) Close() error {
	r.finish(false, nil)
	return nil
}

func (r *Reply) finish(commit bool, cause error) {
	r.once.Do(func() {
		r.stream.Close()
		if commit {
			r.session.commitAssistant(r.text.String())
		} else {
			if cause != nil {
				logger.Warn("engine: generation aborted, no assistant text committed: %v", cause)
			}
			r.session.persistWindow()
		}
		r.session.mu.Unlock()
	})
}
