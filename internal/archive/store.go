// Package archive persists evicted conversation messages as
// immutable, append-only segment files under a size-capped archive
// root. Capacity is enforced globally: when the cap is exceeded the
// oldest segments are pruned regardless of which conversation owns
// them.
package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/hession/vox/internal/chat"
	"github.com/hession/vox/internal/logger"
)

const segmentSuffix = ".json.zst"

// Segment is one immutable batch of archived messages.
type Segment struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	CreatedAt      time.Time      `json:"created_at"`
	Messages       []chat.Message `json:"messages"`

	// Size is the on-disk (compressed) byte size. Not serialized;
	// derived from the file.
	Size int64 `json:"-"`
}

// segmentMeta is the in-memory record of one on-disk segment.
type segmentMeta struct {
	id             string
	conversationID string
	path           string
	size           int64
	createdAt      time.Time
}

// Segment payloads are JSON text, so zstd gets a good ratio. The
// encoder and decoder are shared; both are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("archive: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("archive: zstd decoder initialization failed: " + err.Error())
	}
}

// Store manages the archive root. It tracks total on-disk usage
// (recomputed by a directory scan at startup, maintained incrementally
// after) and prunes the globally oldest segments when the cap is
// exceeded. Segments pinned by in-flight retrieval queries are never
// deleted; pruning waits for their pins to drain.
type Store struct {
	root     string
	maxBytes int64

	mu          sync.Mutex
	pinsDrained *sync.Cond

	totalBytes int64
	segments   []segmentMeta // global creation order, oldest first
	byID       map[string]segmentMeta
	pins       map[string]int

	// pruneHook runs before a segment file is unlinked, so derived
	// state (the embedding index) never references a deleted segment.
	pruneHook func(segmentID string)
}

// NewStore opens an archive root, scanning it to rebuild the global
// usage state.
func NewStore(root string, maxBytes int64) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive root: %w", err)
	}

	s := &Store{
		root:     root,
		maxBytes: maxBytes,
		byID:     make(map[string]segmentMeta),
		pins:     make(map[string]int),
	}
	s.pinsDrained = sync.NewCond(&s.mu)

	if err := s.scan(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetPruneHook registers a callback invoked with each segment ID just
// before its file is deleted by pruning.
func (s *Store) SetPruneHook(fn func(segmentID string)) {
	s.mu.Lock()
	s.pruneHook = fn
	s.mu.Unlock()
}

// scan walks the archive root and rebuilds segment metadata and the
// usage counter.
func (s *Store) scan() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("failed to scan archive root: %w", err)
	}

	var metas []segmentMeta
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		convID := entry.Name()
		convDir := filepath.Join(s.root, convID)

		files, err := os.ReadDir(convDir)
		if err != nil {
			logger.Warn("archive: skipping unreadable conversation dir %s: %v", convDir, err)
			continue
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), segmentSuffix) {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			id := strings.TrimSuffix(f.Name(), segmentSuffix)
			createdAt, ok := parseSegmentID(id)
			if !ok {
				logger.Warn("archive: ignoring unrecognized file %s", f.Name())
				continue
			}
			metas = append(metas, segmentMeta{
				id:             id,
				conversationID: convID,
				path:           filepath.Join(convDir, f.Name()),
				size:           info.Size(),
				createdAt:      createdAt,
			})
		}
	}

	sort.Slice(metas, func(i, j int) bool {
		if !metas[i].createdAt.Equal(metas[j].createdAt) {
			return metas[i].createdAt.Before(metas[j].createdAt)
		}
		return metas[i].id < metas[j].id
	})

	s.segments = metas
	s.totalBytes = 0
	s.byID = make(map[string]segmentMeta, len(metas))
	for _, m := range s.segments {
		s.totalBytes += m.size
		s.byID[m.id] = m
	}
	return nil
}

// AppendSegment writes msgs as one immutable segment for the given
// conversation. The write is all-or-nothing: the payload goes to a
// temp file first and is renamed into place. Afterwards the global cap
// is enforced by pruning the oldest segments.
func (s *Store) AppendSegment(conversationID string, msgs []chat.Message) (*Segment, error) {
	if len(msgs) == 0 {
		return nil, ErrEmptySegment
	}
	if conversationID == "" {
		return nil, fmt.Errorf("%w: empty conversation id", ErrWriteFailure)
	}

	now := time.Now()
	seg := &Segment{
		ID:             fmt.Sprintf("segment_%d_%d", now.UnixNano(), msgs[0].Seq),
		ConversationID: conversationID,
		CreatedAt:      now,
		Messages:       msgs,
	}

	payload, err := json.Marshal(seg)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode segment: %v", ErrWriteFailure, err)
	}
	compressed := zstdEncoder.EncodeAll(payload, nil)

	convDir := filepath.Join(s.root, conversationID)
	if err := os.MkdirAll(convDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}

	// Write-to-temp-then-rename keeps a partial write invisible.
	tmp, err := os.CreateTemp(convDir, ".segment-*")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}

	finalPath := filepath.Join(convDir, seg.ID+segmentSuffix)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}

	seg.Size = int64(len(compressed))

	meta := segmentMeta{
		id:             seg.ID,
		conversationID: conversationID,
		path:           finalPath,
		size:           seg.Size,
		createdAt:      now,
	}

	s.mu.Lock()
	s.segments = append(s.segments, meta)
	s.byID[seg.ID] = meta
	s.totalBytes += seg.Size

	if s.maxBytes > 0 {
		s.pruneLocked(s.maxBytes)
	}
	s.mu.Unlock()

	return seg, nil
}

// LoadSegments returns all segments for a conversation in creation
// order. Unreadable segments are skipped with a warning; delivering
// older history beats delivering none.
func (s *Store) LoadSegments(conversationID string) ([]*Segment, error) {
	s.mu.Lock()
	var metas []segmentMeta
	for _, m := range s.segments {
		if m.conversationID == conversationID {
			metas = append(metas, m)
		}
	}
	s.mu.Unlock()

	segs := make([]*Segment, 0, len(metas))
	for _, m := range metas {
		seg, err := readSegmentFile(m.path, m.size)
		if err != nil {
			logger.Warn("archive: skipping corrupt segment %s: %v", m.path, err)
			continue
		}
		segs = append(segs, seg)
	}
	return segs, nil
}

// Contains reports whether a segment is still present on disk.
func (s *Store) Contains(segmentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byID[segmentID]
	return ok
}

// Segment loads one segment by ID.
func (s *Store) Segment(segmentID string) (*Segment, error) {
	s.mu.Lock()
	m, ok := s.byID[segmentID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrSegmentNotFound
	}
	path, size := m.path, m.size
	s.mu.Unlock()

	return readSegmentFile(path, size)
}

// RecentMessages returns up to n of the most recently archived
// messages for a conversation, newest first. Corrupt segments are
// skipped.
func (s *Store) RecentMessages(conversationID string, n int) []chat.Message {
	if n <= 0 {
		return nil
	}

	s.mu.Lock()
	var metas []segmentMeta
	for _, m := range s.segments {
		if m.conversationID == conversationID {
			metas = append(metas, m)
		}
	}
	s.mu.Unlock()

	var out []chat.Message
	for i := len(metas) - 1; i >= 0 && len(out) < n; i-- {
		seg, err := readSegmentFile(metas[i].path, metas[i].size)
		if err != nil {
			logger.Warn("archive: skipping corrupt segment %s: %v", metas[i].path, err)
			continue
		}
		for j := len(seg.Messages) - 1; j >= 0 && len(out) < n; j-- {
			out = append(out, seg.Messages[j])
		}
	}
	return out
}

// Pin marks segments as referenced by an in-flight retrieval query.
// Pinned segments survive pruning until the matching Unpin.
func (s *Store) Pin(segmentIDs []string) {
	s.mu.Lock()
	for _, id := range segmentIDs {
		s.pins[id]++
	}
	s.mu.Unlock()
}

// Unpin releases pins taken by Pin.
func (s *Store) Unpin(segmentIDs []string) {
	s.mu.Lock()
	for _, id := range segmentIDs {
		if s.pins[id] > 1 {
			s.pins[id]--
		} else {
			delete(s.pins, id)
		}
	}
	s.mu.Unlock()
	s.pinsDrained.Broadcast()
}

// PruneOldest deletes the globally oldest segments until usage is at
// or below targetBytes. Returns the IDs of the deleted segments.
func (s *Store) PruneOldest(targetBytes int64) []string {
	s.mu.Lock()
	removed := s.pruneLocked(targetBytes)
	s.mu.Unlock()
	return removed
}

// pruneLocked removes oldest segments while usage exceeds target.
// Caller holds s.mu. Waits for pins on a victim to drain before
// deleting it.
func (s *Store) pruneLocked(targetBytes int64) []string {
	var removed []string
	for s.totalBytes > targetBytes && len(s.segments) > 0 {
		victim := s.segments[0]

		for s.pins[victim.id] > 0 {
			s.pinsDrained.Wait()
		}

		// Index entries must go before the file does.
		if s.pruneHook != nil {
			s.pruneHook(victim.id)
		}

		if err := os.Remove(victim.path); err != nil && !os.IsNotExist(err) {
			logger.Error("archive: failed to delete segment %s: %v", victim.path, err)
			// Drop it from tracking anyway: a segment we cannot delete
			// must not wedge the prune loop forever.
		}

		s.totalBytes -= victim.size
		s.segments = s.segments[1:]
		delete(s.byID, victim.id)
		removed = append(removed, victim.id)

		logger.Info("archive: pruned segment %s (%d bytes, conversation %s)",
			victim.id, victim.size, victim.conversationID)
	}
	return removed
}

// TotalBytes returns current on-disk usage.
func (s *Store) TotalBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalBytes
}

// SegmentCount returns the number of tracked segments.
func (s *Store) SegmentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.segments)
}

// AllSegments loads every tracked segment in global creation order,
// skipping corrupt ones. Used for index rebuilds.
func (s *Store) AllSegments() []*Segment {
	s.mu.Lock()
	metas := append([]segmentMeta(nil), s.segments...)
	s.mu.Unlock()

	segs := make([]*Segment, 0, len(metas))
	for _, m := range metas {
		seg, err := readSegmentFile(m.path, m.size)
		if err != nil {
			logger.Warn("archive: skipping corrupt segment %s: %v", m.path, err)
			continue
		}
		segs = append(segs, seg)
	}
	return segs
}

// readSegmentFile reads, decompresses and decodes one segment file.
func readSegmentFile(path string, size int64) (*Segment, error) {
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, corruptError(path, err)
	}
	payload, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, corruptError(path, err)
	}
	var seg Segment
	if err := json.Unmarshal(payload, &seg); err != nil {
		return nil, corruptError(path, err)
	}
	seg.Size = size
	return &seg, nil
}

// parseSegmentID extracts the creation time from a segment ID of the
// form segment_<unixnano>_<firstseq>.
func parseSegmentID(id string) (time.Time, bool) {
	parts := strings.Split(id, "_")
	if len(parts) != 3 || parts[0] != "segment" {
		return time.Time{}, false
	}
	var nanos int64
	if _, err := fmt.Sscanf(parts[1], "%d", &nanos); err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, nanos), true
}
