// Package attachment stores message attachments on local disk under
// per-file size, total count and age limits.
package attachment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatbridge/internal/clock"
	"chatbridge/internal/domain"
)

const tmpDirName = ".incoming"

// Config configures a Store. Zero limits disable the corresponding check.
type Config struct {
	Dir                string
	IndexPath          string // optional SQLite index; empty keeps the index in memory
	MaxFileSize        int64
	LargeFileThreshold int64
	MaxTotal           int
	MaxAge             time.Duration
	Clock              clock.Clock
	Logger             *slog.Logger
}

// Upload describes an attachment to be saved.
type Upload struct {
	SourceID    string // platform attachment id, used to dedupe re-fetched history
	MessageID   string
	Filename    string
	ContentType string
	Size        int64 // -1 when unknown
	Data        []byte
}

// Store is safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	cfg      Config
	entries  map[string]*entry
	bySource map[string]string
	index    *Index
	clock    clock.Clock
	logger   *slog.Logger
}

type entry struct {
	att      domain.Attachment
	sourceID string
	refs     int // cached messages pointing at the file
}

// NewStore creates the storage directory and restores entries from the
// index when one is configured.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("attachment storage dir is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Join(cfg.Dir, tmpDirName), 0o755); err != nil {
		return nil, fmt.Errorf("create attachment storage: %w", err)
	}

	s := &Store{
		cfg:      cfg,
		entries:  make(map[string]*entry),
		bySource: make(map[string]string),
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}

	if cfg.IndexPath != "" {
		idx, err := OpenIndex(cfg.IndexPath, cfg.Logger)
		if err != nil {
			return nil, err
		}
		s.index = idx
		if err := s.restore(ctx); err != nil {
			idx.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) restore(ctx context.Context) error {
	records, err := s.index.Load(ctx)
	if err != nil {
		return fmt.Errorf("load attachment index: %w", err)
	}
	missing := 0
	for _, rec := range records {
		if _, err := os.Stat(rec.Attachment.Path); err != nil {
			missing++
			if err := s.index.Delete(ctx, rec.Attachment.ID); err != nil {
				s.logger.Warn("failed to drop stale index entry", "id", rec.Attachment.ID, "err", err)
			}
			continue
		}
		s.entries[rec.Attachment.ID] = &entry{att: rec.Attachment, sourceID: rec.SourceID, refs: 1}
		if rec.SourceID != "" {
			s.bySource[rec.SourceID] = rec.Attachment.ID
		}
	}
	s.logger.Info("attachment index restored", "entries", len(s.entries), "missing", missing)
	return nil
}

// Save stores an attachment held in memory.
func (s *Store) Save(ctx context.Context, u Upload) (domain.Attachment, error) {
	u.Size = int64(len(u.Data))
	return s.SaveStream(ctx, u, bytes.NewReader(u.Data))
}

// SaveStream stores an attachment read from r. Uploads above the large
// file threshold, or of unknown size, are copied straight to disk instead
// of being buffered. Every upload is staged in the incoming dir and only
// moved into place once it is registered.
//
// Saving a file whose SourceID is already stored returns the existing
// attachment and takes another reference on it.
func (s *Store) SaveStream(ctx context.Context, u Upload, r io.Reader) (domain.Attachment, error) {
	if err := ctx.Err(); err != nil {
		return domain.Attachment{}, err
	}
	if att, ok := s.acquireSource(u.SourceID); ok {
		s.logger.Debug("attachment already stored", "id", att.ID, "source_id", u.SourceID)
		return att, nil
	}
	if limit := s.cfg.MaxFileSize; limit > 0 && u.Size > limit {
		return domain.Attachment{}, fmt.Errorf("%w: %s is %d bytes (max %d)",
			domain.ErrAttachmentTooLarge, u.Filename, u.Size, limit)
	}
	if err := s.checkCapacity(); err != nil {
		return domain.Attachment{}, err
	}

	id := uuid.NewString()
	name := sanitizeFilename(u.Filename, id)

	var (
		tmpPath string
		size    int64
		err     error
	)
	if u.Size >= 0 && (s.cfg.LargeFileThreshold <= 0 || u.Size <= s.cfg.LargeFileThreshold) {
		tmpPath, size, err = s.writeBuffered(r)
	} else {
		tmpPath, size, err = s.writeStreamed(ctx, r)
	}
	if err != nil {
		if errors.Is(err, domain.ErrAttachmentTooLarge) {
			return domain.Attachment{}, fmt.Errorf("%s: %w", u.Filename, err)
		}
		return domain.Attachment{}, err
	}

	att := domain.Attachment{
		ID:          id,
		MessageID:   u.MessageID,
		Filename:    name,
		ContentType: u.ContentType,
		Size:        size,
		Path:        filepath.Join(s.cfg.Dir, kindOf(name, u.ContentType), id, name),
		CreatedAt:   s.clock.Now(),
	}
	stored, fresh, err := s.commit(ctx, att, u.SourceID, tmpPath)
	if err != nil || !fresh {
		return stored, err
	}

	if s.index != nil {
		if err := s.index.Put(ctx, Record{Attachment: att, SourceID: u.SourceID}); err != nil {
			s.logger.Warn("failed to record attachment in index", "id", id, "err", err)
		}
	}
	s.logger.Info("attachment stored", "id", id, "filename", name, "size", size, "content_type", u.ContentType)
	return att, nil
}

// commit moves a staged upload into place and registers it. Eviction to
// make room happens here, after the upload is known to be good. The
// returned bool is false when a concurrent save of the same source won.
func (s *Store) commit(ctx context.Context, att domain.Attachment, sourceID, tmpPath string) (domain.Attachment, bool, error) {
	s.mu.Lock()
	if existing, ok := s.bySource[sourceID]; ok && sourceID != "" {
		// lost a race with a concurrent save of the same platform file
		e := s.entries[existing]
		e.refs++
		s.mu.Unlock()
		os.Remove(tmpPath)
		return e.att, false, nil
	}

	var victims []*entry
	if s.cfg.MaxTotal > 0 && len(s.entries) >= s.cfg.MaxTotal {
		victims = s.evictableLocked(att.CreatedAt)
		need := len(s.entries) - s.cfg.MaxTotal + 1
		if len(victims) < need {
			s.mu.Unlock()
			os.Remove(tmpPath)
			return domain.Attachment{}, false, fmt.Errorf("%w: %d attachments stored, none evictable", domain.ErrStoreFull, s.cfg.MaxTotal)
		}
		victims = victims[:need]
	}

	if err := os.MkdirAll(filepath.Dir(att.Path), 0o755); err != nil {
		s.mu.Unlock()
		os.Remove(tmpPath)
		return domain.Attachment{}, false, fmt.Errorf("create attachment dir: %w", err)
	}
	if err := os.Rename(tmpPath, att.Path); err != nil {
		os.RemoveAll(filepath.Dir(att.Path))
		s.mu.Unlock()
		os.Remove(tmpPath)
		return domain.Attachment{}, false, fmt.Errorf("move attachment into place: %w", err)
	}

	overflow := s.removeLocked(victims)
	s.entries[att.ID] = &entry{att: att, sourceID: sourceID, refs: 1}
	if sourceID != "" {
		s.bySource[sourceID] = att.ID
	}
	s.mu.Unlock()

	s.purge(ctx, overflow)
	return att, true, nil
}

// acquireSource returns the stored attachment for a platform file id and
// counts the caller as another reference to it.
func (s *Store) acquireSource(sourceID string) (domain.Attachment, bool) {
	if sourceID == "" {
		return domain.Attachment{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.bySource[sourceID]
	if !ok {
		return domain.Attachment{}, false
	}
	e := s.entries[id]
	e.refs++
	return e.att, true
}

// checkCapacity fails fast when the store is full and nothing can be
// evicted. It does not evict; commit does that once the upload succeeded.
func (s *Store) checkCapacity() error {
	if s.cfg.MaxTotal <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) < s.cfg.MaxTotal {
		return nil
	}
	if len(s.evictableLocked(s.clock.Now())) == 0 {
		return fmt.Errorf("%w: %d attachments stored, none evictable", domain.ErrStoreFull, s.cfg.MaxTotal)
	}
	return nil
}

// evictableLocked returns entries that are unreferenced or expired,
// oldest first.
func (s *Store) evictableLocked(now time.Time) []*entry {
	var out []*entry
	for _, e := range s.entries {
		if e.refs <= 0 || s.expired(e, now) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].att.CreatedAt.Equal(out[j].att.CreatedAt) {
			return out[i].att.ID < out[j].att.ID
		}
		return out[i].att.CreatedAt.Before(out[j].att.CreatedAt)
	})
	return out
}

func (s *Store) expired(e *entry, now time.Time) bool {
	return s.cfg.MaxAge > 0 && !now.Before(e.att.CreatedAt.Add(s.cfg.MaxAge))
}

func (s *Store) removeLocked(victims []*entry) []domain.Attachment {
	removed := make([]domain.Attachment, 0, len(victims))
	for _, e := range victims {
		delete(s.entries, e.att.ID)
		if e.sourceID != "" {
			delete(s.bySource, e.sourceID)
		}
		removed = append(removed, e.att)
	}
	return removed
}

// purge deletes files and index rows of entries already removed from memory.
func (s *Store) purge(ctx context.Context, removed []domain.Attachment) {
	for _, att := range removed {
		if err := os.RemoveAll(filepath.Dir(att.Path)); err != nil {
			s.logger.Warn("failed to remove attachment file", "id", att.ID, "err", err)
		}
		if s.index != nil {
			if err := s.index.Delete(ctx, att.ID); err != nil {
				s.logger.Warn("failed to remove attachment from index", "id", att.ID, "err", err)
			}
		}
		s.logger.Debug("attachment removed", "id", att.ID, "filename", att.Filename)
	}
}

func (s *Store) writeBuffered(r io.Reader) (string, int64, error) {
	var src io.Reader = r
	if s.cfg.MaxFileSize > 0 {
		src = io.LimitReader(r, s.cfg.MaxFileSize+1)
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return "", 0, fmt.Errorf("read attachment: %w", err)
	}
	if s.cfg.MaxFileSize > 0 && int64(len(data)) > s.cfg.MaxFileSize {
		return "", 0, fmt.Errorf("%w: exceeds %d bytes", domain.ErrAttachmentTooLarge, s.cfg.MaxFileSize)
	}
	tmp, err := os.CreateTemp(filepath.Join(s.cfg.Dir, tmpDirName), "upload-*")
	if err != nil {
		return "", 0, fmt.Errorf("create temp file: %w", err)
	}
	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("write attachment: %w", err)
	}
	return tmp.Name(), int64(len(data)), nil
}

func (s *Store) writeStreamed(ctx context.Context, r io.Reader) (string, int64, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.cfg.Dir, tmpDirName), "upload-*")
	if err != nil {
		return "", 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	var src io.Reader = &ctxReader{ctx: ctx, r: r}
	if s.cfg.MaxFileSize > 0 {
		src = io.LimitReader(src, s.cfg.MaxFileSize+1)
	}
	written, err := io.Copy(tmp, src)
	closeErr := tmp.Close()
	if err != nil {
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("write attachment: %w", err)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("close temp file: %w", closeErr)
	}
	if s.cfg.MaxFileSize > 0 && written > s.cfg.MaxFileSize {
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("%w: exceeds %d bytes", domain.ErrAttachmentTooLarge, s.cfg.MaxFileSize)
	}
	return tmpPath, written, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// Get returns a stored attachment.
func (s *Store) Get(id string) (domain.Attachment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return domain.Attachment{}, false
	}
	return e.att, true
}

// Release drops one reference per id. Attachments nothing refers to any
// more are the first candidates for eviction.
func (s *Store) Release(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if e, ok := s.entries[id]; ok && e.refs > 0 {
			e.refs--
		}
	}
}

// Len returns the number of stored attachments.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// CleanupReport summarizes one Cleanup run.
type CleanupReport struct {
	Expired      int
	Unreferenced int
	StrayFiles   int
}

// Cleanup deletes expired and unreferenced attachments, then removes files
// under the storage dir that the store does not know about.
func (s *Store) Cleanup(ctx context.Context) (CleanupReport, error) {
	var report CleanupReport
	now := s.clock.Now()

	s.mu.Lock()
	var victims []*entry
	for _, e := range s.entries {
		switch {
		case s.expired(e, now):
			report.Expired++
			victims = append(victims, e)
		case e.refs <= 0:
			report.Unreferenced++
			victims = append(victims, e)
		}
	}
	removed := s.removeLocked(victims)
	s.mu.Unlock()

	s.purge(ctx, removed)

	stray, err := s.removeStray(ctx)
	report.StrayFiles = stray
	if err != nil {
		return report, err
	}

	if report.Expired+report.Unreferenced+report.StrayFiles > 0 {
		s.logger.Info("attachment cleanup",
			"expired", report.Expired,
			"unreferenced", report.Unreferenced,
			"stray", report.StrayFiles,
		)
	}
	return report, nil
}

// removeStray holds the lock for the whole walk so no upload can be moved
// into place between the scan and the removal.
func (s *Store) removeStray(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	known := make(map[string]bool, len(s.entries))
	for _, e := range s.entries {
		known[filepath.Clean(e.att.Path)] = true
	}
	skip := map[string]bool{}
	if s.index != nil {
		p := filepath.Clean(s.index.Path())
		skip[p], skip[p+"-wal"], skip[p+"-shm"], skip[p+"-journal"] = true, true, true, true
	}

	var stray []string
	var dirs []string
	root := filepath.Clean(s.cfg.Dir)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path == filepath.Join(root, tmpDirName) {
				return fs.SkipDir
			}
			if path != root {
				dirs = append(dirs, path)
			}
			return nil
		}
		if !known[path] && !skip[path] {
			stray = append(stray, path)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan attachment storage: %w", err)
	}

	removed := 0
	for _, p := range stray {
		if err := os.Remove(p); err != nil {
			s.logger.Warn("failed to remove stray file", "path", p, "err", err)
			continue
		}
		removed++
	}
	// deepest first so parents empty out
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, d := range dirs {
		os.Remove(d) // fails on non-empty dirs
	}
	return removed, nil
}

// Close releases the index.
func (s *Store) Close() error {
	if s.index != nil {
		return s.index.Close()
	}
	return nil
}

var kindByExt = map[string]string{
	".jpg": "image", ".jpeg": "image", ".png": "image", ".gif": "image", ".webp": "image", ".bmp": "image", ".svg": "image",
	".mp3": "audio", ".ogg": "audio", ".oga": "audio", ".wav": "audio", ".m4a": "audio", ".flac": "audio", ".opus": "audio",
	".mp4": "video", ".mov": "video", ".webm": "video", ".mkv": "video", ".avi": "video",
}

// kindOf picks the storage subdirectory for a file.
func kindOf(filename, contentType string) string {
	if k, ok := kindByExt[strings.ToLower(filepath.Ext(filename))]; ok {
		return k
	}
	switch ct := strings.ToLower(contentType); {
	case strings.HasPrefix(ct, "image/"):
		return "image"
	case strings.HasPrefix(ct, "audio/"):
		return "audio"
	case strings.HasPrefix(ct, "video/"):
		return "video"
	}
	return "document"
}

func sanitizeFilename(name, fallback string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r < 0x20, r == ':', r == '*', r == '?', r == '"', r == '<', r == '>', r == '|':
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return fallback
	}
	return name
}
