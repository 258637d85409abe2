// Package payload stores oversized response bodies for paged retrieval.
//
// Entries are compressed as seekable zstd with the frame size equal to the
// fetch size, so serving one page decompresses exactly one frame. The map
// is LRU-capped and entries expire by TTL; a background sweeper collects
// expired entries once the server signals it is initialized.
package payload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	seekable "github.com/SaveTheRbtz/zstd-seekable-format-go/pkg"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"

	"codequarry/internal/fault"
	"codequarry/internal/logging"
)

// zstdDec is a package-level decoder, concurrent-safe, always available
// for reads.
var zstdDec *zstd.Decoder

func init() {
	var err error
	zstdDec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic("zstd: init decoder: " + err.Error())
	}
}

// Config for the payload cache.
type Config struct {
	// MaxEntries caps the LRU map.
	MaxEntries int
	// TTL is the lifetime of a handle.
	TTL time.Duration
	// FetchSize is the page size in raw bytes, and the seekable frame size.
	FetchSize int
	// PreviewSize is how many leading bytes Preview returns.
	PreviewSize int
	Logger      *slog.Logger
	Now         func() time.Time
}

type stored struct {
	compressed  []byte
	rawSize     int
	fetchSize   int
	previewSize int
	meta        map[string]string
	createdAt   time.Time
	expiresAt   time.Time
}

// Page is one slice of a stored payload.
type Page struct {
	Content    []byte
	Page       int
	TotalPages int
	HasMore    bool
	Meta       map[string]string
}

// Cache is the LRU-capped TTL store.
type Cache struct {
	entries     *lru.Cache[string, *stored]
	enc         *zstd.Encoder
	ttl         time.Duration
	fetchSize   int
	previewSize int
	logger      *slog.Logger
	now         func() time.Time

	initOnce    sync.Once
	initialized chan struct{}
}

// New creates a payload cache.
func New(cfg Config) (*Cache, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if cfg.MaxEntries <= 0 || cfg.FetchSize <= 0 {
		return nil, fault.Wrapf(fault.ErrSettingsInvalid,
			"payload cache: max entries %d, fetch size %d", cfg.MaxEntries, cfg.FetchSize)
	}
	entries, err := lru.New[string, *stored](cfg.MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("payload cache: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("payload cache: init encoder: %w", err)
	}
	return &Cache{
		entries:     entries,
		enc:         enc,
		ttl:         cfg.TTL,
		fetchSize:   cfg.FetchSize,
		previewSize: cfg.PreviewSize,
		logger:      logger.With("component", "payload"),
		now:         now,
		initialized: make(chan struct{}),
	}, nil
}

// Store compresses content and returns a handle for paged retrieval.
func (c *Cache) Store(content []byte, meta map[string]string) (string, error) {
	if len(content) == 0 {
		return "", fault.Wrapf(fault.ErrInvalidParameter, "store payload: empty content")
	}

	// One Write per page so each page lands in its own frame.
	var buf bytes.Buffer
	sw, err := seekable.NewWriter(&buf, c.enc)
	if err != nil {
		return "", fmt.Errorf("store payload: %w", err)
	}
	for off := 0; off < len(content); off += c.fetchSize {
		end := min(off+c.fetchSize, len(content))
		if _, err := sw.Write(content[off:end]); err != nil {
			return "", fmt.Errorf("store payload: %w", err)
		}
	}
	if err := sw.Close(); err != nil {
		return "", fmt.Errorf("store payload: %w", err)
	}

	handle := uuid.NewString()
	createdAt := c.now().UTC()
	c.entries.Add(handle, &stored{
		compressed:  buf.Bytes(),
		rawSize:     len(content),
		fetchSize:   c.fetchSize,
		previewSize: c.previewSize,
		meta:        meta,
		createdAt:   createdAt,
		expiresAt:   createdAt.Add(c.ttl),
	})
	return handle, nil
}

// lookup returns a live entry or the proper fault for a dead handle.
func (c *Cache) lookup(handle string) (*stored, error) {
	s, ok := c.entries.Get(handle)
	if !ok {
		return nil, fault.Wrapf(fault.ErrHandleUnknown, "payload %q", handle)
	}
	if c.now().After(s.expiresAt) {
		c.entries.Remove(handle)
		return nil, fault.Wrapf(fault.ErrHandleExpired, "payload %q", handle)
	}
	return s, nil
}

// Retrieve returns one page of a stored payload. Page numbering starts at
// zero; page 0 covers bytes [0, fetchSize).
func (c *Cache) Retrieve(handle string, page int) (Page, error) {
	s, err := c.lookup(handle)
	if err != nil {
		return Page{}, err
	}
	totalPages := (s.rawSize + s.fetchSize - 1) / s.fetchSize
	if page < 0 || page >= totalPages {
		return Page{}, fault.Wrapf(fault.ErrInvalidParameter,
			"payload %q: page %d of %d", handle, page, totalPages)
	}

	off := page * s.fetchSize
	n := min(s.fetchSize, s.rawSize-off)
	content, err := c.readRange(s, int64(off), n)
	if err != nil {
		return Page{}, fmt.Errorf("payload %q page %d: %w", handle, page, err)
	}
	return Page{
		Content:    content,
		Page:       page,
		TotalPages: totalPages,
		HasMore:    page < totalPages-1,
		Meta:       s.meta,
	}, nil
}

// Preview returns the first previewSize bytes of a stored payload.
func (c *Cache) Preview(handle string) ([]byte, error) {
	s, err := c.lookup(handle)
	if err != nil {
		return nil, err
	}
	n := min(s.previewSize, s.rawSize)
	if n <= 0 {
		return nil, nil
	}
	content, err := c.readRange(s, 0, n)
	if err != nil {
		return nil, fmt.Errorf("payload %q preview: %w", handle, err)
	}
	return content, nil
}

func (c *Cache) readRange(s *stored, off int64, n int) ([]byte, error) {
	r, err := seekable.NewReader(bytes.NewReader(s.compressed), zstdDec)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	buf := make([]byte, n)
	read, err := r.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return nil, err
	}
	if read != n {
		return nil, fmt.Errorf("short read: %d of %d bytes", read, n)
	}
	return buf, nil
}

// CleanupExpired removes expired entries and returns how many went.
func (c *Cache) CleanupExpired() int {
	now := c.now()
	n := 0
	for _, handle := range c.entries.Keys() {
		if s, ok := c.entries.Peek(handle); ok && now.After(s.expiresAt) {
			c.entries.Remove(handle)
			n++
		}
	}
	return n
}

// Len reports the current entry count.
func (c *Cache) Len() int { return c.entries.Len() }

// MarkInitialized releases the sweeper for its first pass. Sweeping before
// the owning server finished construction once raced table creation, so the
// sweeper always waits for this signal.
func (c *Cache) MarkInitialized() {
	c.initOnce.Do(func() { close(c.initialized) })
}

// StartSweeper runs CleanupExpired every TTL/2 until ctx is done. The first
// sweep waits for MarkInitialized. Returns a stop function that waits for
// the goroutine to exit.
func (c *Cache) StartSweeper(ctx context.Context) (stop func()) {
	if c.ttl <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-ctx.Done():
			return
		case <-c.initialized:
		}
		ticker := time.NewTicker(c.ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.CleanupExpired(); n > 0 {
					c.logger.Debug("expired payloads swept", "count", n)
				}
			}
		}
	}()
	return func() { <-done }
}
