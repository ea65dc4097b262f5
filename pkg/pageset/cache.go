// Package pageset renders documents into ordered page images and keeps the
// result on disk so each document is rendered at most once.
//
// Layout under the root directory:
//
//	<root>/<documentID>/page_1.png
//	<root>/<documentID>/page_2.png
//	<root>/<documentID>/.complete
//
// A document directory is only trusted once it holds the .complete marker.
// Pages are rendered into a staging directory that is renamed into place
// after the marker is written, so the final directory is never observed
// half-filled.
package pageset

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

const (
	markerName      = ".complete"
	stagingPrefix   = ".staging-"
	defaultMaxWidth = 1200
	defaultQuality  = 85
	// staging dirs older than this belong to a render that died
	staleStagingAge = time.Hour
)

var (
	ErrInvalidDocumentID = errors.New("invalid document id")
	ErrNoPages           = errors.New("document rendered no pages")
	ErrIncompleteRender  = errors.New("rendered page count does not match source")
	ErrPageNotFound      = errors.New("page not found")
)

var pageNamePattern = regexp.MustCompile(`^page_([1-9][0-9]*)\.(png|jpg)$`)

// PageCounter reports how many pages the source document has.
type PageCounter func(sourcePath string) (int, error)

// Locker serializes renders of one document across processes.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Config configures a Cache.
type Config struct {
	Root        string
	Rasterizer  Rasterizer
	PageCounter PageCounter
	Locker      Locker
	MaxWidth    int
	Format      Format
	JPEGQuality int
	// Concurrency bounds simultaneous renders in this process.
	Concurrency int
	// Timeout bounds one render; zero means no limit.
	Timeout     time.Duration
	Logger      *slog.Logger
}

// Cache produces page sets on first access and serves them from disk afterwards.
type Cache struct {
	root     string
	raster   Rasterizer
	counter  PageCounter
	locker   Locker
	maxWidth int
	format   Format
	quality  int
	timeout  time.Duration
	logger   *slog.Logger

	group singleflight.Group
	sem   *semaphore.Weighted
}

// New validates cfg and creates the root directory.
func New(cfg Config) (*Cache, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, errors.New("pageset: root directory required")
	}
	if cfg.Rasterizer == nil {
		return nil, errors.New("pageset: rasterizer required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("pageset: create root: %w", err)
	}
	format := cfg.Format
	if format == "" {
		format = FormatPNG
	}
	maxWidth := cfg.MaxWidth
	if maxWidth <= 0 {
		maxWidth = defaultMaxWidth
	}
	quality := cfg.JPEGQuality
	if quality <= 0 || quality > 100 {
		quality = defaultQuality
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		root:     root,
		raster:   cfg.Rasterizer,
		counter:  cfg.PageCounter,
		locker:   cfg.Locker,
		maxWidth: maxWidth,
		format:   format,
		quality:  quality,
		timeout:  cfg.Timeout,
		logger:   logger,
		sem:      semaphore.NewWeighted(int64(concurrency)),
	}
	c.sweepStaging(time.Now().Add(-max(staleStagingAge, 2*cfg.Timeout)))
	return c, nil
}

// sweepStaging removes staging dirs last touched before cutoff. Younger ones
// may still be filled by another process.
func (c *Cache) sweepStaging(cutoff time.Time) {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		c.logger.Warn("list page root failed", "root", c.root, "err", err)
		return
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), stagingPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(c.root, e.Name())
		if err := os.RemoveAll(path); err != nil {
			c.logger.Warn("remove stale staging dir failed", "dir", path, "err", err)
			continue
		}
		c.logger.Info("removed stale staging dir", "dir", path)
	}
}

// Format is the encoding of page files produced by this cache.
func (c *Cache) Format() Format {
	return c.format
}

// Dir is the output directory of documentID.
func (c *Cache) Dir(documentID int64) string {
	return filepath.Join(c.root, strconv.FormatInt(documentID, 10))
}

// Pages returns the page file names of documentID in page order, rendering
// sourcePath first if no complete page set exists yet.
//
// Concurrent callers for the same document share one render. The render is
// detached from the caller's cancellation so that an abandoned request does
// not fail the other waiters; ctx still bounds how long this caller waits.
func (c *Cache) Pages(ctx context.Context, documentID int64, sourcePath string) ([]string, error) {
	if documentID <= 0 {
		return nil, ErrInvalidDocumentID
	}
	dir := c.Dir(documentID)
	if pages, ok := c.load(dir); ok {
		return pages, nil
	}

	key := strconv.FormatInt(documentID, 10)
	renderCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		return c.build(renderCtx, documentID, sourcePath)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		pages := res.Val.([]string)
		return append([]string(nil), pages...), nil
	}
}

// Cached reports the page set of documentID without rendering.
func (c *Cache) Cached(documentID int64) ([]string, bool) {
	if documentID <= 0 {
		return nil, false
	}
	return c.load(c.Dir(documentID))
}

// PagePath resolves one page file of a complete page set. Names outside the
// set, including anything with path separators, are rejected.
func (c *Cache) PagePath(documentID int64, name string) (string, error) {
	if !pageNamePattern.MatchString(name) {
		return "", ErrPageNotFound
	}
	pages, ok := c.Cached(documentID)
	if !ok {
		return "", ErrPageNotFound
	}
	for _, p := range pages {
		if p == name {
			return filepath.Join(c.Dir(documentID), name), nil
		}
	}
	return "", ErrPageNotFound
}

func (c *Cache) build(ctx context.Context, documentID int64, sourcePath string) ([]string, error) {
	dir := c.Dir(documentID)
	if c.locker != nil {
		unlock, err := c.locker.Lock(ctx, "pageset:"+strconv.FormatInt(documentID, 10))
		if err != nil {
			return nil, fmt.Errorf("lock document %d: %w", documentID, err)
		}
		defer unlock()
	}
	// Another process may have finished while we waited for the lock.
	if pages, ok := c.load(dir); ok {
		return pages, nil
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	staging := filepath.Join(c.root, stagingPrefix+strconv.FormatInt(documentID, 10)+"-"+uuid.NewString())
	if err := os.Mkdir(staging, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	count, err := c.renderInto(ctx, staging, sourcePath)
	if err != nil {
		c.logger.Error("page render failed", "document_id", documentID, "source", sourcePath, "err", err)
		return nil, fmt.Errorf("render document %d: %w", documentID, err)
	}
	if err := os.WriteFile(filepath.Join(staging, markerName), []byte(strconv.Itoa(count)), 0o644); err != nil {
		return nil, fmt.Errorf("write completion marker: %w", err)
	}
	// Without a shared lock another process may publish first; its set wins.
	if pages, ok := c.load(dir); ok {
		return pages, nil
	}
	// Any leftovers in dir lack a marker and are discarded.
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("clear stale pages: %w", err)
	}
	if err := os.Rename(staging, dir); err != nil {
		if pages, ok := c.load(dir); ok {
			return pages, nil
		}
		return nil, fmt.Errorf("publish pages: %w", err)
	}

	pages, ok := c.load(dir)
	if !ok {
		return nil, fmt.Errorf("page set for document %d unreadable after render", documentID)
	}
	c.logger.Info("page set rendered",
		"document_id", documentID,
		"pages", len(pages),
		"format", string(c.format),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return pages, nil
}

func (c *Cache) renderInto(ctx context.Context, dir, sourcePath string) (int, error) {
	ext := c.format.Ext()
	count := 0
	err := c.raster.Rasterize(ctx, sourcePath, func(page int, img image.Image) error {
		if page != count+1 {
			return fmt.Errorf("rasterizer emitted page %d after page %d", page, count)
		}
		count = page
		name := fmt.Sprintf("page_%d.%s", page, ext)
		if err := writeImage(filepath.Join(dir, name), fitWidth(img, c.maxWidth), c.format, c.quality); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, ErrNoPages
	}
	if c.counter != nil {
		want, err := c.counter(sourcePath)
		switch {
		case err != nil:
			c.logger.Warn("page count unavailable", "source", sourcePath, "err", err)
		case want != count:
			return 0, fmt.Errorf("%w: rendered %d of %d", ErrIncompleteRender, count, want)
		}
	}
	return count, nil
}

// load lists a complete page set. It reports false when the marker is
// missing or disagrees with the files present.
func (c *Cache) load(dir string) ([]string, bool) {
	raw, err := os.ReadFile(filepath.Join(dir, markerName))
	if err != nil {
		return nil, false
	}
	want, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || want <= 0 {
		return nil, false
	}
	pages, err := listPages(dir)
	if err != nil || len(pages) != want {
		return nil, false
	}
	return pages, true
}

// listPages returns page_<k> files sorted by k, not lexically, so page_10
// follows page_9.
func listPages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	type numbered struct {
		n    int
		name string
	}
	found := make([]numbered, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := pageNamePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		found = append(found, numbered{n: n, name: e.Name()})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].n < found[j].n })
	names := make([]string, len(found))
	for i, f := range found {
		names[i] = f.name
	}
	return names, nil
}
