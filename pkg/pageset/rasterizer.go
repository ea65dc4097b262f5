package pageset

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Rasterizer turns a source document into page images.
// Implementations must call emit once per page, in page order, starting at 1.
type Rasterizer interface {
	Rasterize(ctx context.Context, sourcePath string, emit func(page int, img image.Image) error) error
}

// ErrRendererMissing is returned when the external renderer binary cannot be found.
var ErrRendererMissing = errors.New("pdf renderer not available")

// Pdftoppm rasterizes PDFs with the poppler-utils pdftoppm tool.
type Pdftoppm struct {
	// Path is the binary; empty means "pdftoppm" on PATH.
	Path string
	// DPI is the render resolution; zero means 150.
	DPI int
}

// Rasterize renders every page of sourcePath to PNG in a scratch directory
// and hands the decoded images to emit.
func (p Pdftoppm) Rasterize(ctx context.Context, sourcePath string, emit func(int, image.Image) error) error {
	bin := strings.TrimSpace(p.Path)
	if bin == "" {
		bin = "pdftoppm"
	}
	bin, err := exec.LookPath(bin)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRendererMissing, err)
	}
	dpi := p.DPI
	if dpi <= 0 {
		dpi = 150
	}

	scratch, err := os.MkdirTemp("", "pdftoppm-*")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, "-r", strconv.Itoa(dpi), "-png", sourcePath, filepath.Join(scratch, "p"))
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("pdftoppm: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	files, err := scratchPages(scratch)
	if err != nil {
		return err
	}
	for i, name := range files {
		img, err := decodePNG(filepath.Join(scratch, name))
		if err != nil {
			return fmt.Errorf("decode page %d: %w", i+1, err)
		}
		if err := emit(i+1, img); err != nil {
			return err
		}
	}
	return nil
}

// scratchPages lists pdftoppm output ("p-1.png", "p-01.png", ...) in page order.
// pdftoppm zero-pads to the width of the last page number, so the numeric
// suffix is parsed instead of trusting lexical order.
func scratchPages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read scratch dir: %w", err)
	}
	type numbered struct {
		n    int
		name string
	}
	var pages []numbered
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "p-") || !strings.HasSuffix(name, ".png") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "p-"), ".png"))
		if err != nil || n <= 0 {
			continue
		}
		pages = append(pages, numbered{n: n, name: name})
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].n < pages[j].n })
	out := make([]string, 0, len(pages))
	for i, p := range pages {
		if p.n != i+1 {
			return nil, fmt.Errorf("pdftoppm output missing page %d", i+1)
		}
		out = append(out, p.name)
	}
	return out, nil
}

func decodePNG(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return png.Decode(f)
}
