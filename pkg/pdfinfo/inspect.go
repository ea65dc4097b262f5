// Package pdfinfo reads page counts and Info dictionary fields from PDF files.
package pdfinfo

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ErrNoPages is returned for documents whose page tree is empty.
var ErrNoPages = errors.New("pdf has no pages")

var infoKeys = []string{"Title", "Author", "Subject", "Creator", "Producer"}

// Info summarises a PDF.
type Info struct {
	Pages    int
	Metadata map[string]string
}

// Title returns the Info dictionary title, if any.
func (i Info) Title() string {
	return i.Metadata["Title"]
}

// Inspect opens path and reads its page count and Info dictionary.
func Inspect(path string) (info Info, err error) {
	// The parser panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parse pdf: %v", r)
		}
	}()
	f, reader, err := pdf.Open(path)
	if err != nil {
		return Info{}, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	info.Pages = reader.NumPage()
	if info.Pages <= 0 {
		return Info{}, ErrNoPages
	}
	info.Metadata = map[string]string{}
	dict := reader.Trailer().Key("Info")
	if !dict.IsNull() {
		for _, key := range infoKeys {
			if v := strings.TrimSpace(dict.Key(key).Text()); v != "" {
				info.Metadata[key] = v
			}
		}
	}
	return info, nil
}

// PageCount returns only the number of pages in path.
func PageCount(path string) (int, error) {
	info, err := Inspect(path)
	if err != nil {
		return 0, err
	}
	return info.Pages, nil
}
