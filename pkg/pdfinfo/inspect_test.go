package pdfinfo

import (
	"os"
	"path/filepath"
	"testing"

	"perpustakaan/internal/pdftest"
)

func TestInspectReadsPagesAndInfo(t *testing.T) {
	path := pdftest.Write(t, t.TempDir(), "book.pdf", 3, map[string]string{
		"Title":  "Laskar Pelangi",
		"Author": "Andrea Hirata",
	})
	info, err := Inspect(path)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if info.Pages != 3 {
		t.Fatalf("pages = %d, want 3", info.Pages)
	}
	if info.Title() != "Laskar Pelangi" {
		t.Fatalf("title = %q", info.Title())
	}
	if info.Metadata["Author"] != "Andrea Hirata" {
		t.Fatalf("author = %q", info.Metadata["Author"])
	}
}

func TestInspectWithoutInfoDictionary(t *testing.T) {
	path := pdftest.Write(t, t.TempDir(), "plain.pdf", 11, nil)
	n, err := PageCount(path)
	if err != nil {
		t.Fatalf("page count: %v", err)
	}
	if n != 11 {
		t.Fatalf("pages = %d, want 11", n)
	}
}

func TestInspectRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fake.pdf")
	if err := os.WriteFile(path, []byte("this is not a pdf at all"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Inspect(path); err == nil {
		t.Fatalf("expected error for non-pdf input")
	}
}
