package app

import (
	"bytes"
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"perpustakaan/internal/pdftest"
	"perpustakaan/pkg/domain"
	"perpustakaan/pkg/pageset"
	"perpustakaan/pkg/pdfinfo"
	"perpustakaan/pkg/queue"
	"perpustakaan/pkg/storage"
	"perpustakaan/pkg/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// countingRasterizer emits one blank page per page of the source PDF.
type countingRasterizer struct{}

func (countingRasterizer) Rasterize(_ context.Context, src string, emit func(int, image.Image) error) error {
	n, err := pdfinfo.PageCount(src)
	if err != nil {
		return err
	}
	for k := 1; k <= n; k++ {
		if err := emit(k, image.NewGray(image.Rect(0, 0, 40, 60))); err != nil {
			return err
		}
	}
	return nil
}

type fakeQueue struct {
	mu  sync.Mutex
	ids []int64
	err error
}

func (q *fakeQueue) Enqueue(_ context.Context, id int64) (queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return queue.Job{}, q.err
	}
	q.ids = append(q.ids, id)
	return queue.Job{ID: "job", DocumentID: id, Status: domain.JobQueued}, nil
}

type failingCreateStore struct {
	*store.MemoryStore
}

func (failingCreateStore) CreateDocument(domain.Document) (domain.Document, error) {
	return domain.Document{}, errors.New("db down")
}

type fixture struct {
	app       *App
	store     store.Store
	uploadDir string
	pagesDir  string
	queue     *fakeQueue
	revoker   *store.MemoryTokenRevoker
}

func newFixture(t *testing.T, mut func(*Config)) *fixture {
	t.Helper()
	base := t.TempDir()
	f := &fixture{
		store:     store.NewMemoryStore(),
		uploadDir: filepath.Join(base, "uploads"),
		pagesDir:  filepath.Join(base, "pages"),
		queue:     &fakeQueue{},
		revoker:   store.NewMemoryTokenRevoker(),
	}
	objects, err := storage.NewLocalStore(f.uploadDir)
	if err != nil {
		t.Fatalf("local store: %v", err)
	}
	cache, err := pageset.New(pageset.Config{
		Root:        f.pagesDir,
		Rasterizer:  countingRasterizer{},
		PageCounter: pdfinfo.PageCount,
	})
	if err != nil {
		t.Fatalf("page cache: %v", err)
	}
	sessions, err := store.NewJWTSessionStore(testSecret, time.Hour, f.revoker, store.JWTOptions{})
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	cfg := Config{
		Store:             f.store,
		Sessions:          sessions,
		Objects:           objects,
		Pages:             cache,
		Queue:             f.queue,
		AllowedExtensions: []string{"pdf"},
	}
	if mut != nil {
		mut(&cfg)
	}
	f.store = cfg.Store
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	f.app = a
	return f
}

func (f *fixture) upload(t *testing.T, filename string, pages int) (domain.Document, error) {
	t.Helper()
	return f.app.UploadDocument(context.Background(), UploadInput{
		Title:    "Sejarah Nusantara",
		Author:   "Ani",
		Filename: filename,
		File:     bytes.NewReader(pdftest.Minimal(pages, map[string]string{"Title": "Inner Title"})),
	})
}

func treeFiles(t *testing.T, root string) []string {
	t.Helper()
	var out []string
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			rel, _ := filepath.Rel(root, p)
			out = append(out, rel)
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("walk %s: %v", root, err)
	}
	return out
}

func TestUploadRejectsDisallowedExtension(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.upload(t, "ok.pdf", 2); err != nil {
		t.Fatalf("seed upload: %v", err)
	}
	if _, err := f.app.DocumentPages(context.Background(), 1); err != nil {
		t.Fatalf("seed pages: %v", err)
	}
	docsBefore, _ := f.store.ListDocuments()
	uploadsBefore := treeFiles(t, f.uploadDir)
	pagesBefore := treeFiles(t, f.pagesDir)

	for _, name := range []string{"notes.txt", "archive.pdf.exe", "noext", "image.PNG"} {
		_, err := f.upload(t, name, 1)
		if !errors.Is(err, ErrUnsupportedFileType) {
			t.Fatalf("%s: expected ErrUnsupportedFileType, got %v", name, err)
		}
	}

	docsAfter, _ := f.store.ListDocuments()
	if diff := cmp.Diff(docsBefore, docsAfter); diff != "" {
		t.Fatalf("document store changed:\n%s", diff)
	}
	if diff := cmp.Diff(uploadsBefore, treeFiles(t, f.uploadDir)); diff != "" {
		t.Fatalf("upload dir changed:\n%s", diff)
	}
	if diff := cmp.Diff(pagesBefore, treeFiles(t, f.pagesDir)); diff != "" {
		t.Fatalf("pages dir changed:\n%s", diff)
	}
	if len(f.queue.ids) != 1 {
		t.Fatalf("rejected uploads must not enqueue renders, got %v", f.queue.ids)
	}
}

func TestUploadStoresDocumentAndEnqueuesRender(t *testing.T) {
	f := newFixture(t, nil)
	doc, err := f.upload(t, "Laporan Tahunan 2023.PDF", 3)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if doc.ID == 0 || doc.PageCount != 3 || doc.PDFInfo["Title"] != "Inner Title" {
		t.Fatalf("unexpected document %+v", doc)
	}
	if doc.OriginalFilename != "Laporan Tahunan 2023.PDF" {
		t.Fatalf("original filename = %q", doc.OriginalFilename)
	}
	if !strings.HasSuffix(doc.Filename, "/Laporan_Tahunan_2023.pdf") {
		t.Fatalf("unexpected storage key %q", doc.Filename)
	}
	if _, err := os.Stat(filepath.Join(f.uploadDir, filepath.FromSlash(doc.Filename))); err != nil {
		t.Fatalf("stored file missing: %v", err)
	}
	if diff := cmp.Diff([]int64{doc.ID}, f.queue.ids); diff != "" {
		t.Fatalf("queued ids (-want +got):\n%s", diff)
	}

	_, rc, info, err := f.app.OpenDocumentFile(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	rc.Close()
	if info.Size != doc.SizeBytes {
		t.Fatalf("stored size %d, document says %d", info.Size, doc.SizeBytes)
	}
}

func TestUploadRequiresTitleAndAuthor(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.app.UploadDocument(context.Background(), UploadInput{
		Title:    "  ",
		Author:   "Ani",
		Filename: "a.pdf",
		File:     bytes.NewReader(pdftest.Minimal(1, nil)),
	})
	if !errors.Is(err, ErrInvalidUpload) {
		t.Fatalf("expected ErrInvalidUpload, got %v", err)
	}
	if files := treeFiles(t, f.uploadDir); len(files) != 0 {
		t.Fatalf("nothing should be stored, got %v", files)
	}
}

func TestUploadTakesTitleFromPDF(t *testing.T) {
	f := newFixture(t, nil)
	doc, err := f.app.UploadDocument(context.Background(), UploadInput{
		Author:   "Ani",
		Filename: "a.pdf",
		File:     bytes.NewReader(pdftest.Minimal(2, map[string]string{"Title": "Hikayat Hang Tuah"})),
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if doc.Title != "Hikayat Hang Tuah" {
		t.Fatalf("title = %q, want the PDF title", doc.Title)
	}

	// the form title wins when both are present
	doc, err = f.upload(t, "b.pdf", 1)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if doc.Title != "Sejarah Nusantara" {
		t.Fatalf("title = %q, want the form title", doc.Title)
	}
}

func TestUploadRemovesFileWhenMetadataFails(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Store = failingCreateStore{store.NewMemoryStore()}
	})
	if _, err := f.upload(t, "a.pdf", 1); err == nil {
		t.Fatalf("expected metadata failure")
	}
	if files := treeFiles(t, f.uploadDir); len(files) != 0 {
		t.Fatalf("orphaned upload left behind: %v", files)
	}
}

func TestUploadSucceedsWhenEnqueueFails(t *testing.T) {
	f := newFixture(t, nil)
	f.queue.err = errors.New("redis down")
	if _, err := f.upload(t, "a.pdf", 1); err != nil {
		t.Fatalf("enqueue failure must not fail the upload: %v", err)
	}
}

func TestUploadKeepsUnreadablePDF(t *testing.T) {
	f := newFixture(t, nil)
	doc, err := f.app.UploadDocument(context.Background(), UploadInput{
		Title:    "Scan",
		Author:   "Budi",
		Filename: "scan.pdf",
		File:     strings.NewReader("not really a pdf"),
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if doc.PageCount != 0 || len(doc.PDFInfo) != 0 {
		t.Fatalf("expected empty inspection result, got %+v", doc)
	}
}

func TestDocumentPagesRendersInOrder(t *testing.T) {
	f := newFixture(t, nil)
	doc, err := f.upload(t, "three.pdf", 3)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	set, err := f.app.DocumentPages(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("pages: %v", err)
	}
	if diff := cmp.Diff([]string{"page_1.png", "page_2.png", "page_3.png"}, set.Pages); diff != "" {
		t.Fatalf("pages (-want +got):\n%s", diff)
	}
	p, err := f.app.PageFile(context.Background(), doc.ID, "page_2.png")
	if err != nil {
		t.Fatalf("page file: %v", err)
	}
	if _, err := os.Stat(p); err != nil {
		t.Fatalf("page file missing: %v", err)
	}
	if _, err := f.app.PageFile(context.Background(), doc.ID, "page_9.png"); !errors.Is(err, ErrPageNotFound) {
		t.Fatalf("expected ErrPageNotFound, got %v", err)
	}
	if _, err := f.app.DocumentPages(context.Background(), 999); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
	if f.app.PageContentType() != "image/png" {
		t.Fatalf("unexpected page content type %q", f.app.PageContentType())
	}
}

func TestAddComment(t *testing.T) {
	f := newFixture(t, nil)
	doc, err := f.upload(t, "a.pdf", 1)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	ctx := context.Background()
	if _, err := f.app.AddComment(ctx, doc.ID, "  ", "body"); !errors.Is(err, ErrCommentIncomplete) {
		t.Fatalf("expected ErrCommentIncomplete, got %v", err)
	}
	if _, err := f.app.AddComment(ctx, doc.ID, "Ani", " "); !errors.Is(err, ErrCommentIncomplete) {
		t.Fatalf("expected ErrCommentIncomplete, got %v", err)
	}
	if _, err := f.app.AddComment(ctx, doc.ID, strings.Repeat("a", maxCommentAuthor+1), "hi"); !errors.Is(err, ErrCommentTooLong) {
		t.Fatalf("long author: expected ErrCommentTooLong, got %v", err)
	}
	if _, err := f.app.AddComment(ctx, doc.ID, "Ani", strings.Repeat("é", maxCommentBody+1)); !errors.Is(err, ErrCommentTooLong) {
		t.Fatalf("long body: expected ErrCommentTooLong, got %v", err)
	}
	if _, err := f.app.AddComment(ctx, doc.ID, "Ani", strings.Repeat("é", maxCommentBody)); err != nil {
		t.Fatalf("body at the limit counts runes, got %v", err)
	}
	if _, err := f.app.AddComment(ctx, 404, "Ani", "hi"); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
	if _, err := f.app.AddComment(ctx, doc.ID, " Ani ", " bagus sekali "); err != nil {
		t.Fatalf("add comment: %v", err)
	}
	comments, err := f.app.ListComments(ctx, doc.ID)
	if err != nil {
		t.Fatalf("list comments: %v", err)
	}
	if len(comments) != 2 || comments[1].Author != "Ani" || comments[1].Body != "bagus sekali" {
		t.Fatalf("unexpected comments %+v", comments)
	}
}

func TestLoginLogoutAuthenticate(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	created, err := f.app.EnsureBootstrapAdmin(ctx, "admin", "s3cret-pass")
	if err != nil || !created {
		t.Fatalf("bootstrap: created=%v err=%v", created, err)
	}

	if _, _, err := f.app.Login(ctx, "admin", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, _, err := f.app.Login(ctx, "nobody", "s3cret-pass"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
	acct, token, err := f.app.Login(ctx, " admin ", "s3cret-pass")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	got, err := f.app.Authenticate(ctx, token)
	if err != nil || got.ID != acct.ID {
		t.Fatalf("authenticate: %+v err=%v", got, err)
	}
	if err := f.app.Logout(ctx, token); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := f.app.Authenticate(ctx, token); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected revoked token to be rejected, got %v", err)
	}
	if _, err := f.app.Authenticate(ctx, ""); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected empty token to be rejected, got %v", err)
	}
}

func TestEnsureBootstrapAdminOnlyOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if _, err := f.app.EnsureBootstrapAdmin(ctx, "admin", ""); !errors.Is(err, ErrBootstrapPassword) {
		t.Fatalf("expected ErrBootstrapPassword, got %v", err)
	}
	if created, err := f.app.EnsureBootstrapAdmin(ctx, "admin", "first"); err != nil || !created {
		t.Fatalf("first bootstrap: created=%v err=%v", created, err)
	}
	if created, err := f.app.EnsureBootstrapAdmin(ctx, "other", "second"); err != nil || created {
		t.Fatalf("second bootstrap should be a no-op: created=%v err=%v", created, err)
	}
	if n, _ := f.store.AccountCount(); n != 1 {
		t.Fatalf("expected exactly one account, got %d", n)
	}
	if _, _, err := f.app.Login(ctx, "admin", "second"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("password must not be replaced on restart")
	}
}

func TestBuildStorageKey(t *testing.T) {
	cases := map[string]string{
		"report.pdf":         "/report.pdf",
		"My Report (1).PDF":  "/My_Report_1.pdf",
		"laporan ÿ.pdf":      "/laporan.pdf",
		"日本語.pdf":            "/document.pdf",
		"../../etc/pass.pdf": "/pass.pdf",
	}
	for in, suffix := range cases {
		key := buildStorageKey(in)
		if !strings.HasSuffix(key, suffix) {
			t.Fatalf("%q: key %q does not end with %q", in, key, suffix)
		}
		if strings.Count(key, "/") != 1 {
			t.Fatalf("%q: key %q should have exactly one segment separator", in, key)
		}
	}
}
