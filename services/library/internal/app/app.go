package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"perpustakaan/internal/util"
	"perpustakaan/pkg/auth"
	"perpustakaan/pkg/domain"
	"perpustakaan/pkg/pageset"
	"perpustakaan/pkg/pdfinfo"
	"perpustakaan/pkg/queue"
	"perpustakaan/pkg/storage"
	"perpustakaan/pkg/store"
)

// PageCache renders and serves page sets.
type PageCache interface {
	Pages(ctx context.Context, documentID int64, sourcePath string) ([]string, error)
	PagePath(documentID int64, name string) (string, error)
	Format() pageset.Format
}

// RenderQueue schedules background page renders.
type RenderQueue interface {
	Enqueue(ctx context.Context, documentID int64) (queue.Job, error)
}

// Config holds runtime dependencies for the core application.
type Config struct {
	Store             store.Store
	Sessions          store.SessionStore
	Objects           storage.ObjectStore
	Pages             PageCache
	Queue             RenderQueue
	AllowedExtensions []string
	// Inspect reads page count and metadata from a stored PDF. Defaults to pdfinfo.Inspect.
	Inspect           func(path string) (pdfinfo.Info, error)
	Logger            *slog.Logger
}

// App is the core application service wiring together storage and domain logic.
type App struct {
	store    store.Store
	sessions store.SessionStore
	objects  storage.ObjectStore
	pages    PageCache
	queue    RenderQueue
	exts     map[string]struct{}
	inspect  func(string) (pdfinfo.Info, error)
	logger   *slog.Logger
}

// New validates cfg and constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session store required")
	}
	if cfg.Objects == nil {
		return nil, errors.New("object store required")
	}
	if cfg.Pages == nil {
		return nil, errors.New("page cache required")
	}
	exts := NormalizeExtensions(cfg.AllowedExtensions)
	if len(exts) == 0 {
		exts = map[string]struct{}{".pdf": {}}
	}
	inspect := cfg.Inspect
	if inspect == nil {
		inspect = pdfinfo.Inspect
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		store:    cfg.Store,
		sessions: cfg.Sessions,
		objects:  cfg.Objects,
		pages:    cfg.Pages,
		queue:    cfg.Queue,
		exts:     exts,
		inspect:  inspect,
		logger:   logger,
	}, nil
}

// ListDocuments returns the catalog, oldest first.
func (a *App) ListDocuments(_ context.Context) ([]domain.Document, error) {
	return a.store.ListDocuments()
}

// GetDocument returns one document or ErrDocumentNotFound.
func (a *App) GetDocument(_ context.Context, id int64) (domain.Document, error) {
	doc, ok, err := a.store.GetDocument(id)
	if err != nil {
		return domain.Document{}, fmt.Errorf("load document %d: %w", id, err)
	}
	if !ok {
		return domain.Document{}, ErrDocumentNotFound
	}
	return doc, nil
}

// ListComments returns the comment thread of a document, oldest first.
func (a *App) ListComments(_ context.Context, documentID int64) ([]domain.Comment, error) {
	return a.store.ListComments(documentID)
}

const (
	maxCommentAuthor = 100
	maxCommentBody   = 5000
)

// CommentInput is a visitor comment as submitted.
type CommentInput struct {
	Author string
	Body   string
}

// Validate requires both fields and bounds their length.
func (in *CommentInput) Validate() error {
	return validation.ValidateStruct(in,
		validation.Field(&in.Author, validation.Required, validation.RuneLength(1, maxCommentAuthor)),
		validation.Field(&in.Body, validation.Required, validation.RuneLength(1, maxCommentBody)),
	)
}

// AddComment appends a comment to a document's thread. A missing author or
// body yields ErrCommentIncomplete, an overlong one ErrCommentTooLong.
func (a *App) AddComment(ctx context.Context, documentID int64, author, body string) (domain.Comment, error) {
	in := CommentInput{Author: strings.TrimSpace(author), Body: strings.TrimSpace(body)}
	if in.Author == "" || in.Body == "" {
		return domain.Comment{}, ErrCommentIncomplete
	}
	if err := in.Validate(); err != nil {
		return domain.Comment{}, fmt.Errorf("%w: %v", ErrCommentTooLong, err)
	}
	if _, err := a.GetDocument(ctx, documentID); err != nil {
		return domain.Comment{}, err
	}
	c, err := a.store.AddComment(domain.Comment{
		DocumentID: documentID,
		Author:     in.Author,
		Body:       in.Body,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return domain.Comment{}, fmt.Errorf("save comment: %w", err)
	}
	return c, nil
}

// UploadInput is an admin document upload.
type UploadInput struct {
	Title       string
	Author      string
	Description string
	Filename    string
	File        io.Reader
	Size        int64
}

// Validate checks the catalog fields of an upload.
func (in *UploadInput) Validate() error {
	return validation.ValidateStruct(in,
		validation.Field(&in.Title, validation.Required, validation.Length(1, 300)),
		validation.Field(&in.Author, validation.Required, validation.Length(1, 200)),
		validation.Field(&in.Description, validation.Length(0, 5000)),
		validation.Field(&in.Filename, validation.Required),
	)
}

// UploadDocument stores a new document and schedules its page render.
// Files with a disallowed extension are rejected before anything is written.
// An empty Title is taken from the PDF Info dictionary when it has one.
func (a *App) UploadDocument(ctx context.Context, in UploadInput) (domain.Document, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.Author = strings.TrimSpace(in.Author)
	in.Description = strings.TrimSpace(in.Description)
	in.Filename = filepath.Base(strings.TrimSpace(in.Filename))
	if !a.IsExtensionAllowed(in.Filename) {
		return domain.Document{}, ErrUnsupportedFileType
	}
	if in.File == nil {
		return domain.Document{}, fmt.Errorf("%w: file required", ErrInvalidUpload)
	}

	spool, size, err := spoolUpload(in.File)
	if err != nil {
		return domain.Document{}, err
	}
	defer os.Remove(spool.Name())
	defer spool.Close()

	info, err := a.inspect(spool.Name())
	if err != nil {
		a.logger.Warn("pdf inspection failed", "filename", in.Filename, "err", err)
		info = pdfinfo.Info{}
	}
	// A blank title falls back to the one embedded in the PDF.
	if in.Title == "" {
		in.Title = info.Title()
	}
	if err := in.Validate(); err != nil {
		return domain.Document{}, fmt.Errorf("%w: %v", ErrInvalidUpload, err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return domain.Document{}, fmt.Errorf("rewind upload: %w", err)
	}

	key := buildStorageKey(in.Filename)
	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(in.Filename)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := a.objects.Put(ctx, key, spool, size, contentType); err != nil {
		return domain.Document{}, fmt.Errorf("save file: %w", err)
	}
	doc, err := a.store.CreateDocument(domain.Document{
		Title:            in.Title,
		Author:           in.Author,
		Description:      in.Description,
		Filename:         key,
		OriginalFilename: in.Filename,
		SizeBytes:        size,
		PageCount:        info.Pages,
		PDFInfo:          info.Metadata,
		CreatedAt:        time.Now().UTC(),
	})
	if err != nil {
		_ = a.objects.Delete(context.WithoutCancel(ctx), key)
		return domain.Document{}, fmt.Errorf("save document: %w", err)
	}
	if a.queue != nil {
		if job, err := a.queue.Enqueue(ctx, doc.ID); err != nil {
			a.logger.Warn("enqueue render failed", "document_id", doc.ID, "err", err)
		} else {
			a.logger.Info("render queued", "document_id", doc.ID, "job_id", job.ID)
		}
	}
	return doc, nil
}

// OpenDocumentFile opens the original upload for streaming.
func (a *App) OpenDocumentFile(ctx context.Context, id int64) (domain.Document, io.ReadSeekCloser, storage.ObjectInfo, error) {
	doc, err := a.GetDocument(ctx, id)
	if err != nil {
		return domain.Document{}, nil, storage.ObjectInfo{}, err
	}
	rc, info, err := a.objects.Open(ctx, doc.Filename)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Document{}, nil, storage.ObjectInfo{}, fmt.Errorf("%w: file for document %d missing", ErrDocumentNotFound, id)
		}
		return domain.Document{}, nil, storage.ObjectInfo{}, fmt.Errorf("open file: %w", err)
	}
	return doc, rc, info, nil
}

// DocumentPages returns the rendered page names of a document, rendering on
// first access.
func (a *App) DocumentPages(ctx context.Context, id int64) (domain.PageSet, error) {
	doc, err := a.GetDocument(ctx, id)
	if err != nil {
		return domain.PageSet{}, err
	}
	source, err := a.objects.LocalPath(ctx, doc.Filename)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.PageSet{}, fmt.Errorf("%w: file for document %d missing", ErrDocumentNotFound, id)
		}
		return domain.PageSet{}, fmt.Errorf("resolve source: %w", err)
	}
	pages, err := a.pages.Pages(ctx, doc.ID, source)
	if err != nil {
		return domain.PageSet{}, err
	}
	return domain.PageSet{DocumentID: doc.ID, Pages: pages}, nil
}

// PageFile resolves a rendered page on disk. Only names belonging to the
// complete page set resolve.
func (a *App) PageFile(ctx context.Context, id int64, name string) (string, error) {
	if _, err := a.GetDocument(ctx, id); err != nil {
		return "", err
	}
	p, err := a.pages.PagePath(id, name)
	if err != nil {
		if errors.Is(err, pageset.ErrPageNotFound) {
			return "", ErrPageNotFound
		}
		return "", err
	}
	return p, nil
}

// PageContentType is the MIME type of rendered pages.
func (a *App) PageContentType() string {
	return a.pages.Format().ContentType()
}

// Login validates credentials and issues a session token.
func (a *App) Login(_ context.Context, username, password string) (domain.Account, string, error) {
	username = strings.TrimSpace(username)
	acct, ok, err := a.store.GetAccountByUsername(username)
	if err != nil {
		return domain.Account{}, "", fmt.Errorf("load account: %w", err)
	}
	if !ok {
		auth.BurnCompare(password)
		return domain.Account{}, "", ErrInvalidCredentials
	}
	if !auth.CheckPassword(password, acct.PasswordHash) {
		return domain.Account{}, "", ErrInvalidCredentials
	}
	token, err := a.sessions.NewSession(acct.ID)
	if err != nil {
		return domain.Account{}, "", fmt.Errorf("issue session: %w", err)
	}
	return acct, token, nil
}

// Logout revokes a session token.
func (a *App) Logout(_ context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return nil
	}
	return a.sessions.DeleteSession(token)
}

// Authenticate resolves a session token to its account.
func (a *App) Authenticate(_ context.Context, token string) (domain.Account, error) {
	if strings.TrimSpace(token) == "" {
		return domain.Account{}, ErrUnauthenticated
	}
	id, ok, err := a.sessions.GetAccountIDByToken(token)
	if err != nil || !ok {
		return domain.Account{}, ErrUnauthenticated
	}
	acct, ok, err := a.store.GetAccountByID(id)
	if err != nil {
		return domain.Account{}, fmt.Errorf("load account: %w", err)
	}
	if !ok {
		return domain.Account{}, ErrUnauthenticated
	}
	return acct, nil
}

// EnsureBootstrapAdmin creates the first account when none exists. It is a
// no-op once any account is present.
func (a *App) EnsureBootstrapAdmin(_ context.Context, username, password string) (bool, error) {
	count, err := a.store.AccountCount()
	if err != nil {
		return false, fmt.Errorf("count accounts: %w", err)
	}
	if count > 0 {
		return false, nil
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return false, errors.New("admin username required")
	}
	if password == "" {
		return false, ErrBootstrapPassword
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return false, err
	}
	if _, err := a.store.CreateAccount(domain.Account{
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return false, nil
		}
		return false, fmt.Errorf("create admin: %w", err)
	}
	a.logger.Info("bootstrap admin created", "username", username)
	return true, nil
}

// IsExtensionAllowed reports whether filename has an allowed extension.
func (a *App) IsExtensionAllowed(filename string) bool {
	ext := strings.ToLower(filepath.Ext(strings.TrimSpace(filename)))
	if ext == "" {
		return false
	}
	_, ok := a.exts[ext]
	return ok
}

// AllowedExtensions lists allowed extensions for form hints.
func (a *App) AllowedExtensions() []string {
	out := make([]string, 0, len(a.exts))
	for ext := range a.exts {
		out = append(out, ext)
	}
	return out
}

// NormalizeExtensions lowercases extensions and ensures a leading dot.
func NormalizeExtensions(exts []string) map[string]struct{} {
	out := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out[ext] = struct{}{}
	}
	return out
}

func spoolUpload(r io.Reader) (*os.File, int64, error) {
	f, err := os.CreateTemp("", "upload-*.pdf")
	if err != nil {
		return nil, 0, fmt.Errorf("spool upload: %w", err)
	}
	n, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, 0, fmt.Errorf("spool upload: %w", err)
	}
	return f, n, nil
}

func buildStorageKey(filename string) string {
	base := filepath.Base(filename)
	ext := strings.ToLower(filepath.Ext(base))
	stem := sanitizeFilename(strings.TrimSuffix(base, filepath.Ext(base)))
	if stem == "" {
		stem = "document"
	}
	return path.Join(util.NewID()[:12], stem+sanitizeFilename(ext))
}

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(name))
	lastUnderscore := false
	for _, r := range name {
		if r <= 0x7f {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '-' || r == '_' {
				b.WriteRune(r)
				lastUnderscore = false
				continue
			}
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}
