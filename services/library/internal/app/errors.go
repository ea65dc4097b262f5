package app

import "errors"

// ErrCommentIncomplete is returned for comments missing an author or body;
// the web layer drops those silently.
var (
	ErrDocumentNotFound    = errors.New("document not found")
	ErrPageNotFound        = errors.New("page not found")
	ErrUnsupportedFileType = errors.New("unsupported file type")
	ErrInvalidUpload       = errors.New("invalid upload")
	ErrCommentIncomplete   = errors.New("comment author and body required")
	ErrCommentTooLong      = errors.New("comment too long")
	ErrInvalidCredentials  = errors.New("invalid username or password")
	ErrUnauthenticated     = errors.New("not signed in")
	ErrBootstrapPassword   = errors.New("admin password required to bootstrap the first account")
)
