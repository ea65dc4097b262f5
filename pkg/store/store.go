package store

import (
	"perpustakaan/pkg/domain"
)

// Store defines persistence operations for documents, comments, and accounts.
// Lookups report a missing row as (zero, false, nil).
type Store interface {
	// documents
	CreateDocument(domain.Document) (domain.Document, error)
	ListDocuments() ([]domain.Document, error)
	GetDocument(id int64) (domain.Document, bool, error)

	// comments
	AddComment(domain.Comment) (domain.Comment, error)
	ListComments(documentID int64) ([]domain.Comment, error)

	// accounts
	CreateAccount(domain.Account) (domain.Account, error)
	GetAccountByUsername(username string) (domain.Account, bool, error)
	GetAccountByID(id int64) (domain.Account, bool, error)
	AccountCount() (int, error)
}

// SessionStore issues and resolves session tokens.
type SessionStore interface {
	NewSession(accountID int64) (string, error)
	GetAccountIDByToken(token string) (int64, bool, error)
	DeleteSession(token string) error
}
