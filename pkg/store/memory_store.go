package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"perpustakaan/pkg/domain"
)

var (
	ErrDuplicate     = errors.New("store: duplicate key")
	ErrMissingParent = errors.New("store: referenced document does not exist")
)

// MemoryStore is an in-process Store for tests and single-node development.
// It enforces the same uniqueness and foreign-key rules as the SQL schema.
type MemoryStore struct {
	mu       sync.RWMutex
	docs     map[int64]domain.Document
	comments map[int64][]domain.Comment
	accounts map[int64]domain.Account
	nextDoc  int64
	nextCmt  int64
	nextAcct int64
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:     make(map[int64]domain.Document),
		comments: make(map[int64][]domain.Comment),
		accounts: make(map[int64]domain.Account),
	}
}

func (s *MemoryStore) CreateDocument(d domain.Document) (domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.docs {
		if existing.Filename == d.Filename {
			return domain.Document{}, ErrDuplicate
		}
	}
	s.nextDoc++
	d.ID = s.nextDoc
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	d.PDFInfo = copyInfo(d.PDFInfo)
	s.docs[d.ID] = d
	return d, nil
}

func (s *MemoryStore) ListDocuments() ([]domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]domain.Document, 0, len(s.docs))
	for _, d := range s.docs {
		d.PDFInfo = copyInfo(d.PDFInfo)
		res = append(res, d)
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.Before(res[j].CreatedAt)
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

func (s *MemoryStore) GetDocument(id int64) (domain.Document, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[id]
	if !ok {
		return domain.Document{}, false, nil
	}
	d.PDFInfo = copyInfo(d.PDFInfo)
	return d, true, nil
}

func (s *MemoryStore) AddComment(c domain.Comment) (domain.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[c.DocumentID]; !ok {
		return domain.Comment{}, ErrMissingParent
	}
	s.nextCmt++
	c.ID = s.nextCmt
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.comments[c.DocumentID] = append(s.comments[c.DocumentID], c)
	return c, nil
}

func (s *MemoryStore) ListComments(documentID int64) ([]domain.Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Comment{}, s.comments[documentID]...), nil
}

func (s *MemoryStore) CreateAccount(a domain.Account) (domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.accounts {
		if existing.Username == a.Username {
			return domain.Account{}, ErrDuplicate
		}
	}
	s.nextAcct++
	a.ID = s.nextAcct
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	s.accounts[a.ID] = a
	return a, nil
}

func (s *MemoryStore) GetAccountByUsername(username string) (domain.Account, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.accounts {
		if a.Username == username {
			return a, true, nil
		}
	}
	return domain.Account{}, false, nil
}

func (s *MemoryStore) GetAccountByID(id int64) (domain.Account, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	return a, ok, nil
}

func (s *MemoryStore) AccountCount() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts), nil
}

func copyInfo(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
