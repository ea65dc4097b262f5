package store

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"perpustakaan/pkg/domain"
)

func TestMemoryStoreDocumentsOrderedByCreation(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	second, err := s.CreateDocument(domain.Document{Title: "B", Filename: "b.pdf", CreatedAt: base.Add(time.Hour)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	first, err := s.CreateDocument(domain.Document{Title: "A", Filename: "a.pdf", CreatedAt: base, PDFInfo: map[string]string{"Title": "A"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.ID == second.ID || first.ID == 0 {
		t.Fatalf("expected distinct assigned ids, got %d and %d", first.ID, second.ID)
	}

	docs, err := s.ListDocuments()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var titles []string
	for _, d := range docs {
		titles = append(titles, d.Title)
	}
	if diff := cmp.Diff([]string{"A", "B"}, titles); diff != "" {
		t.Fatalf("order (-want +got):\n%s", diff)
	}

	got, ok, err := s.GetDocument(first.ID)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	got.PDFInfo["Title"] = "mutated"
	again, _, _ := s.GetDocument(first.ID)
	if again.PDFInfo["Title"] != "A" {
		t.Fatalf("stored info was mutated through a returned copy")
	}

	if _, ok, err := s.GetDocument(999); err != nil || ok {
		t.Fatalf("expected missing document, ok=%v err=%v", ok, err)
	}
	if _, err := s.CreateDocument(domain.Document{Title: "dup", Filename: "a.pdf"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate filename error, got %v", err)
	}
}

func TestMemoryStoreComments(t *testing.T) {
	s := NewMemoryStore()
	doc, err := s.CreateDocument(domain.Document{Title: "A", Filename: "a.pdf"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, body := range []string{"first", "second"} {
		if _, err := s.AddComment(domain.Comment{DocumentID: doc.ID, Author: "ann", Body: body}); err != nil {
			t.Fatalf("add comment: %v", err)
		}
	}
	comments, err := s.ListComments(doc.ID)
	if err != nil {
		t.Fatalf("list comments: %v", err)
	}
	if len(comments) != 2 || comments[0].Body != "first" || comments[1].Body != "second" {
		t.Fatalf("unexpected comments: %+v", comments)
	}
	if _, err := s.AddComment(domain.Comment{DocumentID: 42, Author: "x", Body: "y"}); !errors.Is(err, ErrMissingParent) {
		t.Fatalf("expected missing parent, got %v", err)
	}
}

func TestMemoryStoreAccounts(t *testing.T) {
	s := NewMemoryStore()
	if n, _ := s.AccountCount(); n != 0 {
		t.Fatalf("expected no accounts, got %d", n)
	}
	acct, err := s.CreateAccount(domain.Account{Username: "admin", PasswordHash: "h"})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	byName, ok, err := s.GetAccountByUsername("admin")
	if err != nil || !ok || byName.ID != acct.ID {
		t.Fatalf("lookup by username: %+v ok=%v err=%v", byName, ok, err)
	}
	byID, ok, err := s.GetAccountByID(acct.ID)
	if err != nil || !ok || byID.Username != "admin" {
		t.Fatalf("lookup by id: %+v ok=%v err=%v", byID, ok, err)
	}
	if _, err := s.CreateAccount(domain.Account{Username: "admin"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate username, got %v", err)
	}
	if n, _ := s.AccountCount(); n != 1 {
		t.Fatalf("expected 1 account, got %d", n)
	}
}
