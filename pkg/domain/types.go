package domain

import "time"

type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobDone       JobStatus = "done"
	JobFailed     JobStatus = "failed"
)

// Document is an uploaded PDF with its catalog metadata.
type Document struct {
	ID               int64             `json:"id"`
	Title            string            `json:"title"`
	Author           string            `json:"author"`
	Description      string            `json:"description"`
	Filename         string            `json:"filename"`
	OriginalFilename string            `json:"originalFilename"`
	SizeBytes        int64             `json:"sizeBytes"`
	PageCount        int               `json:"pageCount"`
	PDFInfo          map[string]string `json:"pdfInfo,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
}

type Comment struct {
	ID         int64     `json:"id"`
	DocumentID int64     `json:"documentId"`
	Author     string    `json:"author"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Account is the administrator identity. Only one is ever bootstrapped.
type Account struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// PageSet is the complete ordered list of rendered page files for a document.
type PageSet struct {
	DocumentID int64    `json:"documentId"`
	Pages      []string `json:"pages"`
}
