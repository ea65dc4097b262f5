package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type DocumentModel struct {
	ID               int64          `gorm:"primaryKey;autoIncrement"`
	Title            string         `gorm:"not null"`
	Author           string         `gorm:"not null"`
	Description      string         `gorm:"type:text"`
	Filename         string         `gorm:"uniqueIndex;not null"`
	OriginalFilename string         `gorm:"not null"`
	SizeBytes        int64          `gorm:"not null"`
	PageCount        int            `gorm:"not null;default:0"`
	PDFInfo          datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt        time.Time      `gorm:"not null;index"`
}

type CommentModel struct {
	ID         int64     `gorm:"primaryKey;autoIncrement"`
	DocumentID int64     `gorm:"not null;index"`
	Author     string    `gorm:"not null"`
	Body       string    `gorm:"type:text;not null"`
	CreatedAt  time.Time `gorm:"not null;index"`
}

type AccountModel struct {
	ID           int64     `gorm:"primaryKey;autoIncrement"`
	Username     string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
}
