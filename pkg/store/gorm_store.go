package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"perpustakaan/pkg/domain"
)

const migrateLockID int64 = 51190713

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&DocumentModel{}, &CommentModel{}, &AccountModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'comment_models'
					AND constraint_name = 'comment_models_document_id_fkey'
				) THEN
					DELETE FROM comment_models c
					WHERE NOT EXISTS (SELECT 1 FROM document_models d WHERE d.id = c.document_id);
					ALTER TABLE comment_models
					ADD CONSTRAINT comment_models_document_id_fkey
					FOREIGN KEY (document_id) REFERENCES document_models(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure comment foreign key: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Ping checks database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateDocument inserts a document and returns it with its assigned ID.
func (s *GormStore) CreateDocument(d domain.Document) (domain.Document, error) {
	model, err := documentToModel(d)
	if err != nil {
		return domain.Document{}, err
	}
	model.ID = 0
	if err := s.db.Create(&model).Error; err != nil {
		return domain.Document{}, err
	}
	return documentFromModel(model), nil
}

// ListDocuments returns all documents ordered by creation.
func (s *GormStore) ListDocuments() ([]domain.Document, error) {
	var models []DocumentModel
	if err := s.db.Order("created_at ASC").Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Document, 0, len(models))
	for _, m := range models {
		res = append(res, documentFromModel(m))
	}
	return res, nil
}

// GetDocument retrieves a document.
func (s *GormStore) GetDocument(id int64) (domain.Document, bool, error) {
	var model DocumentModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Document{}, false, nil
		}
		return domain.Document{}, false, err
	}
	return documentFromModel(model), true, nil
}

// AddComment records a comment.
func (s *GormStore) AddComment(c domain.Comment) (domain.Comment, error) {
	model := commentToModel(c)
	model.ID = 0
	if err := s.db.Create(&model).Error; err != nil {
		return domain.Comment{}, err
	}
	return commentFromModel(model), nil
}

// ListComments returns comments of a document, oldest first.
func (s *GormStore) ListComments(documentID int64) ([]domain.Comment, error) {
	var models []CommentModel
	if err := s.db.Where("document_id = ?", documentID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Comment, 0, len(models))
	for _, m := range models {
		res = append(res, commentFromModel(m))
	}
	return res, nil
}

// CreateAccount inserts an account.
func (s *GormStore) CreateAccount(a domain.Account) (domain.Account, error) {
	model := accountToModel(a)
	model.ID = 0
	if err := s.db.Create(&model).Error; err != nil {
		return domain.Account{}, err
	}
	return accountFromModel(model), nil
}

// GetAccountByUsername looks up an account by username.
func (s *GormStore) GetAccountByUsername(username string) (domain.Account, bool, error) {
	var model AccountModel
	if err := s.db.Where("username = ?", username).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Account{}, false, nil
		}
		return domain.Account{}, false, err
	}
	return accountFromModel(model), true, nil
}

// GetAccountByID returns an account by ID.
func (s *GormStore) GetAccountByID(id int64) (domain.Account, bool, error) {
	var model AccountModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Account{}, false, nil
		}
		return domain.Account{}, false, err
	}
	return accountFromModel(model), true, nil
}

// AccountCount returns number of accounts.
func (s *GormStore) AccountCount() (int, error) {
	var count int64
	if err := s.db.Model(&AccountModel{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

func documentToModel(d domain.Document) (DocumentModel, error) {
	var info datatypes.JSON
	if len(d.PDFInfo) > 0 {
		raw, err := json.Marshal(d.PDFInfo)
		if err != nil {
			return DocumentModel{}, fmt.Errorf("encode pdf info: %w", err)
		}
		info = datatypes.JSON(raw)
	}
	return DocumentModel{
		ID:               d.ID,
		Title:            d.Title,
		Author:           d.Author,
		Description:      d.Description,
		Filename:         d.Filename,
		OriginalFilename: d.OriginalFilename,
		SizeBytes:        d.SizeBytes,
		PageCount:        d.PageCount,
		PDFInfo:          info,
		CreatedAt:        d.CreatedAt,
	}, nil
}

func documentFromModel(m DocumentModel) domain.Document {
	var info map[string]string
	if len(m.PDFInfo) > 0 {
		_ = json.Unmarshal(m.PDFInfo, &info)
	}
	return domain.Document{
		ID:               m.ID,
		Title:            m.Title,
		Author:           m.Author,
		Description:      m.Description,
		Filename:         m.Filename,
		OriginalFilename: m.OriginalFilename,
		SizeBytes:        m.SizeBytes,
		PageCount:        m.PageCount,
		PDFInfo:          info,
		CreatedAt:        m.CreatedAt,
	}
}

func commentToModel(c domain.Comment) CommentModel {
	return CommentModel{
		ID:         c.ID,
		DocumentID: c.DocumentID,
		Author:     c.Author,
		Body:       c.Body,
		CreatedAt:  c.CreatedAt,
	}
}

func commentFromModel(m CommentModel) domain.Comment {
	return domain.Comment{
		ID:         m.ID,
		DocumentID: m.DocumentID,
		Author:     m.Author,
		Body:       m.Body,
		CreatedAt:  m.CreatedAt,
	}
}

func accountToModel(a domain.Account) AccountModel {
	return AccountModel{
		ID:           a.ID,
		Username:     a.Username,
		PasswordHash: a.PasswordHash,
		CreatedAt:    a.CreatedAt,
	}
}

func accountFromModel(m AccountModel) domain.Account {
	return domain.Account{
		ID:           m.ID,
		Username:     m.Username,
		PasswordHash: m.PasswordHash,
		CreatedAt:    m.CreatedAt,
	}
}
