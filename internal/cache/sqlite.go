package cache

import (
	"errors"
	"fmt"

	"github.com/blacktop/symserver/internal/model"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Sqlite is a store backed by a sqlite database.
type Sqlite struct {
	URL string

	db *gorm.DB
}

// NewSqlite creates a new Sqlite store.
func NewSqlite(path string) (Store, error) {
	if path == "" {
		return nil, fmt.Errorf("'path' is required")
	}
	return &Sqlite{URL: path}, nil
}

// Connect connects to the database.
func (s *Sqlite) Connect() (err error) {
	s.db, err = gorm.Open(sqlite.Open(s.URL), &gorm.Config{
		SkipDefaultTransaction: true,
		TranslateError:         true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to connect sqlite database: %w", err)
	}
	return s.db.AutoMigrate(&model.CacheRecord{})
}

// Upsert creates or overwrites the record for its key.
func (s *Sqlite) Upsert(rec *model.CacheRecord) error {
	if result := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		UpdateAll: true,
	}).Create(rec); result.Error != nil {
		return result.Error
	}
	return nil
}

// Get returns the record for the given key.
// It returns model.ErrNotFound if the key does not exist.
func (s *Sqlite) Get(key string) (*model.CacheRecord, error) {
	rec := &model.CacheRecord{}
	if result := s.db.First(rec, "key = ?", key); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, result.Error
	}
	return rec, nil
}

// List returns every record in the store.
func (s *Sqlite) List() ([]*model.CacheRecord, error) {
	var recs []*model.CacheRecord
	if result := s.db.Omit("payload").Find(&recs); result.Error != nil {
		return nil, result.Error
	}
	return recs, nil
}

// Delete removes the given key.
func (s *Sqlite) Delete(key string) error {
	return s.db.Delete(&model.CacheRecord{}, "key = ?", key).Error
}

// Close closes the database.
func (s *Sqlite) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
