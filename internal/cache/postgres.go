package cache

import (
	"errors"
	"fmt"

	"github.com/blacktop/symserver/internal/model"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Postgres is a store backed by a Postgres database.
type Postgres struct {
	Host     string
	Port     string
	User     string
	Password string
	Database string

	db *gorm.DB
}

// NewPostgres creates a new Postgres store.
func NewPostgres(host, port, user, password, database string) (Store, error) {
	if host == "" || port == "" || user == "" || database == "" {
		return nil, fmt.Errorf("'host', 'port', 'user' and 'database' are required")
	}
	return &Postgres{
		Host:     host,
		Port:     port,
		User:     user,
		Password: password,
		Database: database,
	}, nil
}

// Connect connects to the database.
func (p *Postgres) Connect() (err error) {
	p.db, err = gorm.Open(postgres.Open(fmt.Sprintf(
		"host=%s port=%s user=%s dbname=%s password=%s sslmode=disable",
		p.Host, p.Port, p.User, p.Database, p.Password,
	)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to connect postgres database: %w", err)
	}
	return p.db.AutoMigrate(&model.CacheRecord{})
}

// Upsert creates or overwrites the record for its key.
func (p *Postgres) Upsert(rec *model.CacheRecord) error {
	return p.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		UpdateAll: true,
	}).Create(rec).Error
}

// Get returns the record for the given key.
// It returns model.ErrNotFound if the key does not exist.
func (p *Postgres) Get(key string) (*model.CacheRecord, error) {
	rec := &model.CacheRecord{}
	if result := p.db.First(rec, "key = ?", key); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, result.Error
	}
	return rec, nil
}

// List returns every record in the store.
func (p *Postgres) List() ([]*model.CacheRecord, error) {
	var recs []*model.CacheRecord
	if result := p.db.Omit("payload").Find(&recs); result.Error != nil {
		return nil, result.Error
	}
	return recs, nil
}

// Delete removes the given key.
func (p *Postgres) Delete(key string) error {
	return p.db.Delete(&model.CacheRecord{}, "key = ?", key).Error
}

// Close closes the database.
func (p *Postgres) Close() error {
	db, err := p.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
