// Package librarydb indexes the labeled image sets that have been saved to blob storage
package librarydb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("Training set not found")

type LibraryDB struct {
	Log logs.Log
	DB  *gorm.DB
}

// BaseModel is our base class for a GORM model.
// The default GORM Model uses int, but we prefer int64
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

// TrainingSet is one saved labeled image set
type TrainingSet struct {
	BaseModel
	Name      string                   `json:"name"`
	BlobName  string                   `json:"blobName"`  // Name of the labeledImages.json blob
	CreatedAt dbh.IntTime              `json:"createdAt"` // Time of save
	NumGroups int                      `json:"numGroups"`
	NumImages int                      `json:"numImages"`
	NumBytes  int64                    `json:"numBytes"` // Size of the blob
	Labels    *dbh.JSONField[[]string] `json:"labels"`   // Group labels, in order
}

func NewTrainingSet(name string, labels []string, numImages int, numBytes int64) *TrainingSet {
	return &TrainingSet{
		Name:      name,
		CreatedAt: dbh.MakeIntTime(time.Now()),
		NumGroups: len(labels),
		NumImages: numImages,
		NumBytes:  numBytes,
		Labels:    &dbh.JSONField[[]string]{Data: labels},
	}
}

// Open or create the library DB
func NewLibraryDB(logger logs.Log, dbFilename string) (*LibraryDB, error) {
	os.MkdirAll(filepath.Dir(dbFilename), 0770)
	logger.Infof("Opening library DB at '%v'", dbFilename)
	db, err := dbh.OpenDB(logger, dbh.MakeSqliteConfig(dbFilename), Migrations(logger), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open library database %v: %w", dbFilename, err)
	}
	return &LibraryDB{
		Log: logger,
		DB:  db,
	}, nil
}

// Add inserts a new record, and assigns it a blob name derived from its ID
func (l *LibraryDB) Add(ts *TrainingSet) error {
	return l.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(ts).Error; err != nil {
			return err
		}
		ts.BlobName = BlobName(ts.ID)
		return tx.Model(ts).Update("blob_name", ts.BlobName).Error
	})
}

// BlobName is the storage name of the saved set with the given ID
func BlobName(id int64) string {
	return fmt.Sprintf("sets/%v/labeledImages.json", id)
}

// List returns all saved sets, newest first
func (l *LibraryDB) List() ([]TrainingSet, error) {
	sets := []TrainingSet{}
	if err := l.DB.Order("id DESC").Find(&sets).Error; err != nil {
		return nil, err
	}
	return sets, nil
}

func (l *LibraryDB) Get(id int64) (*TrainingSet, error) {
	ts := TrainingSet{}
	if err := l.DB.First(&ts, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &ts, nil
}

func (l *LibraryDB) Delete(id int64) error {
	res := l.DB.Delete(&TrainingSet{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (l *LibraryDB) Close() {
	if sqlDB, err := l.DB.DB(); err == nil {
		sqlDB.Close()
	}
}
