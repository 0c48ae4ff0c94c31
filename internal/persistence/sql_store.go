package persistence

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/charlesng35/collabhub/internal/database"
	"github.com/charlesng35/collabhub/internal/models"
)

// SQLStore keeps the update log in the document_updates table of a gorm database.
type SQLStore struct {
	db   *gorm.DB
	opts Options
}

// NewSQLStore wraps an already migrated database handle.
func NewSQLStore(db *gorm.DB, opts Options) *SQLStore {
	return &SQLStore{db: db, opts: opts.withDefaults()}
}

// DB exposes the handle so other components (chat archive) can share the connection pool.
func (s *SQLStore) DB() *gorm.DB {
	return s.db
}

func (s *SQLStore) GetUpdates(ctx context.Context, docName string) ([][]byte, error) {
	var rows []models.DocumentUpdate
	err := s.db.WithContext(ctx).
		Where("doc_name = ?", docName).
		Order("clock asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load updates for %q: %w", docName, err)
	}

	updates := make([][]byte, 0, len(rows))
	for _, row := range rows {
		expanded, err := expandRow(row.Kind, row.Payload)
		if err != nil {
			return nil, fmt.Errorf("row %d of %q: %w", row.ID, docName, err)
		}
		updates = append(updates, expanded...)
	}
	return updates, nil
}

func (s *SQLStore) StoreUpdate(ctx context.Context, docName string, update []byte) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		clock, found, err := s.lastClock(tx, docName)
		if err != nil {
			return err
		}
		if found {
			clock++
		}

		row := models.DocumentUpdate{
			DocName: docName,
			Clock:   clock,
			Kind:    kindDelta,
			Payload: update,
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("append update for %q: %w", docName, err)
		}

		var count int64
		if err := tx.Model(&models.DocumentUpdate{}).Where("doc_name = ?", docName).Count(&count).Error; err != nil {
			return fmt.Errorf("count updates for %q: %w", docName, err)
		}
		if count < int64(s.opts.FlushSize) {
			return nil
		}
		return s.compact(tx, docName, nil)
	})
}

func (s *SQLStore) Compact(ctx context.Context, docName string, state []byte) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.compact(tx, docName, state)
	})
}

// compact folds every row up to the current clock, plus state, into one snapshot row.
func (s *SQLStore) compact(tx *gorm.DB, docName string, state []byte) error {
	var rows []models.DocumentUpdate
	if err := tx.Where("doc_name = ?", docName).Order("clock asc").Find(&rows).Error; err != nil {
		return fmt.Errorf("load updates for %q: %w", docName, err)
	}

	updates := make([][]byte, 0, len(rows)+1)
	var clock uint64
	for _, row := range rows {
		expanded, err := expandRow(row.Kind, row.Payload)
		if err != nil {
			return fmt.Errorf("row %d of %q: %w", row.ID, docName, err)
		}
		updates = append(updates, expanded...)
		clock = row.Clock
	}
	if state != nil {
		updates = append(updates, state)
	}
	if len(updates) == 0 {
		return nil
	}

	payload, err := buildSnapshot(updates, s.opts.Merge)
	if err != nil {
		return err
	}

	if err := tx.Where("doc_name = ? AND clock <= ?", docName, clock).Delete(&models.DocumentUpdate{}).Error; err != nil {
		return fmt.Errorf("truncate updates for %q: %w", docName, err)
	}
	snapshot := models.DocumentUpdate{
		DocName: docName,
		Clock:   clock,
		Kind:    kindSnapshot,
		Payload: payload,
	}
	if err := tx.Create(&snapshot).Error; err != nil {
		return fmt.Errorf("write snapshot for %q: %w", docName, err)
	}
	return nil
}

func (s *SQLStore) lastClock(tx *gorm.DB, docName string) (uint64, bool, error) {
	var last models.DocumentUpdate
	err := tx.Where("doc_name = ?", docName).Order("clock desc").Limit(1).Take(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read clock for %q: %w", docName, err)
	}
	return last.Clock, true, nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLStore) Close(context.Context) error {
	return database.Close(s.db)
}
