package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/charlesng35/collabhub/internal/models"
	"github.com/charlesng35/collabhub/internal/monitoring"
	"github.com/charlesng35/collabhub/pkg/logger"
)

const defaultArchiveQueue = 256

// Archive writes chat messages to the database on a background worker.
type Archive struct {
	db  *gorm.DB
	log *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan models.ChatMessage
	done   chan struct{}
}

// NewArchive starts the archive worker. queueSize <= 0 uses 256.
func NewArchive(db *gorm.DB, queueSize int) (*Archive, error) {
	if db == nil {
		return nil, errors.New("chat archive: db is required")
	}
	if queueSize <= 0 {
		queueSize = defaultArchiveQueue
	}
	a := &Archive{
		db:    db,
		log:   logger.WithModule("chat.archive"),
		queue: make(chan models.ChatMessage, queueSize),
		done:  make(chan struct{}),
	}
	go a.run()
	return a, nil
}

// Save queues msg without blocking. It reports false when the message was dropped.
func (a *Archive) Save(msg MessagePayload) bool {
	record, err := toRecord(msg)
	if err != nil {
		a.log.Warn("chat message not archivable", zap.String("collab_id", msg.CollabID), zap.Error(err))
		return false
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return false
	}
	select {
	case a.queue <- record:
		return true
	default:
		monitoring.RecordPersistenceOp("chat_archive", "dropped", "queue full", 0)
		a.log.Warn("chat archive queue full, dropping message", zap.String("collab_id", msg.CollabID))
		return false
	}
}

// Close stops accepting messages and waits for queued ones to be written, bounded by ctx.
func (a *Archive) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Archive) run() {
	defer close(a.done)
	for record := range a.queue {
		start := time.Now()
		err := a.db.Create(&record).Error
		monitoring.RecordPersistenceOp("chat_archive", resultOf(err), errMessage(err), time.Since(start))
		if err != nil {
			a.log.Warn("archive chat message failed", zap.String("collab_id", record.CollabID), zap.Error(err))
		}
	}
}

func toRecord(msg MessagePayload) (models.ChatMessage, error) {
	record := models.ChatMessage{
		CollabID:    msg.CollabID,
		SenderName:  msg.Sender.Name,
		SenderEmail: msg.Sender.Email,
		SenderImage: msg.Sender.Image,
		Content:     msg.Content,
	}
	if msg.Timestamp != nil {
		record.Timestamp = msg.Timestamp.UTC()
	}

	reactions := msg.Reactions
	if reactions == nil {
		reactions = []Reaction{}
	}
	raw, err := json.Marshal(reactions)
	if err != nil {
		return record, err
	}
	record.Reactions = datatypes.JSON(raw)

	mentions := msg.Mentions
	if mentions == nil {
		mentions = []string{}
	}
	if raw, err = json.Marshal(mentions); err != nil {
		return record, err
	}
	record.Mentions = datatypes.JSON(raw)
	return record, nil
}

func resultOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func errMessage(err error) string {
	if err != nil {
		return err.Error()
	}
	return ""
}
