package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DefaultSenderImage is used when a chat sender has no avatar.
const DefaultSenderImage = "./public/default-pic.png"

// ChatMessage is the archived form of a chat message sent to a collaboration room.
type ChatMessage struct {
	BaseModel

	CollabID    string         `gorm:"size:255;not null;index" json:"collabId"`
	SenderName  string         `gorm:"size:255;not null" json:"-"`
	SenderEmail string         `gorm:"size:255;not null;index" json:"-"`
	SenderImage string         `gorm:"size:512" json:"-"`
	Content     string         `gorm:"type:text;not null" json:"content"`
	Timestamp   time.Time      `gorm:"not null;index" json:"timestamp"`
	Reactions   datatypes.JSON `gorm:"type:json" json:"reactions,omitempty"`
	Mentions    datatypes.JSON `gorm:"type:json" json:"mentions,omitempty"`
}

// BeforeSave fills in the defaults a message carries when the client omits them.
func (m *ChatMessage) BeforeSave(tx *gorm.DB) error {
	if m.SenderImage == "" {
		m.SenderImage = DefaultSenderImage
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	return nil
}
