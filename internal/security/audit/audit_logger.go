package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EventType represents the type of audit event
type EventType string

// EventSeverity represents the severity level of an audit event
type EventSeverity string

const (
	// Event types
	EventTypeReconciliation EventType = "reconciliation"
	EventTypeOrder          EventType = "order"
	EventTypePayment        EventType = "payment"

	// Severity levels
	SeverityInfo    EventSeverity = "info"
	SeverityWarning EventSeverity = "warning"
	SeverityError   EventSeverity = "error"
)

// AuditLog represents an audit log entry in the database
type AuditLog struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey"`
	UserID      *uuid.UUID `gorm:"type:uuid;index"`
	Actor       string     `gorm:"type:varchar(255);index"`
	Action      string     `gorm:"type:varchar(100);index"`
	Target      string     `gorm:"type:varchar(100);index"`
	EventType   string     `gorm:"index"`
	Severity    string
	Description string
	IPAddress   string
	UserAgent   string
	Metadata    string // JSON string of additional data
	CreatedAt   time.Time `gorm:"index"`
	Success     bool      `gorm:"index"`
}

// Event describes one admin action worth keeping a trail of
type Event struct {
	Type        EventType
	Severity    EventSeverity
	Action      string
	Target      string
	Description string
	Success     bool
	Metadata    map[string]interface{}
}

// Logger is the audit logger
type Logger struct {
	db *gorm.DB
}

// NewLogger creates a new audit logger
func NewLogger(db *gorm.DB) *Logger {
	return &Logger{
		db: db,
	}
}

// Log records an event. When c is a *gin.Context the caller identity, IP and
// user agent are taken from the request.
func (l *Logger) Log(c context.Context, event Event) error {
	entry := AuditLog{
		ID:          uuid.New(),
		Action:      event.Action,
		Target:      event.Target,
		EventType:   string(event.Type),
		Severity:    string(event.Severity),
		Description: event.Description,
		CreatedAt:   time.Now(),
		Success:     event.Success,
	}
	if entry.Severity == "" {
		entry.Severity = string(SeverityInfo)
	}

	if gc, ok := c.(*gin.Context); ok {
		if id, exists := gc.Get("user_id"); exists {
			if parsedID, ok := id.(uuid.UUID); ok {
				entry.UserID = &parsedID
			}
		}
		entry.Actor = gc.GetString("actor")
		entry.IPAddress = gc.ClientIP()
		entry.UserAgent = gc.GetHeader("User-Agent")
	}

	// Convert metadata to JSON
	if event.Metadata != nil {
		metadataBytes, err := json.Marshal(event.Metadata)
		if err != nil {
			return err
		}
		entry.Metadata = string(metadataBytes)
	}

	return l.db.WithContext(c).Create(&entry).Error
}

// GetTargetLogs returns the trail for one transaction or order
func (l *Logger) GetTargetLogs(ctx context.Context, target string, limit int) ([]AuditLog, error) {
	var logs []AuditLog
	err := l.db.WithContext(ctx).Where("target = ?", target).
		Order("created_at DESC").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}
