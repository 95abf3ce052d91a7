package gormstore

import (
	"time"

	"github.com/bjaus/mediator/inbox"
	"github.com/bjaus/mediator/outbox"
	"github.com/bjaus/mediator/saga"
	"github.com/bjaus/mediator/scheduler"
)

type outboxRow struct {
	ID          string     `gorm:"primaryKey;type:varchar(64)"`
	Type        string     `gorm:"not null;type:varchar(255)"`
	Payload     []byte     `gorm:"not null"`
	CreatedAt   time.Time  `gorm:"not null;index:idx_outbox_pending,priority:2"`
	ProcessedAt *time.Time `gorm:"index:idx_outbox_pending,priority:1"`
	Error       *string
	RetryCount  int `gorm:"not null"`
	NextRetryAt *time.Time
}

func (outboxRow) TableName() string { return "outbox_messages" }

func outboxFromMessage(m *outbox.Message) outboxRow {
	return outboxRow{
		ID:          m.ID,
		Type:        m.Type,
		Payload:     m.Payload,
		CreatedAt:   utc(m.CreatedAt),
		ProcessedAt: utcPtr(m.ProcessedAt),
		Error:       m.Error,
		RetryCount:  m.RetryCount,
		NextRetryAt: utcPtr(m.NextRetryAt),
	}
}

func (r outboxRow) message() outbox.Message {
	return outbox.Message{
		ID:          r.ID,
		Type:        r.Type,
		Payload:     r.Payload,
		CreatedAt:   r.CreatedAt,
		ProcessedAt: r.ProcessedAt,
		Error:       r.Error,
		RetryCount:  r.RetryCount,
		NextRetryAt: r.NextRetryAt,
	}
}

type inboxRow struct {
	MessageID   string    `gorm:"primaryKey;type:varchar(255)"`
	Type        string    `gorm:"not null;type:varchar(255)"`
	ReceivedAt  time.Time `gorm:"not null"`
	ProcessedAt *time.Time
	Response    []byte
	Error       *string
	RetryCount  int `gorm:"not null"`
	NextRetryAt *time.Time
	ExpiresAt   time.Time `gorm:"not null;index"`
}

func (inboxRow) TableName() string { return "inbox_messages" }

func inboxFromMessage(m *inbox.Message) inboxRow {
	return inboxRow{
		MessageID:   m.MessageID,
		Type:        m.Type,
		ReceivedAt:  utc(m.ReceivedAt),
		ProcessedAt: utcPtr(m.ProcessedAt),
		Response:    m.Response,
		Error:       m.Error,
		RetryCount:  m.RetryCount,
		NextRetryAt: utcPtr(m.NextRetryAt),
		ExpiresAt:   utc(m.ExpiresAt),
	}
}

func (r inboxRow) message() inbox.Message {
	return inbox.Message{
		MessageID:   r.MessageID,
		Type:        r.Type,
		ReceivedAt:  r.ReceivedAt,
		ProcessedAt: r.ProcessedAt,
		Response:    r.Response,
		Error:       r.Error,
		RetryCount:  r.RetryCount,
		NextRetryAt: r.NextRetryAt,
		ExpiresAt:   r.ExpiresAt,
	}
}

type sagaRow struct {
	ID            string `gorm:"primaryKey;type:varchar(64)"`
	Type          string `gorm:"not null;type:varchar(255)"`
	Data          []byte
	Status        string    `gorm:"not null;type:varchar(32);index:idx_saga_stalled,priority:1"`
	StartedAt     time.Time `gorm:"not null"`
	LastUpdatedAt time.Time `gorm:"not null;index:idx_saga_stalled,priority:2"`
	CompletedAt   *time.Time
	Error         *string
	CurrentStep   int `gorm:"not null"`
}

func (sagaRow) TableName() string { return "saga_states" }

func sagaFromState(s *saga.State) sagaRow {
	return sagaRow{
		ID:            s.ID,
		Type:          s.Type,
		Data:          s.Data,
		Status:        string(s.Status),
		StartedAt:     utc(s.StartedAt),
		LastUpdatedAt: utc(s.LastUpdatedAt),
		CompletedAt:   utcPtr(s.CompletedAt),
		Error:         s.Error,
		CurrentStep:   s.CurrentStep,
	}
}

func (r sagaRow) state() saga.State {
	return saga.State{
		ID:            r.ID,
		Type:          r.Type,
		Data:          r.Data,
		Status:        saga.Status(r.Status),
		StartedAt:     r.StartedAt,
		LastUpdatedAt: r.LastUpdatedAt,
		CompletedAt:   r.CompletedAt,
		Error:         r.Error,
		CurrentStep:   r.CurrentStep,
	}
}

type scheduledRow struct {
	ID             string     `gorm:"primaryKey;type:varchar(64)"`
	Type           string     `gorm:"not null;type:varchar(255)"`
	Payload        []byte     `gorm:"not null"`
	ScheduledAt    time.Time  `gorm:"not null;index:idx_scheduled_due,priority:2"`
	CreatedAt      time.Time  `gorm:"not null"`
	ProcessedAt    *time.Time `gorm:"index:idx_scheduled_due,priority:1"`
	LastExecutedAt *time.Time
	Error          *string
	RetryCount     int `gorm:"not null"`
	NextRetryAt    *time.Time
	Recurring      bool   `gorm:"not null"`
	CronExpression string `gorm:"type:varchar(255)"`
}

func (scheduledRow) TableName() string { return "scheduled_messages" }

func scheduledFromMessage(m *scheduler.Message) scheduledRow {
	return scheduledRow{
		ID:             m.ID,
		Type:           m.Type,
		Payload:        m.Payload,
		ScheduledAt:    utc(m.ScheduledAt),
		CreatedAt:      utc(m.CreatedAt),
		ProcessedAt:    utcPtr(m.ProcessedAt),
		LastExecutedAt: utcPtr(m.LastExecutedAt),
		Error:          m.Error,
		RetryCount:     m.RetryCount,
		NextRetryAt:    utcPtr(m.NextRetryAt),
		Recurring:      m.Recurring,
		CronExpression: m.CronExpression,
	}
}

func (r scheduledRow) message() scheduler.Message {
	return scheduler.Message{
		ID:             r.ID,
		Type:           r.Type,
		Payload:        r.Payload,
		ScheduledAt:    r.ScheduledAt,
		CreatedAt:      r.CreatedAt,
		ProcessedAt:    r.ProcessedAt,
		LastExecutedAt: r.LastExecutedAt,
		Error:          r.Error,
		RetryCount:     r.RetryCount,
		NextRetryAt:    r.NextRetryAt,
		Recurring:      r.Recurring,
		CronExpression: r.CronExpression,
	}
}

func models() []any {
	return []any{&outboxRow{}, &inboxRow{}, &sagaRow{}, &scheduledRow{}}
}
