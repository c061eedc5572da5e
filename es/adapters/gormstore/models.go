package gormstore

import "time"

// EventModel is one row of the events table.
type EventModel struct {
	AggregateType string    `gorm:"primaryKey;size:191"`
	AggregateID   string    `gorm:"primaryKey;size:191"`
	Sequence      int64     `gorm:"primaryKey;autoIncrement:false"`
	Payload       []byte    `gorm:"not null"`
	Metadata      []byte
	CreatedAt     time.Time `gorm:"not null"`
}

// SnapshotModel is one row of the snapshots table.
type SnapshotModel struct {
	AggregateType string    `gorm:"primaryKey;size:191"`
	AggregateID   string    `gorm:"primaryKey;size:191"`
	Version       int64     `gorm:"not null"`
	Payload       []byte    `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

// QueryModel is one row of the queries table.
type QueryModel struct {
	AggregateType string    `gorm:"primaryKey;size:191"`
	AggregateID   string    `gorm:"primaryKey;size:191"`
	QueryType     string    `gorm:"primaryKey;size:191"`
	Version       int64     `gorm:"not null"`
	Payload       []byte    `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}
