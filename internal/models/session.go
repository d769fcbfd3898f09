package models

import "time"

// Session is one opened beam session.
type Session struct {
	ID        string    `gorm:"primaryKey;size:36"`
	Prompt    string    `gorm:"type:text"`
	History   string    `gorm:"type:text"`
	Turns     int       `gorm:"default:0"`
	CreatedAt time.Time `gorm:"index"`

	Rays        []RayRun     `gorm:"foreignKey:SessionID"`
	Fusions     []FusionRun  `gorm:"foreignKey:SessionID"`
	Acceptances []Acceptance `gorm:"foreignKey:SessionID"`
}

// RayRun records one settled ray generation.
type RayRun struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	SessionID   string `gorm:"size:36;index"`
	RayID       string `gorm:"size:36;index"`
	ModelID     string `gorm:"size:128"`
	OriginModel string `gorm:"size:128"`
	Status      string `gorm:"size:16;index"`
	Issue       string `gorm:"type:text"`
	Text        string `gorm:"type:text"`
	Imported    bool   `gorm:"default:false"`
	CreatedAt   time.Time
}

// FusionRun records one settled fusion chain.
type FusionRun struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	SessionID string `gorm:"size:36;index"`
	FusionID  string `gorm:"size:36;index"`
	FactoryID string `gorm:"size:32;index"`
	ModelID   string `gorm:"size:128"`
	Status    string `gorm:"size:16;index"`
	Issue     string `gorm:"type:text"`
	Text      string `gorm:"type:text"`
	CreatedAt time.Time
}

// Acceptance records output handed back to the conversation.
type Acceptance struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	SessionID string `gorm:"size:36;index"`
	Source    string `gorm:"size:16;not null"`
	SourceID  string `gorm:"size:36"`
	ModelID   string `gorm:"size:128"`
	Text      string `gorm:"type:text"`
	CreatedAt time.Time
}
