// Package models defines the database models for the tally archive.
package models

import "time"

// TallyRecord is the latest published tally of one proposal.
// There is one row per proposal, overwritten on every publication.
type TallyRecord struct {
	ID           uint            `gorm:"primaryKey"`
	Proposal     string          `gorm:"size:13;uniqueIndex;not null"`
	Title        string          `gorm:"size:512"`
	BlockNum     uint64          `gorm:"index"`
	Total        int64           // asset units
	ChoiceTotals map[uint8]int64 `gorm:"serializer:json"`
	Voters       int
	Provisional  bool   `gorm:"index"`
	Pending      string `gorm:"size:4096"` // comma separated accounts
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
