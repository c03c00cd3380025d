package model

import "time"

// AgentToken is an issued pairing credential for a print agent. The token
// string is matched exactly on validation, revocation just flips Active.
type AgentToken struct {
	ID           string `gorm:"primaryKey"`
	Token        string `gorm:"unique; not null"`
	PairingCode  string `gorm:"not null"`
	RestaurantID string
	Active       bool `gorm:"default:true"`
	LastUsedAt   *time.Time
	CreatedAt    time.Time
}
