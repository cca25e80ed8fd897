package model

import (
	"strings"
	"time"
)

// ControllerVariant selects the file transfer implementation for a machine.
type ControllerVariant string

const (
	// VariantStandard controllers accept passive-mode FTP.
	VariantStandard ControllerVariant = "standard"
	// VariantActive controllers only accept active-mode data connections.
	VariantActive ControllerVariant = "active"
)

// ParseVariant accepts "standard" or "active" in any case.
func ParseVariant(raw string) (ControllerVariant, bool) {
	switch v := ControllerVariant(strings.ToLower(strings.TrimSpace(raw))); v {
	case VariantStandard, VariantActive:
		return v, true
	}
	return "", false
}

// Machine represents a CNC machine known to the fleet directory.
type Machine struct {
	ID        int64             `gorm:"primaryKey" json:"id"`
	Name      string            `gorm:"uniqueIndex;size:64;not null" json:"name"`
	IPAddress string            `gorm:"size:64" json:"ipAddress"`
	Variant   ControllerVariant `gorm:"size:16;not null" json:"variant"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}
