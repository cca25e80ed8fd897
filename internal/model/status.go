package model

import "strings"

// Status is the reported or recorded state of a machine.
type Status string

const (
	StatusRunning      Status = "running"
	StatusStopped      Status = "stopped"
	StatusDisconnected Status = "disconnected"
	StatusUnknown      Status = "unknown"
)

// ParseStatus normalizes a controller-reported status. Controllers send
// "Running", "RUNNING" or "running" depending on firmware.
func ParseStatus(raw string) (Status, bool) {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusRunning:
		return StatusRunning, true
	case StatusStopped:
		return StatusStopped, true
	case StatusDisconnected:
		return StatusDisconnected, true
	}
	return StatusUnknown, false
}
