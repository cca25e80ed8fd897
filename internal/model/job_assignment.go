package model

import "time"

// JobAssignment describes the programs queued for a machine by a file dispatch.
type JobAssignment struct {
	ID               int64     `gorm:"primaryKey" json:"id"`
	MachineID        int64     `gorm:"index;not null" json:"machineId"`
	JobName          string    `gorm:"size:256;not null" json:"jobName"`
	WorkOrder        string    `gorm:"size:128" json:"workOrder"`
	ToolName         string    `gorm:"size:128" json:"toolName"`
	EstimatedSeconds int       `json:"estimatedSeconds"`
	NextJobs         []NextJob `gorm:"serializer:json" json:"nextJobs"`
	Files            []string  `gorm:"serializer:json" json:"files"`
	Consumed         bool      `gorm:"not null" json:"consumed"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Meta returns the snapshot copied onto transitions.
func (a JobAssignment) Meta() JobMeta {
	id := a.ID
	return JobMeta{
		JobAssignmentID:  &id,
		JobName:          a.JobName,
		WorkOrder:        a.WorkOrder,
		ToolName:         a.ToolName,
		EstimatedSeconds: a.EstimatedSeconds,
		NextJobs:         a.NextJobs,
	}
}
