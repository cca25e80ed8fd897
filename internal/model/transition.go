package model

import "time"

// NextJob is one entry of the queued-next-jobs chain.
type NextJob struct {
	Name             string `json:"name"`
	WorkOrder        string `json:"workOrder,omitempty"`
	EstimatedSeconds int    `json:"estimatedSeconds"`
}

// JobMeta is the job snapshot stored with every transition.
type JobMeta struct {
	JobAssignmentID  *int64    `gorm:"index" json:"jobAssignmentId"`
	JobName          string    `gorm:"size:256" json:"jobName"`
	WorkOrder        string    `gorm:"size:128" json:"workOrder"`
	ToolName         string    `gorm:"size:128" json:"toolName"`
	EstimatedSeconds int       `json:"estimatedSeconds"`
	NextJobs         []NextJob `gorm:"serializer:json" json:"nextJobs"`
}

// QueueSeconds is the estimated duration of everything queued after the current job.
func (m JobMeta) QueueSeconds() int {
	total := 0
	for _, j := range m.NextJobs {
		total += j.EstimatedSeconds
	}
	return total
}

// Transition is an append-only record of a machine changing status.
// Only Note may be written after insert, and only once.
type Transition struct {
	ID              int64     `gorm:"primaryKey" json:"id"`
	MachineID       int64     `gorm:"not null;index:idx_transitions_machine_created,priority:1" json:"machineId"`
	PreviousStatus  Status    `gorm:"size:16;not null" json:"previousStatus"`
	CurrentStatus   Status    `gorm:"size:16;not null" json:"currentStatus"`
	CreatedAt       time.Time `gorm:"not null;index:idx_transitions_machine_created,priority:2;index" json:"createdAt"`
	JobMeta         `gorm:"embedded"`
	ManualOperation bool    `gorm:"not null" json:"manualOperation"`
	Note            *string `gorm:"size:1024" json:"note"`
}
