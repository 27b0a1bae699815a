// Package job holds the server-assigned job model and the in-memory queue
// the execution pipeline consumes.
package job

import (
	"fmt"
	"time"

	"github.com/teranos/botagent/errors"
)

// Status is the server-side lifecycle state of a job
type Status string

const (
	StatusUnknown    Status = "Unknown"
	StatusNew        Status = "New"
	StatusAssigned   Status = "Assigned"
	StatusInProgress Status = "InProgress"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
	StatusAbandoned  Status = "Abandoned"
)

// rank orders statuses along the lifecycle; terminal statuses share a rank
var rank = map[Status]int{
	StatusNew:        1,
	StatusAssigned:   2,
	StatusInProgress: 3,
	StatusCompleted:  4,
	StatusFailed:     4,
	StatusAbandoned:  4,
}

// IsTerminal reports whether no further transition is allowed
func (s Status) IsTerminal() bool {
	return rank[s] == 4
}

// CanTransition reports whether a job may move from s to next.
// Transitions only move forward, and never out of a terminal status.
func (s Status) CanTransition(next Status) bool {
	from, ok := rank[s]
	if !ok && s != StatusUnknown && s != "" {
		return false
	}
	to, ok := rank[next]
	if !ok {
		return false
	}
	if s.IsTerminal() {
		return false
	}
	return to > from
}

// Parameter is a named value passed to the automation
type Parameter struct {
	Name     string `json:"name"`
	DataType string `json:"dataType,omitempty"`
	Value    string `json:"value"`
}

// Job is a unit of work assigned to this agent by the server
type Job struct {
	ID           string      `json:"id"`
	AutomationID string      `json:"automationId"`
	AgentID      string      `json:"agentId"`
	Status       Status      `json:"jobStatus"`
	StartTime    *time.Time  `json:"startTime,omitempty"`
	EndTime      *time.Time  `json:"endTime,omitempty"`
	Parameters   []Parameter `json:"jobParameters,omitempty"`
}

// Transition moves the job to next, enforcing forward-only lifecycle order.
func (j *Job) Transition(next Status) error {
	if !j.Status.CanTransition(next) {
		err := errors.Newf("invalid job status transition %s -> %s", j.Status, next)
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", j.ID))
	}
	j.Status = next
	return nil
}

// Start marks the job as in progress
func (j *Job) Start(now time.Time) error {
	if err := j.Transition(StatusInProgress); err != nil {
		return err
	}
	j.StartTime = &now
	return nil
}

// Complete marks the job as completed
func (j *Job) Complete(now time.Time) error {
	if err := j.Transition(StatusCompleted); err != nil {
		return err
	}
	j.EndTime = &now
	return nil
}

// Fail marks the job as failed
func (j *Job) Fail(now time.Time) error {
	if err := j.Transition(StatusFailed); err != nil {
		return err
	}
	j.EndTime = &now
	return nil
}
