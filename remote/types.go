package remote

import (
	"time"

	"github.com/teranos/botagent/automation"
	"github.com/teranos/botagent/job"
)

// Agent statuses reported in heartbeats
const (
	AgentAvailable = "Available"
	AgentBusy      = "Busy"
)

// Heartbeat is the periodic health report an agent posts to the server
type Heartbeat struct {
	AgentID             string    `json:"agentId"`
	LastReportedOn      time.Time `json:"lastReportedOn"`
	LastReportedStatus  string    `json:"lastReportedStatus"`
	LastReportedWork    string    `json:"lastReportedWork"`
	LastReportedMessage string    `json:"lastReportedMessage"`
	IsHealthy           bool      `json:"isHealthy"`
	GetNextJob          bool      `json:"getNextJob"`
}

// HeartbeatResponse may carry a job the server assigned to this agent
type HeartbeatResponse struct {
	AssignedJob *job.Job `json:"assignedJob,omitempty"`
}

// NextJobResponse is the result of an explicit next-job request
type NextJobResponse struct {
	IsJobAvailable bool     `json:"isJobAvailable"`
	AssignedJob    *job.Job `json:"assignedJob,omitempty"`
}

// ConnectResponse identifies the agent record the server matched on connect
type ConnectResponse struct {
	AgentID   string `json:"agentId"`
	AgentName string `json:"agentName"`
}

// Agent is the server's record of this machine
type Agent struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	MachineName  string `json:"machineName,omitempty"`
	MacAddresses string `json:"macAddresses,omitempty"`
	IPAddresses  string `json:"ipAddresses,omitempty"`
	IsEnabled    bool   `json:"isEnabled"`
	CredentialID string `json:"credentialId,omitempty"`
}

// Credential is a machine login stored on the server
type Credential struct {
	ID           string `json:"id"`
	Name         string `json:"name,omitempty"`
	Domain       string `json:"domain,omitempty"`
	UserName     string `json:"userName"`
	Password     string `json:"passwordSecret,omitempty"`
}

// String never includes the password
func (c *Credential) String() string {
	if c.Domain == "" {
		return c.UserName
	}
	return c.Domain + `\` + c.UserName
}

// ExecutionLog is the server-side record of one automation run
type ExecutionLog struct {
	ID           string     `json:"id,omitempty"`
	JobID        string     `json:"jobID"`
	AutomationID string     `json:"automationID"`
	AgentID      string     `json:"agentID"`
	StartedOn    time.Time  `json:"startedOn"`
	CompletedOn  *time.Time `json:"completedOn,omitempty"`
	Trigger      string     `json:"trigger,omitempty"`
	Status       string     `json:"status"`
	HasErrors    bool       `json:"hasErrors"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	ErrorDetails string     `json:"errorDetails,omitempty"`
}

// Execution log statuses
const (
	LogStarted  = "Job has started processing"
	LogFinished = "Job has finished processing"
	LogFailed   = "Job has failed"
)

// JobError is the structured failure attached to a Failed status update
type JobError struct {
	ErrorReason     string `json:"errorReason,omitempty"`
	ErrorCode       string `json:"errorCode,omitempty"`
	SerializedError string `json:"serializedErrorString,omitempty"`
}

// PatchOp is one JSON-patch operation
type PatchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// TimestampLayout is the layout the server expects in job time patches
const TimestampLayout = "2006-01-02T15:04:05.0000000Z"

// ReplaceTime builds a patch replacing a timestamp field
func ReplaceTime(path string, t time.Time) PatchOp {
	return PatchOp{Op: "replace", Path: path, Value: t.Format(TimestampLayout)}
}

// automationPage is the paged list envelope the server returns
type automationPage struct {
	Items      []automation.Automation `json:"items"`
	TotalCount int                     `json:"totalCount"`
}

type tokenRequest struct {
	UserName string `json:"userName"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token string `json:"token"`
}
