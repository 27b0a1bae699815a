package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/teranos/botagent/automation"
	"github.com/teranos/botagent/errors"
	"github.com/teranos/botagent/job"
)

// Connect announces the agent to the server and returns the matched agent record
func (c *Client) Connect(ctx context.Context, agentID, machineName, macAddress string) (*ConnectResponse, error) {
	var out ConnectResponse
	_, err := c.do(ctx, call{
		method: http.MethodPatch,
		path:   "/api/v1/Agents/connect",
		query:  agentQuery(agentID, machineName, macAddress),
	}, &out)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect agent")
	}
	return &out, nil
}

// Disconnect tells the server the agent is going offline
func (c *Client) Disconnect(ctx context.Context, agentID, machineName, macAddress string) error {
	_, err := c.do(ctx, call{
		method: http.MethodPatch,
		path:   "/api/v1/Agents/disconnect",
		query:  agentQuery(agentID, machineName, macAddress),
	}, nil)
	return errors.Wrap(err, "failed to disconnect agent")
}

// SendHeartbeat posts hb and returns the response status code along with any assigned job
func (c *Client) SendHeartbeat(ctx context.Context, agentID string, hb *Heartbeat) (int, *HeartbeatResponse, error) {
	var out HeartbeatResponse
	status, err := c.do(ctx, call{
		method: http.MethodPost,
		path:   "/api/v1/Agents/" + url.PathEscape(agentID) + "/AddHeartbeat",
		body:   hb,
	}, &out)
	if err != nil {
		return errors.StatusCode(err), nil, errors.Wrap(err, "failed to send heartbeat")
	}
	return status, &out, nil
}

// GetNextJob asks the server for the next job assigned to agentID.
// It returns nil when no job is available.
func (c *Client) GetNextJob(ctx context.Context, agentID string) (*job.Job, error) {
	var out NextJobResponse
	_, err := c.do(ctx, call{
		method: http.MethodGet,
		path:   "/api/v1/Jobs/Next",
		query:  url.Values{"agentID": {agentID}},
	}, &out)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch next job")
	}
	return out.AssignedJob, nil
}

// UpdateJobStatus sets the server-side status of a job, attaching jobErr when failed
func (c *Client) UpdateJobStatus(ctx context.Context, agentID, jobID string, status job.Status, jobErr *JobError) error {
	if jobErr == nil {
		jobErr = &JobError{}
	}
	_, err := c.do(ctx, call{
		method: http.MethodPut,
		path:   fmt.Sprintf("/api/v1/Jobs/%s/Status/%s", url.PathEscape(jobID), url.PathEscape(string(status))),
		query:  url.Values{"agentID": {agentID}},
		body:   jobErr,
	}, nil)
	if err != nil {
		err = errors.Wrapf(err, "failed to update job status to %s", status)
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", jobID))
	}
	return nil
}

// PatchJob applies JSON-patch operations to a job
func (c *Client) PatchJob(ctx context.Context, jobID string, ops []PatchOp) error {
	_, err := c.do(ctx, call{
		method:      http.MethodPatch,
		path:        "/api/v1/Jobs/" + url.PathEscape(jobID),
		body:        ops,
		contentType: "application/json-patch+json",
	}, nil)
	if err != nil {
		err = errors.Wrap(err, "failed to patch job")
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", jobID))
	}
	return nil
}

// GetAutomation fetches an automation descriptor
func (c *Client) GetAutomation(ctx context.Context, automationID string) (*automation.Automation, error) {
	var out automation.Automation
	_, err := c.do(ctx, call{
		method: http.MethodGet,
		path:   "/api/v1/Automations/" + url.PathEscape(automationID),
	}, &out)
	if err != nil {
		err = errors.Wrap(err, "failed to fetch automation")
		return nil, errors.WithDetail(err, fmt.Sprintf("Automation ID: %s", automationID))
	}
	return &out, nil
}

// ExportAutomation streams an automation's package. The caller closes the reader.
func (c *Client) ExportAutomation(ctx context.Context, automationID string) (io.ReadCloser, error) {
	resp, err := c.send(ctx, call{
		method: http.MethodGet,
		path:   "/api/v1/Automations/" + url.PathEscape(automationID) + "/Export",
	})
	if err != nil {
		err = errors.Wrap(err, "failed to export automation")
		return nil, errors.WithDetail(err, fmt.Sprintf("Automation ID: %s", automationID))
	}
	return resp.Body, nil
}

// FindAutomations lists automations matching an OData filter
func (c *Client) FindAutomations(ctx context.Context, filter string) ([]automation.Automation, error) {
	var out automationPage
	_, err := c.do(ctx, call{
		method: http.MethodGet,
		path:   "/api/v1/Automations",
		query:  url.Values{"$filter": {filter}},
	}, &out)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list automations matching %q", filter)
	}
	return out.Items, nil
}

// FindAutomationByPackage returns the automation published from the named package
func (c *Client) FindAutomationByPackage(ctx context.Context, packageName string) (*automation.Automation, error) {
	items, err := c.FindAutomations(ctx, fmt.Sprintf("originalPackageName eq '%s'", packageName))
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, errors.Wrapf(errors.ErrNotFound, "no automation published from package %q", packageName)
	}
	return &items[0], nil
}

// GetAgent fetches the agent record
func (c *Client) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	var out Agent
	_, err := c.do(ctx, call{
		method: http.MethodGet,
		path:   "/api/v1/Agents/" + url.PathEscape(agentID),
	}, &out)
	if err != nil {
		err = errors.Wrap(err, "failed to fetch agent")
		return nil, errors.WithDetail(err, fmt.Sprintf("Agent ID: %s", agentID))
	}
	return &out, nil
}

// GetCredential fetches a stored machine credential
func (c *Client) GetCredential(ctx context.Context, credentialID string) (*Credential, error) {
	var out Credential
	_, err := c.do(ctx, call{
		method: http.MethodGet,
		path:   "/api/v1/Credentials/" + url.PathEscape(credentialID),
	}, &out)
	if err != nil {
		err = errors.Wrap(err, "failed to fetch credential")
		return nil, errors.WithDetail(err, fmt.Sprintf("Credential ID: %s", credentialID))
	}
	return &out, nil
}

// CreateExecutionLog records the start of a run and returns the stored record
func (c *Client) CreateExecutionLog(ctx context.Context, log *ExecutionLog) (*ExecutionLog, error) {
	var out ExecutionLog
	_, err := c.do(ctx, call{
		method: http.MethodPost,
		path:   "/api/v1/AutomationExecutionLogs/StartAutomation",
		body:   log,
	}, &out)
	if err != nil {
		err = errors.Wrap(err, "failed to create execution log")
		return nil, errors.WithDetail(err, fmt.Sprintf("Job ID: %s", log.JobID))
	}
	return &out, nil
}

// UpdateExecutionLog records the end of a run
func (c *Client) UpdateExecutionLog(ctx context.Context, log *ExecutionLog) error {
	_, err := c.do(ctx, call{
		method: http.MethodPut,
		path:   "/api/v1/AutomationExecutionLogs/" + url.PathEscape(log.ID) + "/EndAutomation",
		body:   log,
	}, nil)
	if err != nil {
		err = errors.Wrap(err, "failed to update execution log")
		return errors.WithDetail(err, fmt.Sprintf("Execution log ID: %s", log.ID))
	}
	return nil
}

func agentQuery(agentID, machineName, macAddress string) url.Values {
	q := url.Values{}
	if agentID != "" {
		q.Set("agentID", agentID)
	}
	q.Set("machineName", machineName)
	q.Set("macAddresses", macAddress)
	return q
}
