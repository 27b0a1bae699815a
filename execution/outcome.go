package execution

import (
	"fmt"
	"strconv"

	"github.com/teranos/botagent/errors"
	"github.com/teranos/botagent/job"
	"github.com/teranos/botagent/remote"
)

// Outcome is the tagged result of one pass through the pipeline
type Outcome struct {
	JobID   string
	Status  job.Status
	Failure *JobFailure
}

// Succeeded reports whether the job completed
func (o Outcome) Succeeded() bool {
	return o.Status == job.StatusCompleted
}

// JobFailure is the structured cause of a failed job
type JobFailure struct {
	// Kind is the taxonomy name, e.g. ManifestNotFoundError
	Kind    string
	Message string
	// Code is the platform error code or HTTP status when one is known
	Code string
	// Detail is the serialized error chain with details and hints
	Detail string
}

// NewJobFailure classifies err
func NewJobFailure(err error) *JobFailure {
	f := &JobFailure{
		Kind:    errors.Kind(err),
		Message: err.Error(),
	}

	var pce *errors.ProcessCreationError
	switch {
	case errors.As(err, &pce):
		f.Code = strconv.FormatUint(uint64(pce.Code), 10)
	case errors.StatusCode(err) != 0:
		f.Code = strconv.Itoa(errors.StatusCode(err))
	}

	f.Detail = fmt.Sprintf("%s: %s", f.Kind, f.Message)
	for _, d := range errors.GetAllDetails(err) {
		f.Detail += "\n" + d
	}
	for _, h := range errors.GetAllHints(err) {
		f.Detail += "\nHint: " + h
	}
	return f
}

// JobError is the payload reported with the Failed status
func (f *JobFailure) JobError() *remote.JobError {
	return &remote.JobError{
		ErrorReason:     f.Message,
		ErrorCode:       f.Code,
		SerializedError: f.Detail,
	}
}
