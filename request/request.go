// Package request builds the execution request handed to the executor
// process as its single command-line argument.
//
// Wire format: base64( uint32le(len(json)) || gzip(json) ).
package request

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/teranos/botagent/am"
	"github.com/teranos/botagent/errors"
	"github.com/teranos/botagent/job"
)

// maxPayloadSize bounds the declared length accepted by Decode
const maxPayloadSize = 64 << 20

// ExecutionRequest is everything the executor needs to run one automation.
// It is immutable once built and consumed exactly once.
type ExecutionRequest struct {
	JobID                    string                `json:"JobId,omitempty"`
	AutomationID             string                `json:"AutomationId,omitempty"`
	AutomationName           string                `json:"AutomationName,omitempty"`
	MainFilePath             string                `json:"MainFilePath"`
	ProjectDirectoryPath     string                `json:"ProjectDirectoryPath"`
	ProjectDependencies      []string              `json:"ProjectDependencies"`
	JobParameters            []job.Parameter       `json:"JobParameters,omitempty"`
	ServerConnectionSettings am.ConnectionSettings `json:"ServerConnectionSettings"`
}

// Encode serializes, compresses and base64-encodes r.
func Encode(r ExecutionRequest) (string, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal execution request")
	}

	var buf bytes.Buffer
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(payload)))
	buf.Write(prefix[:])

	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return "", errors.Wrap(err, "failed to compress execution request")
	}
	if err := zw.Close(); err != nil {
		return "", errors.Wrap(err, "failed to finish execution request compression")
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decode reverses Encode. It is what the executor process runs on its argument.
func Decode(s string) (ExecutionRequest, error) {
	var r ExecutionRequest

	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return r, errors.Wrap(err, "execution request is not valid base64")
	}
	if len(raw) < 4 {
		return r, errors.Newf("execution request too short: %d bytes", len(raw))
	}

	size := binary.LittleEndian.Uint32(raw[:4])
	if size > maxPayloadSize {
		return r, errors.Newf("execution request declares %d bytes, limit is %d", size, maxPayloadSize)
	}

	zr, err := gzip.NewReader(bytes.NewReader(raw[4:]))
	if err != nil {
		return r, errors.Wrap(err, "execution request is not gzip data")
	}
	defer zr.Close()

	payload := make([]byte, size)
	if _, err := io.ReadFull(zr, payload); err != nil {
		return r, errors.Wrap(err, "failed to decompress execution request")
	}

	if err := json.Unmarshal(payload, &r); err != nil {
		return r, errors.Wrap(err, "failed to unmarshal execution request")
	}
	return r, nil
}
