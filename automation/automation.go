// Package automation resolves automation packages into execution-scoped
// directories holding the unpacked project, its manifest and main script.
package automation

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/teranos/botagent/errors"
)

// Engine is the runtime an automation is written for
type Engine string

const (
	EngineNative   Engine = "OpenBots"
	EnginePython   Engine = "Python"
	EngineTagUI    Engine = "TagUI"
	EngineCSScript Engine = "CSScript"
)

// ParseEngine maps an engine string to a supported Engine.
// An empty string means the native engine.
func ParseEngine(s string) (Engine, error) {
	switch Engine(s) {
	case "":
		return EngineNative, nil
	case EngineNative, EnginePython, EngineTagUI, EngineCSScript:
		return Engine(s), nil
	default:
		return "", errors.WithStack(&errors.UnsupportedEngineError{Engine: s})
	}
}

// Automation is the server's descriptor of a published automation
type Automation struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	Engine              string `json:"automationEngine"`
	OriginalPackageName string `json:"originalPackageName,omitempty"`
	Version             string `json:"version,omitempty"`
}

// ManifestFileName is the manifest every package carries
const ManifestFileName = "project.config"

// PythonMainFileName is the entry point of server-published Python automations
const PythonMainFileName = "__main__.py"

// Manifest is the parsed project.config of a package
type Manifest struct {
	ProjectName  string            `json:"ProjectName"`
	Main         string            `json:"Main"`
	Version      string            `json:"Version,omitempty"`
	ProjectType  string            `json:"ProjectType,omitempty"`
	Dependencies map[string]string `json:"Dependencies,omitempty"`
}

// ReadManifest parses the manifest at path
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			err = errors.Wrap(errors.ErrManifestNotFound, "manifest missing")
			return nil, errors.WithDetail(err, fmt.Sprintf("Path: %s", path))
		}
		return nil, errors.Wrap(err, "failed to read manifest")
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		err = errors.Wrap(err, "failed to parse manifest")
		return nil, errors.WithDetail(err, fmt.Sprintf("Path: %s", path))
	}
	return &m, nil
}

// Engine returns the engine the manifest declares
func (m *Manifest) Engine() (Engine, error) {
	return ParseEngine(m.ProjectType)
}
