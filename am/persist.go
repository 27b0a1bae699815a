package am

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	gotoml "github.com/pelletier/go-toml/v2"

	"github.com/teranos/botagent/errors"
	"github.com/teranos/botagent/logger"
)

// AgentState is the part of the connection settings that changes at runtime
// and must survive restarts.
type AgentState struct {
	AgentID                 string `toml:"agent_id"`
	AgentName               string `toml:"agent_name"`
	ServerConnectionEnabled bool   `toml:"server_connection_enabled"`
}

// LoadState reads the agent state file. A missing file yields the zero state.
func LoadState(path string) (AgentState, error) {
	var state AgentState

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return state, nil
	}

	if _, err := toml.DecodeFile(path, &state); err != nil {
		err = errors.Wrap(err, "failed to decode agent state")
		return AgentState{}, errors.WithDetail(err, fmt.Sprintf("Path: %s", path))
	}
	return state, nil
}

// SaveState writes the agent state file, rotating up to three backups first.
func SaveState(path string, state AgentState) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return errors.Wrap(err, "failed to create state directory")
	}

	if err := createBackup(path); err != nil {
		return err
	}

	data, err := gotoml.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "failed to encode agent state")
	}

	// Write to a temp file and rename so readers never see a partial file
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return errors.Wrap(err, "failed to write agent state")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "failed to replace agent state")
	}
	return nil
}

// createBackup creates rotating backups (.back1, .back2, .back3) before modifying a file
func createBackup(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	back3 := path + ".back3"
	back2 := path + ".back2"
	back1 := path + ".back1"

	if err := os.Remove(back3); err != nil && !os.IsNotExist(err) {
		logger.Warnw("Failed to delete old backup", logger.FieldFile, back3, logger.FieldError, err)
	}

	if _, err := os.Stat(back2); err == nil {
		if err := os.Rename(back2, back3); err != nil {
			return errors.Wrap(err, "failed to rotate .back2 to .back3")
		}
	}

	if _, err := os.Stat(back1); err == nil {
		if err := os.Rename(back1, back2); err != nil {
			return errors.Wrap(err, "failed to rotate .back1 to .back2")
		}
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "failed to read file for backup")
	}

	if err := os.WriteFile(back1, content, 0600); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}

	return nil
}
