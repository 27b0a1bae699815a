package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/botagent/am"
	"github.com/teranos/botagent/errors"
	"github.com/teranos/botagent/logger"
	"github.com/teranos/botagent/sysinfo"
)

// StatusCmd prints the connection settings
var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connection settings",
	Long: `Show the agent's connection settings and persisted connection state.
The agent password is masked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("output")
		if sources, _ := cmd.Flags().GetBool("sources"); sources {
			settings, err := am.Describe(ConfigFile)
			if err != nil {
				return err
			}
			return renderSources(cmd.OutOrStdout(), settings, format)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		state, err := am.LoadState(cfg.StatePath())
		if err != nil {
			return err
		}
		settings := cfg.ConnectionSettings(state)
		if id, err := sysinfo.Identify(); err == nil {
			settings.MachineName = id.MachineName
			settings.MACAddress = id.MACAddress
			settings.IPAddress = id.IPAddress
		} else {
			logger.Debugw("Failed to identify machine", logger.FieldError, err)
		}

		return renderStatus(cmd.OutOrStdout(), newStatusView(settings), format)
	},
}

func init() {
	StatusCmd.Flags().StringP("output", "o", "table", "Output format: table, yaml, json")
	StatusCmd.Flags().Bool("sources", false, "Show every configuration setting and where it came from")
}

// statusView is what status prints
type statusView struct {
	Connected         bool   `json:"connected" yaml:"connected"`
	ServerURL         string `json:"server_url" yaml:"server_url"`
	AgentID           string `json:"agent_id" yaml:"agent_id"`
	AgentName         string `json:"agent_name" yaml:"agent_name"`
	AgentUsername     string `json:"agent_username" yaml:"agent_username"`
	AgentPassword     string `json:"agent_password" yaml:"agent_password"`
	MachineName       string `json:"machine_name" yaml:"machine_name"`
	MACAddress        string `json:"mac_address" yaml:"mac_address"`
	IPAddress         string `json:"ip_address" yaml:"ip_address"`
	HeartbeatInterval string `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	LogsDir           string `json:"logs_dir" yaml:"logs_dir"`
}

func newStatusView(s am.ConnectionSettings) statusView {
	s = s.Redacted()
	return statusView{
		Connected:         s.ServerConnectionEnabled,
		ServerURL:         s.ServerURL,
		AgentID:           s.AgentID,
		AgentName:         s.AgentName,
		AgentUsername:     s.AgentUsername,
		AgentPassword:     s.AgentPassword,
		MachineName:       s.MachineName,
		MACAddress:        s.MACAddress,
		IPAddress:         s.IPAddress,
		HeartbeatInterval: (time.Duration(s.HeartbeatInterval) * time.Second).String(),
		LogsDir:           s.LoggingValue1,
	}
}

func renderStatus(w io.Writer, v statusView, format string) error {
	switch format {
	case "json":
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal status to JSON")
		}
		fmt.Fprintln(w, string(data))
	case "yaml":
		data, err := yaml.Marshal(v)
		if err != nil {
			return errors.Wrap(err, "failed to marshal status to YAML")
		}
		fmt.Fprint(w, string(data))
	case "table", "":
		table, err := pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
			{"Setting", "Value"},
			{"Connected", strconv.FormatBool(v.Connected)},
			{"Server URL", v.ServerURL},
			{"Agent ID", v.AgentID},
			{"Agent name", v.AgentName},
			{"Agent username", v.AgentUsername},
			{"Agent password", v.AgentPassword},
			{"Machine name", v.MachineName},
			{"MAC address", v.MACAddress},
			{"IP address", v.IPAddress},
			{"Heartbeat interval", v.HeartbeatInterval},
			{"Logs directory", v.LogsDir},
		}).Srender()
		if err != nil {
			return errors.Wrap(err, "failed to render status table")
		}
		fmt.Fprintln(w, table)
	default:
		return errors.Newf("unsupported format: %s (supported: table, yaml, json)", format)
	}
	return nil
}

func renderSources(w io.Writer, settings []am.SettingInfo, format string) error {
	switch format {
	case "json":
		data, err := json.MarshalIndent(settings, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal settings to JSON")
		}
		fmt.Fprintln(w, string(data))
	case "yaml":
		data, err := yaml.Marshal(settings)
		if err != nil {
			return errors.Wrap(err, "failed to marshal settings to YAML")
		}
		fmt.Fprint(w, string(data))
	case "table", "":
		data := pterm.TableData{{"Key", "Value", "Source"}}
		for _, s := range settings {
			source := string(s.Source)
			if s.SourcePath != "" && s.Source != am.SourceDefault {
				source += " (" + s.SourcePath + ")"
			}
			data = append(data, []string{s.Key, fmt.Sprint(s.Value), source})
		}
		table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
		if err != nil {
			return errors.Wrap(err, "failed to render settings table")
		}
		fmt.Fprintln(w, table)
	default:
		return errors.Newf("unsupported format: %s (supported: table, yaml, json)", format)
	}
	return nil
}
