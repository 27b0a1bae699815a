package am

import (
	"os"
	"sort"
	"strings"

	"github.com/spf13/viper"

	"github.com/teranos/botagent/errors"
)

// ConfigSource represents where a configuration value came from
type ConfigSource string

const (
	SourceDefault     ConfigSource = "default"
	SourceSystem      ConfigSource = "system"      // /etc/botagent/am.toml
	SourceUser        ConfigSource = "user"        // ~/.botagent/am.toml
	SourceProject     ConfigSource = "project"     // am.toml found walking up from the working directory
	SourceFile        ConfigSource = "file"        // --config
	SourceEnvironment ConfigSource = "environment" // BOTAGENT_* env vars
)

// SettingInfo is one effective setting and its origin
type SettingInfo struct {
	Key        string       `json:"key" yaml:"key"`
	Value      interface{}  `json:"value" yaml:"value"`
	Source     ConfigSource `json:"source" yaml:"source"`
	SourcePath string       `json:"source_path,omitempty" yaml:"source_path,omitempty"`
}

// SourceInfo tracks where a configuration value originated
type SourceInfo struct {
	Source ConfigSource
	Path   string
}

// configSources is filled by mergeConfigFiles; later files overwrite earlier ones
var configSources = map[string]SourceInfo{}

// sensitiveKeys are masked in introspection output
var sensitiveKeys = map[string]bool{
	"server.agent_password": true,
}

// envNames maps keys bound to non-derived environment variables
var envNames = map[string]string{
	"server.agent_username": "BOTAGENT_AGENT_USERNAME",
	"server.agent_password": "BOTAGENT_AGENT_PASSWORD",
}

// Describe lists every effective setting with the source that set it.
// An empty configFile describes the cascade Load reads.
func Describe(configFile string) ([]SettingInfo, error) {
	if configFile != "" {
		v := viper.New()
		v.SetConfigFile(configFile)
		v.SetConfigType("toml")
		SetDefaults(v)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", configFile)
		}
		sources := map[string]SourceInfo{}
		fileOnly := viper.New()
		fileOnly.SetConfigFile(configFile)
		fileOnly.SetConfigType("toml")
		if err := fileOnly.ReadInConfig(); err == nil {
			markSettingsFromSource(fileOnly.AllSettings(), "", SourceFile, configFile, sources)
		}
		return introspect(v, sources, false), nil
	}

	v := initViper()
	return introspect(v, configSources, true), nil
}

// markSettingsFromSource records source for every leaf key in settings
func markSettingsFromSource(settings map[string]interface{}, prefix string, source ConfigSource, path string, into map[string]SourceInfo) {
	for key, value := range settings {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := value.(map[string]interface{}); ok {
			markSettingsFromSource(nested, fullKey, source, path, into)
			continue
		}
		into[fullKey] = SourceInfo{Source: source, Path: path}
	}
}

// introspect flattens the merged settings in key order
func introspect(v *viper.Viper, sources map[string]SourceInfo, withEnv bool) []SettingInfo {
	var out []SettingInfo
	flatten(v.AllSettings(), "", func(key string, value interface{}) {
		info := SourceInfo{Source: SourceDefault, Path: "built-in default"}
		if si, ok := sources[key]; ok {
			info = si
		}
		if withEnv {
			if env := envName(key); os.Getenv(env) != "" {
				info = SourceInfo{Source: SourceEnvironment, Path: env}
			}
		}
		if sensitiveKeys[key] && value != "" {
			value = "********"
		}
		out = append(out, SettingInfo{Key: key, Value: value, Source: info.Source, SourcePath: info.Path})
	})
	return out
}

func flatten(settings map[string]interface{}, prefix string, fn func(key string, value interface{})) {
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := settings[key].(map[string]interface{}); ok {
			flatten(nested, fullKey, fn)
			continue
		}
		fn(fullKey, settings[key])
	}
}

func envName(key string) string {
	if name, ok := envNames[key]; ok {
		return name
	}
	return "BOTAGENT_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}
