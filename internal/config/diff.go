package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. Only origins and
// log level apply live; everything else is listed in RestartRequired.
type ConfigDiff struct {
	OriginsChanged bool
	NewOrigins     []string

	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired names the changed sections that only take effect on
	// restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.OriginsChanged && !d.LogLevelChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff
	if !slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		d.OriginsChanged = true
		d.NewOrigins = slices.Clone(new.Server.AllowedOrigins)
	}
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldSrv, newSrv := old.Server, new.Server
	oldSrv.AllowedOrigins, newSrv.AllowedOrigins = nil, nil
	oldSrv.LogLevel, newSrv.LogLevel = "", ""
	for _, s := range []struct {
		name     string
		old, new any
	}{
		{"server", oldSrv, newSrv},
		{"providers", old.Providers, new.Providers},
		{"diagnosis", old.Diagnosis, new.Diagnosis},
		{"voice", old.Voice, new.Voice},
		{"oneshot", old.Oneshot, new.Oneshot},
		{"resilience", old.Resilience, new.Resilience},
		{"telemetry", old.Telemetry, new.Telemetry},
	} {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
