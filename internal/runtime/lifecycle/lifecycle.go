// Package lifecycle holds small shared runtime types so app-level packages
// don't import each other for them.
package lifecycle

// StopReason says why the process (or a service) is being stopped.
// It shows up in shutdown logs and the final audit record.
type StopReason string

const (
	StopUnknown      StopReason = "unknown"
	StopSIGINT       StopReason = "sigint"
	StopSIGTERM      StopReason = "sigterm"
	StopFatalError   StopReason = "fatal_error"
	StopAppStop      StopReason = "app_stop"
	StopConfigReload StopReason = "config_reload"
)

func (r StopReason) String() string {
	if r == "" {
		return string(StopUnknown)
	}
	return string(r)
}
