package permissions

import (
	"errors"
	"fmt"
	"os/exec"
	"runtime"

	"github.com/kanpelabs/kanpe-core/internal/config"
	"github.com/kanpelabs/kanpe-core/internal/protocol"
	"github.com/mattn/go-shellwords"
)

// ErrUnsupported means this host has no way to surface the OS privacy panel.
var ErrUnsupported = errors.New("opening system settings is not supported")

// Status reports whether a capture source is usable as configured. For exec
// sources this checks that the helper binary resolves; the helper itself
// surfaces OS-level permission failures when it runs.
type Status struct {
	Source  protocol.Source `json:"source"`
	Mode    string          `json:"mode"`
	Granted bool            `json:"granted"`
	Detail  string          `json:"detail,omitempty"`
}

// Check probes both capture sources.
func Check(cfg config.CaptureConfig) []Status {
	return []Status{
		checkSource(protocol.SourceMic, cfg.Mic),
		checkSource(protocol.SourceSys, cfg.Sys),
	}
}

// Request re-probes both sources. The OS permission prompt itself belongs to
// the capture helper and appears the first time it touches the device, so all
// the daemon can do is report what would block it and nudge the helper detail.
func Request(cfg config.CaptureConfig) []Status {
	statuses := Check(cfg)
	for i := range statuses {
		if statuses[i].Granted && statuses[i].Mode == "exec" {
			statuses[i].Detail = "helper resolves; the OS prompts on first capture"
		}
	}
	return statuses
}

// OpenSettings raises the platform privacy panel for audio capture.
func OpenSettings() error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open",
			"x-apple.systempreferences:com.apple.preference.security?Privacy_Microphone").Start()
	default:
		return fmt.Errorf("%w on %s", ErrUnsupported, runtime.GOOS)
	}
}

func checkSource(source protocol.Source, sc config.SourceConfig) Status {
	status := Status{Source: source, Mode: sc.Mode}
	switch sc.Mode {
	case "off":
		status.Detail = "source disabled"
	case "mock":
		status.Granted = true
	case "exec":
		parser := shellwords.NewParser()
		args, err := parser.Parse(sc.Command)
		if err != nil || len(args) == 0 {
			status.Detail = "capture command is not parsable"
			return status
		}
		if _, err := exec.LookPath(args[0]); err != nil {
			status.Detail = "capture helper not found: " + args[0]
			return status
		}
		status.Granted = true
	default:
		status.Detail = "unknown capture mode"
	}
	return status
}
