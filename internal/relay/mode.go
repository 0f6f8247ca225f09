package relay

import (
	"strings"

	"github.com/DerBlackAngel/stream-relay/internal/source"
	"github.com/DerBlackAngel/stream-relay/internal/supervisor"
)

// Kind classifies what the relay is doing.
type Kind string

const (
	KindSource  Kind = "source"
	KindStandby Kind = "standby"
	KindIdle    Kind = "idle"
	KindUnknown Kind = "unknown"
)

// Mode is the relay's current target.
type Mode struct {
	Kind   Kind        `json:"kind"`
	Source source.Name `json:"source,omitempty"`
}

var (
	StandbyMode = Mode{Kind: KindStandby, Source: source.Standby}
	IdleMode    = Mode{Kind: KindIdle}
	UnknownMode = Mode{Kind: KindUnknown}
)

// SourceMode is the mode of relaying name.
func SourceMode(name source.Name) Mode {
	return Mode{Kind: KindSource, Source: name}
}

// ModeFor maps a switch target to the mode it produces.
func ModeFor(target source.Name) Mode {
	if target == source.Standby {
		return StandbyMode
	}
	return SourceMode(target)
}

// String renders the mode the way operators name it: the source name, "brb",
// "idle" or "unknown".
func (m Mode) String() string {
	switch m.Kind {
	case KindSource:
		return string(m.Source)
	case KindStandby:
		return string(source.Standby)
	case KindIdle:
		return string(source.Idle)
	default:
		return string(source.Unknown)
	}
}

// IsSource reports whether a live source is relayed.
func (m Mode) IsSource() bool { return m.Kind == KindSource }

const (
	// LabelTarget records the relayed target on the worker at launch.
	LabelTarget = "relay.target"
	// LabelDestination records which destination the worker feeds.
	LabelDestination = "relay.destination"
	// LabelManaged marks workers launched by this service.
	LabelManaged = "relay.managed"
)

// Detector maps an inspected worker to a Mode.
type Detector struct {
	Sources     source.Set
	IngestBase  string
	StandbyFile string
}

// Detect prefers the launch label and falls back to matching the command
// line. No worker means idle; an unrecognised worker is unknown.
func (d Detector) Detect(status supervisor.Status) Mode {
	if !status.Exists {
		return IdleMode
	}
	if raw, ok := status.Labels[LabelTarget]; ok {
		name := source.Normalize(raw)
		if name == source.Standby {
			return StandbyMode
		}
		if d.Sources.Contains(name) {
			return SourceMode(name)
		}
	}
	return d.detectCommand(status.CommandLine())
}

func (d Detector) detectCommand(cmd string) Mode {
	if cmd == "" {
		return UnknownMode
	}
	if d.StandbyFile != "" && strings.Contains(cmd, d.StandbyFile) {
		return StandbyMode
	}
	base := strings.TrimRight(d.IngestBase, "/")
	if base == "" {
		return UnknownMode
	}
	for _, name := range d.Sources.Names() {
		if strings.Contains(cmd, base+"/"+string(name)+"/") {
			return SourceMode(name)
		}
	}
	return UnknownMode
}
