package driver

// State is the acquisition loop lifecycle.
type State int32

const (
	// NotStarted: no run has succeeded yet.
	NotStarted State = iota
	// Running: the worker is polling the device.
	Running
	// Stopped: the last run failed; EnsureRunning restarts it.
	Stopped
	// Closed is terminal.
	Closed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
