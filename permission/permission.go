// Package permission reports and requests the OS grants that global input
// capture and injection need.
//
// On macOS the capture hook needs Input Monitoring and injection needs
// Accessibility. Without them the hook installs but sees no events, which
// shows up as an empty recording.
package permission

// Status is the set of grants held by the process.
type Status struct {
	Accessibility   bool `json:"accessibility"`
	InputMonitoring bool `json:"inputMonitoring"`
}

// Granted reports whether both grants are held.
func (s Status) Granted() bool {
	return s.Accessibility && s.InputMonitoring
}

// Missing lists the names of the grants not held.
func (s Status) Missing() []string {
	var out []string
	if !s.Accessibility {
		out = append(out, "accessibility")
	}
	if !s.InputMonitoring {
		out = append(out, "input monitoring")
	}
	return out
}

// Check returns the current grants without prompting.
func Check() Status {
	return check()
}

// Request asks the system for every grant missing from Check and returns
// the status seen before prompting. The grant itself is asynchronous; the
// user answers in System Settings.
func Request() Status {
	st := check()
	if !st.Granted() {
		request(st)
	}
	return st
}
