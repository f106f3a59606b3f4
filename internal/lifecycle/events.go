package lifecycle

// Device audio notifications arrive as explicit events rather than ad hoc
// callbacks so every transition is reproducible in tests.

// RouteChangeReason classifies why the active audio route changed.
type RouteChangeReason int

const (
	// RouteDeviceUnavailable: the input device went away (headset unplugged).
	RouteDeviceUnavailable RouteChangeReason = iota
	// RouteDeviceAvailable: a new input device appeared.
	RouteDeviceAvailable
	// RouteOverride: the OS forced a different route.
	RouteOverride
	// RouteConfigChange: internal session reconfiguration, not a device
	// swap. Must be ignored: reacting to it re-triggers the notification
	// and the session oscillates between paused and recording.
	RouteConfigChange
	// RouteCategoryChange: audio category switched; also internal.
	RouteCategoryChange
	// RouteUnknown: unclassified; treated as internal for the same reason.
	RouteUnknown
)

func (r RouteChangeReason) String() string {
	switch r {
	case RouteDeviceUnavailable:
		return "device_unavailable"
	case RouteDeviceAvailable:
		return "device_available"
	case RouteOverride:
		return "override"
	case RouteConfigChange:
		return "config_change"
	case RouteCategoryChange:
		return "category_change"
	default:
		return "unknown"
	}
}

// internal reports whether the reason represents reconfiguration rather than
// an actual device swap.
func (r RouteChangeReason) internal() bool {
	switch r {
	case RouteConfigChange, RouteCategoryChange, RouteUnknown:
		return true
	default:
		return false
	}
}

// Event is a device or app lifecycle notification.
type Event interface{ lifecycleEvent() }

// InterruptionBegan: the OS preempted the audio session (phone call).
type InterruptionBegan struct{}

// InterruptionEnded: the preemption ended. ShouldResume carries the OS's
// explicit permission to restart; without it the session stays paused.
type InterruptionEnded struct{ ShouldResume bool }

// RouteChanged: the active audio hardware changed.
type RouteChanged struct{ Reason RouteChangeReason }

// MemoryPressure: the OS signaled low memory.
type MemoryPressure struct{}

// AppBackgrounded: the app moved to the background. Capture continues under
// the background task; no transition.
type AppBackgrounded struct{}

// AppTerminating: the process is about to exit.
type AppTerminating struct{}

// UserStopped: explicit stop from the user.
type UserStopped struct{}

// EngineFailed: the capture engine reported an unrecoverable failure.
type EngineFailed struct{ Reason string }

func (InterruptionBegan) lifecycleEvent() {}
func (InterruptionEnded) lifecycleEvent() {}
func (RouteChanged) lifecycleEvent()      {}
func (MemoryPressure) lifecycleEvent()    {}
func (AppBackgrounded) lifecycleEvent()   {}
func (AppTerminating) lifecycleEvent()    {}
func (UserStopped) lifecycleEvent()       {}
func (EngineFailed) lifecycleEvent()      {}
