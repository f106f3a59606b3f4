// Package lifecycle drives the capture engine through device-level
// interruptions: phone calls, route changes, memory pressure, and process
// exit. It is a state machine over {Idle, Recording, Paused, Stopped} whose
// inputs are explicit events.
package lifecycle

import (
	"sync"
	"time"

	"github.com/tiroq/voxlog/internal/diaglog"
)

// State is the controller's position in the session lifecycle.
type State int

const (
	StateIdle State = iota
	StateRecording
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// pauseCause records why the session paused; it decides which event may
// resume it.
type pauseCause int

const (
	causeNone pauseCause = iota
	causeInterruption
	causeRoute
	causeMemory
)

// CaptureController is the slice of the capture engine the lifecycle
// controller drives. *capture.Engine satisfies it.
type CaptureController interface {
	Pause()
	Resume() error
	Stop(reason string)
}

// Config configures the controller.
type Config struct {
	// StabilizeDelay is how long to wait after a route change before
	// resuming. Reconfiguring the route immediately can itself fire another
	// change notification; without the debounce the session oscillates.
	// Default 300ms.
	StabilizeDelay time.Duration
}

// Controller reacts to device audio events and drives pause/resume/stop of
// the capture engine without losing buffered audio.
type Controller struct {
	engine    CaptureController
	stabilize time.Duration
	logger    *diaglog.Logger

	mu        sync.Mutex
	state     State
	cause     pauseCause
	resumeGen int // invalidates stale stabilization timers
}

// NewController creates a controller in StateIdle.
func NewController(engine CaptureController, cfg Config) *Controller {
	if cfg.StabilizeDelay <= 0 {
		cfg.StabilizeDelay = 300 * time.Millisecond
	}
	return &Controller{engine: engine, stabilize: cfg.StabilizeDelay}
}

// SetLogger injects a diaglog.Logger for debug logging.
func (c *Controller) SetLogger(l *diaglog.Logger) {
	c.mu.Lock()
	c.logger = l
	c.mu.Unlock()
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RecordingStarted moves Idle → Recording after the engine started.
func (c *Controller) RecordingStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateIdle || c.state == StateStopped {
		c.state = StateRecording
		c.cause = causeNone
	}
}

// Handle applies one event to the state machine.
func (c *Controller) Handle(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch e := ev.(type) {
	case InterruptionBegan:
		c.log(diaglog.EventInterruption, "began")
		if c.state == StateRecording {
			c.pauseLocked(causeInterruption)
		} else if c.state == StatePaused {
			// Interruption outranks a route pause: a later interruption-end
			// must not be trumped by a stale stabilization timer.
			c.cause = causeInterruption
			c.resumeGen++
		}

	case InterruptionEnded:
		c.log(diaglog.EventInterruption, "ended")
		if c.state != StatePaused || c.cause != causeInterruption {
			return
		}
		if !e.ShouldResume {
			// The OS did not grant resume permission; stay paused until it
			// does or the user stops.
			return
		}
		c.resumeLocked()

	case RouteChanged:
		c.log(diaglog.EventRouteChange, e.Reason.String())
		if e.Reason.internal() {
			return
		}
		switch c.state {
		case StateRecording:
			c.pauseLocked(causeRoute)
			c.scheduleResumeLocked()
		case StatePaused:
			if c.cause == causeRoute {
				// Another device event while stabilizing; push the timer.
				c.scheduleResumeLocked()
			}
		}

	case MemoryPressure:
		if c.state == StateRecording {
			c.pauseLocked(causeMemory)
		}

	case AppBackgrounded:
		// Capture continues under the background task.

	case AppTerminating:
		c.stopLocked("app terminating")

	case UserStopped:
		c.stopLocked("user stop")

	case EngineFailed:
		c.stopLocked("engine failure: " + e.Reason)
	}
}

// pauseLocked transitions Recording → Paused.
func (c *Controller) pauseLocked(cause pauseCause) {
	c.state = StatePaused
	c.cause = cause
	c.resumeGen++
	c.engine.Pause()
}

// resumeLocked transitions Paused → Recording. The engine re-applies the
// quality profile on resume since the hardware route may have changed.
func (c *Controller) resumeLocked() {
	c.resumeGen++
	if err := c.engine.Resume(); err != nil {
		c.stopLocked("resume failed: " + err.Error())
		return
	}
	c.state = StateRecording
	c.cause = causeNone
}

// scheduleResumeLocked arms the stabilization timer for a route-change pause.
func (c *Controller) scheduleResumeLocked() {
	c.resumeGen++
	gen := c.resumeGen
	time.AfterFunc(c.stabilize, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if gen != c.resumeGen || c.state != StatePaused || c.cause != causeRoute {
			return
		}
		c.resumeLocked()
	})
}

// stopLocked transitions any state → Stopped. Engine.Stop finalizes the
// in-flight segment synchronously, so this is safe on the termination path.
func (c *Controller) stopLocked(reason string) {
	if c.state == StateStopped {
		return
	}
	c.state = StateStopped
	c.cause = causeNone
	c.resumeGen++
	c.engine.Stop(reason)
}

func (c *Controller) log(event, reason string) {
	c.logger.Log(diaglog.LogEntry{
		Component: diaglog.ComponentLifecycle,
		Event:     event,
		Reason:    reason,
	})
}
