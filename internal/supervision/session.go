// Package supervision runs live oversight sessions for SUPERVISED agents.
// A supervisor watches a session through a push stream, can intervene while
// it runs, and rates it on completion; the rating and intervention count
// together decide the confidence boost fed back into governance.
package supervision

import (
	"errors"
	"time"
)

// SessionStatus is the lifecycle state of a supervision session.
type SessionStatus string

const (
	SessionRunning     SessionStatus = "RUNNING"
	SessionCompleted   SessionStatus = "COMPLETED"
	SessionInterrupted SessionStatus = "INTERRUPTED"
)

var (
	ErrSessionNotFound   = errors.New("supervision session not found")
	ErrSessionNotRunning = errors.New("supervision session is not running")
	ErrNotSupervised     = errors.New("agent is not in the SUPERVISED tier")
)

// InterventionKind is what the supervisor did to a running session.
type InterventionKind string

const (
	InterventionPause     InterventionKind = "pause"
	InterventionCorrect   InterventionKind = "correct"
	InterventionTerminate InterventionKind = "terminate"
)

// Valid reports whether the kind is one of the recognized interventions.
func (k InterventionKind) Valid() bool {
	switch k {
	case InterventionPause, InterventionCorrect, InterventionTerminate:
		return true
	}
	return false
}

// Intervention records one supervisor action against a running session.
type Intervention struct {
	ID       string           `json:"id"`
	Kind     InterventionKind `json:"kind"`
	Guidance string           `json:"guidance,omitempty"`
	At       time.Time        `json:"at"`
}

// Session is one supervised run of one agent.
type Session struct {
	ID            string         `json:"id"`
	AgentID       string         `json:"agent_id"`
	WorkspaceID   string         `json:"workspace_id"`
	SupervisorID  string         `json:"supervisor_id"`
	Trigger       string         `json:"trigger"`
	Status        SessionStatus  `json:"status"`
	Interventions []Intervention `json:"interventions,omitempty"`
	Rating        int            `json:"rating,omitempty"`
	Feedback      string         `json:"feedback,omitempty"`
	Boost         float64        `json:"boost"`
	StartedAt     time.Time      `json:"started_at"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
}

// StreamEvent is one item pushed to a session's monitor stream.
type StreamEvent struct {
	SessionID string                 `json:"session_id"`
	Kind      string                 `json:"kind"`
	At        time.Time              `json:"at"`
	Data      map[string]interface{} `json:"data,omitempty"`
}
