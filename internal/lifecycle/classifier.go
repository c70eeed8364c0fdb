// Package lifecycle maps a resource's raw fields to the phase shown to
// operators. Classification is pure and depends only on the current field
// values, so updates applied in any order converge on the same answer.
package lifecycle

import "github.com/TheMichaelB/fleetwatch/internal/models"

// State is the classified lifecycle phase of a resource. Server resources
// may also carry a verbatim provider status.
type State string

const (
	Deploying State = "deploying"
	Active    State = "active"
	Idle      State = "idle"
	Error     State = "error"
)

// Class is the presentation hint renderers attach to a State.
type Class string

const (
	ClassPending Class = "pending"
	ClassSuccess Class = "success"
	ClassMuted   Class = "muted"
	ClassDanger  Class = "danger"
)

// Classification is the result of Classify.
type Classification struct {
	State State
	Class Class
}

// Classify returns the lifecycle state of r within collection c.
//
// For deployments the rules are evaluated in order:
//  1. error or failed status wins
//  2. creating or deploying status wins
//  3. no endpoint yet means still deploying, whatever the status says
//  4. endpoint with an explicit idle status is idle
//  5. endpoint with a loaded config is active
//  6. endpoint without a config is idle
//
// Collections without an endpoint concept are active once a config is
// loaded, otherwise they report their status verbatim or idle.
func Classify(c models.Collection, r models.Resource) Classification {
	return classified(state(c, r))
}

func state(c models.Collection, r models.Resource) State {
	status := r.NormalizedStatus()

	if !c.HasEndpoint() {
		switch {
		case r.ConfigLoaded:
			return Active
		case status != "":
			return State(status)
		default:
			return Idle
		}
	}

	switch {
	case models.IsTerminalError(status):
		return Error
	case models.IsProvisioning(status):
		return Deploying
	case !r.HasEndpoint():
		return Deploying
	case status == models.StatusIdle:
		return Idle
	case r.ConfigLoaded:
		return Active
	default:
		return Idle
	}
}

func classified(s State) Classification {
	return Classification{State: s, Class: ClassOf(s)}
}

// ClassOf returns the presentation class for s.
func ClassOf(s State) Class {
	switch s {
	case Deploying:
		return ClassPending
	case Active:
		return ClassSuccess
	case Error, State(models.StatusFailed):
		return ClassDanger
	default:
		return ClassMuted
	}
}

// IsTransient reports whether r is a deployment still waiting on its
// endpoint without having failed. Such resources need a targeted poll.
func IsTransient(c models.Collection, r models.Resource) bool {
	return c.HasEndpoint() && !r.HasEndpoint() && state(c, r) == Deploying
}
