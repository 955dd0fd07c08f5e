package service

import (
	"fmt"

	"github.com/cyverse/imagecache/decode"
	"github.com/cyverse/imagecache/transport"
)

// StateType is the type of a handle state
type StateType int

const (
	// StateEmpty is a handle that is not resolving, e.g. after Cancel
	StateEmpty StateType = iota
	// StateInProgress is a handle resolving from disk or network
	StateInProgress
	// StateReady is a handle holding a decoded image
	StateReady
	// StateFailed is a handle whose resolution failed
	StateFailed
)

func (stateType StateType) String() string {
	switch stateType {
	case StateEmpty:
		return "empty"
	case StateInProgress:
		return "in_progress"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// State is a snapshot of a handle
type State struct {
	Type StateType
	// Progress is the download progress, nil while unknown or not downloading
	Progress *transport.Progress
	Image    *decode.Image
	Err      error
}

// IsFinal returns true for ready and failed states
func (state State) IsFinal() bool {
	return state.Type == StateReady || state.Type == StateFailed
}

// ToString stringifies the object
func (state State) ToString() string {
	switch state.Type {
	case StateInProgress:
		if state.Progress != nil {
			return fmt.Sprintf("<State %s %s>", state.Type, state.Progress.ToString())
		}
	case StateReady:
		if state.Image != nil {
			return fmt.Sprintf("<State %s %s>", state.Type, state.Image.ToString())
		}
	case StateFailed:
		return fmt.Sprintf("<State %s %v>", state.Type, state.Err)
	}
	return fmt.Sprintf("<State %s>", state.Type)
}

func emptyState() State {
	return State{Type: StateEmpty}
}

func inProgressState(progress *transport.Progress) State {
	return State{Type: StateInProgress, Progress: progress}
}

func readyState(img *decode.Image) State {
	return State{Type: StateReady, Image: img}
}

func failedState(err error) State {
	return State{Type: StateFailed, Err: err}
}
