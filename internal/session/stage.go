package session

import (
	"errors"
	"fmt"
)

// Stage is a step of a realtime session. Stages only move forward.
type Stage int32

const (
	StageConnecting Stage = iota
	StageOriginChecked
	StageAwaitingAudio
	StageAwaitingImage
	StageTranscribing
	StageInferring
	StageSynthesizing
	StageStreaming
	StageClosed
	// StageError sits outside the linear order: it is reachable from any
	// stage before StageClosed and may only be followed by StageClosed.
	StageError
)

var stageNames = [...]string{
	StageConnecting:    "connecting",
	StageOriginChecked: "origin_checked",
	StageAwaitingAudio: "awaiting_audio",
	StageAwaitingImage: "awaiting_image",
	StageTranscribing:  "transcribing",
	StageInferring:     "inferring",
	StageSynthesizing:  "synthesizing",
	StageStreaming:     "streaming",
	StageClosed:        "closed",
	StageError:         "error",
}

func (s Stage) String() string {
	if s >= 0 && int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("stage(%d)", int32(s))
}

// ErrStageRegression is returned when a transition would move a session
// backwards or out of a terminal stage.
var ErrStageRegression = errors.New("session: invalid stage transition")

// CanAdvance reports whether a session in stage from may move to stage to.
func CanAdvance(from, to Stage) bool {
	switch {
	case from == StageClosed:
		return false
	case to == StageError:
		return from != StageError
	case from == StageError:
		return to == StageClosed
	default:
		return to > from && to <= StageClosed
	}
}
