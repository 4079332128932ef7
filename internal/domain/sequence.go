package domain

import (
	"slices"
	"strings"
	"time"
)

// StageType tags the persuasion angle of one touch-point.
type StageType string

const (
	StageWedge       StageType = "wedge"
	StageMath        StageType = "math"
	StageStory       StageType = "story"
	StageFear        StageType = "fear"
	StageCompetitive StageType = "competitive"
	StageExit        StageType = "exit"
)

var validStageTypes = []StageType{StageWedge, StageMath, StageStory, StageFear, StageCompetitive, StageExit}

// StageTypes returns every stage type in canonical order.
func StageTypes() []StageType {
	return slices.Clone(validStageTypes)
}

func ParseStageType(raw string) (StageType, error) {
	st := StageType(strings.ToLower(strings.TrimSpace(raw)))
	if !slices.Contains(validStageTypes, st) {
		return "", ErrInvalidStageType
	}
	return st, nil
}

// Stage is one scheduled touch-point. Stages are configuration, not per-lead state.
type Stage struct {
	Key    string
	Offset time.Duration
	Type   StageType
}

func NewStage(key string, offsetDays int, stageType StageType) (Stage, error) {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" || offsetDays < 0 {
		return Stage{}, ErrInvalidStage
	}
	if !slices.Contains(validStageTypes, stageType) {
		return Stage{}, ErrInvalidStageType
	}
	return Stage{
		Key:    key,
		Offset: time.Duration(offsetDays) * 24 * time.Hour,
		Type:   stageType,
	}, nil
}

// OffsetDays reports the stage offset in whole days.
func (s Stage) OffsetDays() int {
	return int(s.Offset / (24 * time.Hour))
}

// DefaultSequence is the four-touch wedge → math → story → exit cadence.
func DefaultSequence() []Stage {
	return []Stage{
		{Key: "day_0", Offset: 0, Type: StageWedge},
		{Key: "day_3", Offset: 3 * 24 * time.Hour, Type: StageMath},
		{Key: "day_7", Offset: 7 * 24 * time.Hour, Type: StageStory},
		{Key: "day_14", Offset: 14 * 24 * time.Hour, Type: StageExit},
	}
}

// SortStages orders stages by offset and rejects duplicate keys.
func SortStages(stages []Stage) ([]Stage, error) {
	out := slices.Clone(stages)
	slices.SortStableFunc(out, func(a, b Stage) int {
		switch {
		case a.Offset < b.Offset:
			return -1
		case a.Offset > b.Offset:
			return 1
		default:
			return 0
		}
	})
	seen := map[string]struct{}{}
	for _, stage := range out {
		if _, ok := seen[stage.Key]; ok {
			return nil, ErrInvalidStage
		}
		seen[stage.Key] = struct{}{}
	}
	return out, nil
}
