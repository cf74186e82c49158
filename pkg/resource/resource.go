// Package resource grades how much headroom the host has. Durability policy
// adapts to the level: constrained machines checkpoint more often and
// compress, generous ones checkpoint less and store raw.
package resource

import (
	"context"
	"fmt"
)

// Level is a coarse resource-pressure grade.
type Level string

const (
	LevelGenerous    Level = "generous"    // Plenty of headroom
	LevelConstrained Level = "constrained" // Tightening, shorten the cadence
	LevelCritical    Level = "critical"    // Interruption likely, checkpoint aggressively
)

var levelRank = map[Level]int{
	LevelGenerous:    0,
	LevelConstrained: 1,
	LevelCritical:    2,
}

// AtLeast reports whether the level is as pressured as min or more.
func (l Level) AtLeast(min Level) bool {
	return levelRank[l] >= levelRank[min]
}

// ParseLevel converts a configuration string into a Level.
func ParseLevel(s string) (Level, error) {
	switch Level(s) {
	case LevelGenerous, LevelConstrained, LevelCritical:
		return Level(s), nil
	default:
		return "", fmt.Errorf("unknown resource level %q", s)
	}
}

// Signal reports the current resource-pressure level. Implementations must be
// safe for repeated sampling from a single goroutine.
type Signal interface {
	Sample(ctx context.Context) (Level, error)
}

// Static is a Signal pinned to one level, for tests and explicit
// configuration overrides.
type Static struct {
	Level Level
}

func (s Static) Sample(_ context.Context) (Level, error) {
	return s.Level, nil
}
