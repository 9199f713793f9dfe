// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package logs defines the log entry record that flows from container
// stdout/stderr and from the agent itself through the log pipeline.
package logs

import (
	"time"
)

// Level is the severity attached to a log entry.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// ParseLevel maps a string to a Level, defaulting to info for
// anything unknown so that a bad filter never hides output.
func ParseLevel(s string) Level {
	switch Level(s) {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return Level(s)
	}
	return LevelInfo
}

// Source says where an entry originated.
type Source string

const (
	// SourceContainer marks output captured from a managed
	// container's stdout or stderr.
	SourceContainer Source = "container"

	// SourceSystem marks host-level messages (runtime events,
	// resource warnings).
	SourceSystem Source = "system"

	// SourceSupervisor marks the agent's own messages.
	SourceSupervisor Source = "supervisor"
)

// Entry is a single log record. Container entries carry the service
// coordinates; system and supervisor entries leave them zero.
type Entry struct {
	Timestamp   time.Time `json:"timestamp"`
	Level       Level     `json:"level"`
	Source      Source    `json:"source"`
	AppID       int       `json:"appId,omitempty"`
	ServiceID   int       `json:"serviceId,omitempty"`
	ServiceName string    `json:"serviceName,omitempty"`
	ContainerID string    `json:"containerId,omitempty"`
	IsStderr    bool      `json:"isStderr,omitempty"`
	Message     string    `json:"message"`
}
