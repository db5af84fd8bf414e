package types

import (
	"errors"
	"fmt"
	"strings"
)

// Level mirrors the backend's message severities.
type Level int

const (
	Debug5 Level = iota + 10
	Debug4
	Debug3
	Debug2
	Debug1
	Log
	Info
	Notice
	Warning
	Error
	Fatal
	Panic
)

var levelNames = map[Level]string{
	Debug5: "debug5", Debug4: "debug4", Debug3: "debug3", Debug2: "debug2", Debug1: "debug1",
	Log: "log", Info: "info", Notice: "notice", Warning: "warning",
	Error: "error", Fatal: "fatal", Panic: "panic",
}

func (l Level) String() string {
	if n, ok := levelNames[l]; ok {
		return n
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// ParseLevel accepts the names printed by Level.String, case-insensitively.
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "debug" {
		return Debug2, nil
	}
	for l, n := range levelNames {
		if n == s {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// ErrLevelNotLoggable is returned when Error or a higher severity is passed to a
// plain log call. Those severities abort the statement instead.
var ErrLevelNotLoggable = errors.New("error and higher severities cannot be logged, return an error instead")

// Loggable reports whether l may be passed to a plain log call.
func (l Level) Loggable() bool {
	return l >= Debug5 && l < Error
}

// Permission names a capability a code bundle needs.
type Permission string

const (
	PermissionSPI        Permission = "spi"
	PermissionFilesystem Permission = "filesystem"
	PermissionNetwork    Permission = "network"
	PermissionProcess    Permission = "process"
)

// XactEvent is a transaction boundary event.
type XactEvent uint8

const (
	XactPreCommit XactEvent = iota + 1
	XactCommit
	XactAbort
	XactPrePrepare
	XactPrepare
	XactParallelPreCommit
	XactParallelCommit
	XactParallelAbort
)

func (e XactEvent) String() string {
	switch e {
	case XactPreCommit:
		return "pre_commit"
	case XactCommit:
		return "commit"
	case XactAbort:
		return "abort"
	case XactPrePrepare:
		return "pre_prepare"
	case XactPrepare:
		return "prepare"
	case XactParallelPreCommit:
		return "parallel_pre_commit"
	case XactParallelCommit:
		return "parallel_commit"
	case XactParallelAbort:
		return "parallel_abort"
	default:
		return fmt.Sprintf("xact_event(%d)", uint8(e))
	}
}

// SubXactEvent is a subtransaction (savepoint) boundary event.
type SubXactEvent uint8

const (
	SubXactStart SubXactEvent = iota + 1
	SubXactPreCommit
	SubXactCommit
	SubXactAbort
)

func (e SubXactEvent) String() string {
	switch e {
	case SubXactStart:
		return "start_sub"
	case SubXactPreCommit:
		return "pre_commit_sub"
	case SubXactCommit:
		return "commit_sub"
	case SubXactAbort:
		return "abort_sub"
	default:
		return fmt.Sprintf("subxact_event(%d)", uint8(e))
	}
}

// SubXact carries a subtransaction event together with the savepoint it concerns.
type SubXact struct {
	Event SubXactEvent
	Name  string
	Level int
}

// TriggerEvent is a bit set describing why a trigger fired.
type TriggerEvent uint16

const (
	TriggerInsert TriggerEvent = 1 << iota
	TriggerDelete
	TriggerUpdate
	TriggerTruncate
	TriggerRow
	TriggerBefore
	TriggerAfter
	TriggerInsteadOf
)

func (e TriggerEvent) IsInsert() bool    { return e&TriggerInsert != 0 }
func (e TriggerEvent) IsDelete() bool    { return e&TriggerDelete != 0 }
func (e TriggerEvent) IsUpdate() bool    { return e&TriggerUpdate != 0 }
func (e TriggerEvent) IsTruncate() bool  { return e&TriggerTruncate != 0 }
func (e TriggerEvent) IsRow() bool       { return e&TriggerRow != 0 }
func (e TriggerEvent) IsStatement() bool { return e&TriggerRow == 0 }
func (e TriggerEvent) IsBefore() bool    { return e&TriggerBefore != 0 }
func (e TriggerEvent) IsAfter() bool     { return e&TriggerAfter != 0 }

func (e TriggerEvent) String() string {
	var parts []string
	switch {
	case e.IsBefore():
		parts = append(parts, "before")
	case e&TriggerInsteadOf != 0:
		parts = append(parts, "instead_of")
	default:
		parts = append(parts, "after")
	}
	switch {
	case e.IsInsert():
		parts = append(parts, "insert")
	case e.IsUpdate():
		parts = append(parts, "update")
	case e.IsDelete():
		parts = append(parts, "delete")
	case e.IsTruncate():
		parts = append(parts, "truncate")
	}
	if e.IsRow() {
		parts = append(parts, "row")
	} else {
		parts = append(parts, "statement")
	}
	return strings.Join(parts, " ")
}
