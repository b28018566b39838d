package tracing

import (
	"fmt"
	"strings"
)

// Role distinguishes the coordinator's session from a replica's.
type Role int

const (
	// RolePrimary is the session owned by the node coordinating a query.
	RolePrimary Role = iota
	// RoleSecondary is the session owned by a replica taking part in it.
	RoleSecondary
)

// IsPrimary reports whether sessions of this role build the parameter map
// and charge the global budget. All role-dependent decisions go through it.
func (r Role) IsPrimary() bool {
	return r == RolePrimary
}

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleSecondary:
		return "secondary"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// State is the lifecycle state of a trace session.
type State int

const (
	// StateInactive is the initial state: nothing has been captured yet.
	StateInactive State = iota
	// StateForeground means capture is underway.
	StateForeground
	// StateBackground means capture has stopped. It is terminal.
	StateBackground
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateForeground:
		return "foreground"
	case StateBackground:
		return "background"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ConsistencyLevel is the consistency requested by a query.
type ConsistencyLevel int

const (
	Any ConsistencyLevel = iota
	One
	Two
	Three
	Quorum
	All
	LocalQuorum
	EachQuorum
	Serial
	LocalSerial
	LocalOne
)

var consistencyLevelNames = [...]string{
	Any:         "ANY",
	One:         "ONE",
	Two:         "TWO",
	Three:       "THREE",
	Quorum:      "QUORUM",
	All:         "ALL",
	LocalQuorum: "LOCAL_QUORUM",
	EachQuorum:  "EACH_QUORUM",
	Serial:      "SERIAL",
	LocalSerial: "LOCAL_SERIAL",
	LocalOne:    "LOCAL_ONE",
}

// Format returns the canonical name of the level, or an error if the value
// is out of range.
func (cl ConsistencyLevel) Format() (string, error) {
	if cl < 0 || int(cl) >= len(consistencyLevelNames) {
		return "", fmt.Errorf("unknown consistency level %d", int(cl))
	}
	return consistencyLevelNames[cl], nil
}

func (cl ConsistencyLevel) String() string {
	name, err := cl.Format()
	if err != nil {
		return fmt.Sprintf("ConsistencyLevel(%d)", int(cl))
	}
	return name
}

// ParseConsistencyLevel parses a level name case-insensitively.
func ParseConsistencyLevel(s string) (ConsistencyLevel, error) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	for i, name := range consistencyLevelNames {
		if name == upper {
			return ConsistencyLevel(i), nil
		}
	}
	return 0, fmt.Errorf("unknown consistency level %q", s)
}
