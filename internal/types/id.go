package types

import (
	"fmt"
	"strings"
)

// OrchestrationInstance identifies one execution of an orchestration.
// InstanceID survives continue-as-new, ExecutionID does not.
type OrchestrationInstance struct {
	InstanceID  string `json:"instanceId"`
	ExecutionID string `json:"executionId"`
}

func (o OrchestrationInstance) String() string {
	return o.InstanceID + ":" + o.ExecutionID
}

// EntityID names an entity instance. Names are case-insensitive and stored
// lower-cased, keys are kept as given.
type EntityID struct {
	Name string `json:"name"`
	Key  string `json:"key"`
}

func NewEntityID(name, key string) EntityID {
	return EntityID{Name: strings.ToLower(name), Key: key}
}

// String is also the session key of the entity.
func (e EntityID) String() string {
	return "@" + e.Name + "@" + e.Key
}

func (e EntityID) IsZero() bool { return e.Name == "" && e.Key == "" }

// ParseEntityID is the inverse of String.
func ParseEntityID(s string) (EntityID, error) {
	if !strings.HasPrefix(s, "@") {
		return EntityID{}, fmt.Errorf("entity id %q must start with '@'", s)
	}
	rest := s[1:]
	idx := strings.Index(rest, "@")
	if idx <= 0 {
		return EntityID{}, fmt.Errorf("entity id %q has no name", s)
	}
	return EntityID{Name: rest[:idx], Key: rest[idx+1:]}, nil
}

// IsEntityKey reports whether a session key addresses an entity rather
// than an orchestration instance.
func IsEntityKey(key string) bool {
	return strings.HasPrefix(key, "@")
}
