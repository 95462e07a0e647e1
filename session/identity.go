package session

import (
	"fmt"

	"github.com/hupe1980/spacebot/core"
	"github.com/hupe1980/spacebot/internal/util"
)

// StaticIdentity renders one identity template for every agent. The
// template may reference {{.agent_id}} and any key of Vars.
type StaticIdentity struct {
	Template string
	Vars     map[string]any
}

// NewStaticIdentity creates a StaticIdentity.
func NewStaticIdentity(template string, vars map[string]any) *StaticIdentity {
	return &StaticIdentity{Template: template, Vars: vars}
}

// RenderIdentity implements core.IdentityProvider.
func (s *StaticIdentity) RenderIdentity(agentID core.AgentID) (string, error) {
	state := make(map[string]any, len(s.Vars)+1)
	for k, v := range s.Vars {
		state[k] = v
	}
	state["agent_id"] = string(agentID)

	out, err := util.RenderTemplate(s.Template, state)
	if err != nil {
		return "", fmt.Errorf("render identity for %s: %w", agentID, err)
	}

	return out, nil
}
