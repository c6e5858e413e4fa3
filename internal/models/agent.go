package models

import (
	"time"

	"github.com/lib/pq"
)

type AgentRole string

const (
	RoleMain      AgentRole = "main"
	RoleSecondary AgentRole = "secondary"
)

type Agent struct {
	ID             string         `json:"id" db:"id"`
	TenantID       string         `json:"tenant_id" db:"tenant_id"`
	Name           string         `json:"name" db:"name"`
	Role           AgentRole      `json:"role" db:"role"`
	ParentID       *string        `json:"parent_id,omitempty" db:"parent_id"`
	Keywords       pq.StringArray `json:"keywords" db:"keywords"`
	Specialization string         `json:"specialization" db:"specialization"`
	Prompt         string         `json:"prompt" db:"prompt"`
	Model          string         `json:"model" db:"model"`
	Temperature    *float64       `json:"temperature,omitempty" db:"temperature"`
	MaxTokens      int            `json:"max_tokens" db:"max_tokens"`
	Active         bool           `json:"active" db:"active"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
}

// AgentTree is the snapshot of a main agent and its secondaries taken at
// the start of a turn. It is not shared with the store.
type AgentTree struct {
	Main        Agent
	Secondaries []Agent
}

// NewAgentTree copies main and secondaries so later store writes cannot
// reach into a turn in flight.
func NewAgentTree(main Agent, secondaries []Agent) *AgentTree {
	tree := &AgentTree{Main: copyAgent(main)}
	tree.Secondaries = make([]Agent, 0, len(secondaries))
	for _, a := range secondaries {
		tree.Secondaries = append(tree.Secondaries, copyAgent(a))
	}
	return tree
}

func copyAgent(a Agent) Agent {
	if a.Keywords != nil {
		a.Keywords = append(pq.StringArray(nil), a.Keywords...)
	}
	if a.ParentID != nil {
		p := *a.ParentID
		a.ParentID = &p
	}
	return a
}
