package delegation

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/xaenox/realty-agent/internal/apperr"
	"github.com/xaenox/realty-agent/internal/criteria"
	"github.com/xaenox/realty-agent/internal/models"
	"github.com/xaenox/realty-agent/internal/storage"
)

// TiePolicy decides between secondaries with equal hits and equal longest
// keyword.
type TiePolicy string

const (
	// TieMain keeps the main agent on an exact tie.
	TieMain TiePolicy = "main"
	// TieFirst picks the tied secondary that comes first in configuration order.
	TieFirst TiePolicy = "first"
)

func ParseTiePolicy(s string) TiePolicy {
	if TiePolicy(strings.ToLower(strings.TrimSpace(s))) == TieFirst {
		return TieFirst
	}
	return TieMain
}

type Selection struct {
	Agent     models.Agent
	Tree      *models.AgentTree
	Delegated bool
	Hits      int
	Matched   []string
}

// Choose picks the agent that answers text. A secondary wins with the most
// distinct keyword hits, then with the longest matched keyword; otherwise
// the main agent answers. The result depends only on tree, text and policy.
func Choose(tree *models.AgentTree, text string, policy TiePolicy) Selection {
	sel := Selection{Agent: tree.Main, Tree: tree}
	folded := criteria.Fold(text)

	type candidate struct {
		agent   models.Agent
		hits    int
		longest int
		matched []string
	}
	var best []candidate
	for _, agent := range tree.Secondaries {
		if !agent.Active {
			continue
		}
		c := candidate{agent: agent}
		seen := make(map[string]struct{})
		for _, kw := range agent.Keywords {
			key := strings.TrimSpace(criteria.Fold(kw))
			if key == "" {
				continue
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			if !strings.Contains(folded, key) {
				continue
			}
			c.hits++
			c.matched = append(c.matched, kw)
			if n := utf8.RuneCountInString(key); n > c.longest {
				c.longest = n
			}
		}
		if c.hits == 0 {
			continue
		}
		switch {
		case len(best) == 0 || c.hits > best[0].hits || (c.hits == best[0].hits && c.longest > best[0].longest):
			best = []candidate{c}
		case c.hits == best[0].hits && c.longest == best[0].longest:
			best = append(best, c)
		}
	}

	if len(best) == 0 {
		return sel
	}
	if len(best) > 1 && policy != TieFirst {
		return sel
	}
	winner := best[0]
	sel.Agent = winner.agent
	sel.Delegated = true
	sel.Hits = winner.hits
	sel.Matched = winner.matched
	return sel
}

// Loader reads the agent tree bound to a channel instance.
type Loader struct {
	instances storage.InstanceStore
	agents    storage.AgentStore
}

func NewLoader(instances storage.InstanceStore, agents storage.AgentStore) *Loader {
	return &Loader{instances: instances, agents: agents}
}

func (l *Loader) Load(ctx context.Context, tenantID, channelInstanceID string) (*models.AgentTree, error) {
	inst, err := l.instances.GetInstance(ctx, channelInstanceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.New(apperr.UnknownInstance, "channel instance not found", err)
		}
		return nil, apperr.New(apperr.StoreError, "load channel instance", err)
	}
	if inst.TenantID != tenantID {
		return nil, apperr.New(apperr.UnknownInstance, "channel instance belongs to another tenant", nil)
	}
	if inst.AgentID == nil || *inst.AgentID == "" || inst.State != models.InstanceBound {
		return nil, apperr.New(apperr.NoAgentBound, "channel instance has no agent bound", nil)
	}

	main, err := l.agents.GetAgent(ctx, tenantID, *inst.AgentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.New(apperr.NoAgentBound, "bound agent not found", err)
		}
		return nil, apperr.New(apperr.StoreError, "load main agent", err)
	}
	if !main.Active || main.Role != models.RoleMain {
		return nil, apperr.New(apperr.NoAgentBound, "bound agent is not an active main agent", nil)
	}

	secondaries, err := l.agents.ListSecondaryAgents(ctx, tenantID, main.ID)
	if err != nil {
		return nil, apperr.New(apperr.StoreError, "load secondary agents", err)
	}
	active := make([]models.Agent, 0, len(secondaries))
	for _, a := range secondaries {
		if a.Active {
			active = append(active, a)
		}
	}
	return models.NewAgentTree(*main, active), nil
}

type TreeLoader interface {
	Load(ctx context.Context, tenantID, channelInstanceID string) (*models.AgentTree, error)
}

type Delegator struct {
	loader TreeLoader
	policy TiePolicy
	logger *zap.Logger
}

func NewDelegator(loader TreeLoader, policy TiePolicy, logger *zap.Logger) *Delegator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Delegator{loader: loader, policy: policy, logger: logger}
}

// SelectAgent loads the instance's agent tree and chooses the agent for
// conversationText.
func (d *Delegator) SelectAgent(ctx context.Context, tenantID, channelInstanceID, conversationText string) (*Selection, error) {
	tree, err := d.loader.Load(ctx, tenantID, channelInstanceID)
	if err != nil {
		return nil, err
	}
	sel := Choose(tree, conversationText, d.policy)
	if sel.Delegated {
		d.logger.Debug("Delegated to secondary agent",
			zap.String("tenant_id", tenantID),
			zap.String("agent_id", sel.Agent.ID),
			zap.Int("hits", sel.Hits),
			zap.Strings("keywords", sel.Matched))
	}
	return &sel, nil
}
