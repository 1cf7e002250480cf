package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/hiboss/internal/auth"
	"github.com/nextlevelbuilder/hiboss/internal/store"
)

// SetupIssues inspects the current agent/binding topology and returns
// human-readable problems. The daemon refuses to start while any exist:
// at least one speaker (agent with a binding) and one leader (agent
// without) are required, and no adapter credential may be bound twice.
func SetupIssues(ctx context.Context, st *store.Store) ([]string, error) {
	agents, err := st.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	bindings, err := st.ListBindings(ctx, "")
	if err != nil {
		return nil, err
	}

	bound := make(map[string]int)
	seen := make(map[string]string) // adapter_type:token -> agent
	var issues []string
	for _, b := range bindings {
		bound[b.AgentName]++
		key := b.AdapterType + ":" + b.AdapterToken
		if prev, ok := seen[key]; ok {
			issues = append(issues, fmt.Sprintf("adapter credential for %s is bound to both %q and %q", b.AdapterType, prev, b.AgentName))
		}
		seen[key] = b.AgentName
	}

	speakers, leaders := 0, 0
	for _, a := range agents {
		if bound[a.Name] > 0 {
			speakers++
		} else {
			leaders++
		}
	}
	if speakers == 0 {
		issues = append(issues, "no speaker agent: at least one agent needs an adapter binding")
	}
	if leaders == 0 {
		issues = append(issues, "no leader agent: at least one agent must have no binding")
	}
	return issues, nil
}

func (s *Server) handleSetupCheck(ctx context.Context, _ auth.Principal, params json.RawMessage) (any, error) {
	completed, err := s.store.SetupCompleted(ctx)
	if err != nil {
		return nil, err
	}
	issues, err := SetupIssues(ctx, s.store)
	if err != nil {
		return nil, err
	}
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	if issues == nil {
		issues = []string{}
	}
	return map[string]any{
		"completed": completed,
		"agents":    len(agents),
		"issues":    issues,
	}, nil
}

type setupBindingSpec struct {
	Adapter string `json:"adapter"`
	Token   string `json:"token"`
}

type setupAgentSpec struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Workspace   string             `json:"workspace,omitempty"`
	Model       string             `json:"model,omitempty"`
	Permission  string             `json:"permission,omitempty"`
	Bindings    []setupBindingSpec `json:"bindings,omitempty"`
}

type setupExecuteParams struct {
	BossName     string            `json:"bossName"`
	BossTimezone string            `json:"bossTimezone"`
	BossToken    string            `json:"bossToken"`
	BossIDs      map[string]string `json:"bossIds,omitempty"` // adapter -> chat id
	Agents       []setupAgentSpec  `json:"agents"`
}

// handleSetupExecute reconciles the declared topology in one
// transaction: boss config, agents (created when missing, with freshly
// generated tokens), and bindings. Tokens for newly created agents come
// back in the result, exactly once.
func (s *Server) handleSetupExecute(ctx context.Context, p auth.Principal, params json.RawMessage) (any, error) {
	in, err := decode[setupExecuteParams](params)
	if err != nil {
		return nil, err
	}
	if in.BossTimezone != "" {
		if _, err := time.LoadLocation(in.BossTimezone); err != nil {
			return nil, invalidParams("invalid timezone %q: %v", in.BossTimezone, err)
		}
	}
	if in.BossToken == "" {
		return nil, invalidParams("bossToken is required")
	}
	// Pre-completion calls arrive without a principal. On a fresh store
	// the supplied token becomes the boss token; when an earlier run
	// already stored a hash, the caller must present the matching token.
	if !p.Boss {
		stored, err := s.store.GetConfig(ctx, store.ConfigBossTokenHash)
		if err != nil {
			return nil, err
		}
		if stored != "" && store.HashToken(in.BossToken) != stored {
			return nil, fmt.Errorf("%w: boss token does not match the stored one", auth.ErrUnauthorized)
		}
	}
	for _, spec := range in.Agents {
		if spec.Permission != "" {
			if _, err := auth.ParseLevel(spec.Permission); err != nil {
				return nil, err
			}
		}
	}

	existing := make(map[string]bool)
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range agents {
		existing[a.Name] = true
	}
	bindings, err := s.store.ListBindings(ctx, "")
	if err != nil {
		return nil, err
	}
	haveBinding := make(map[string]bool)
	for _, b := range bindings {
		haveBinding[b.AgentName+":"+b.AdapterType+":"+b.AdapterToken] = true
	}

	created := make(map[string]string) // name -> token
	err = s.store.InTransaction(ctx, func(tx *store.Tx) error {
		if in.BossName != "" {
			if err := tx.SetConfig(ctx, store.ConfigBossName, in.BossName); err != nil {
				return err
			}
		}
		if in.BossTimezone != "" {
			if err := tx.SetConfig(ctx, store.ConfigBossTimezone, in.BossTimezone); err != nil {
				return err
			}
		}
		if err := tx.SetConfig(ctx, store.ConfigBossTokenHash, store.HashToken(in.BossToken)); err != nil {
			return err
		}
		for adapter, id := range in.BossIDs {
			if err := tx.SetConfig(ctx, store.ConfigBossIDKey(adapter), id); err != nil {
				return err
			}
		}

		for _, spec := range in.Agents {
			if !existing[spec.Name] {
				token, err := newToken()
				if err != nil {
					return err
				}
				if _, err := tx.CreateAgent(ctx, store.Agent{
					Name:        spec.Name,
					Token:       token,
					Description: spec.Description,
					Workspace:   spec.Workspace,
					Model:       spec.Model,
					Permission:  spec.Permission,
				}); err != nil {
					return err
				}
				created[spec.Name] = token
			}
			for _, b := range spec.Bindings {
				// Re-running the same topology is a no-op for bindings
				// that already exist as declared.
				if haveBinding[spec.Name+":"+b.Adapter+":"+b.Token] {
					continue
				}
				if err := tx.CreateBinding(ctx, store.Binding{
					AgentName:    spec.Name,
					AdapterType:  b.Adapter,
					AdapterToken: b.Token,
				}); err != nil {
					return err
				}
			}
		}
		return tx.SetConfig(ctx, store.ConfigSetupCompleted, "true")
	})
	if err != nil {
		return nil, err
	}

	issues, err := SetupIssues(ctx, s.store)
	if err != nil {
		return nil, err
	}
	if issues == nil {
		issues = []string{}
	}
	return map[string]any{
		"completed": true,
		"created":   created,
		"issues":    issues,
	}, nil
}
