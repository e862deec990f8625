package workflow

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/yourbuddyconner/agent-ops-sub007/internal/apperr"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/common/config"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/common/logger"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/events/bus"
)

// Service is the workflow facade the gateways and CLIs talk to. It fronts
// the store for definition and proposal management and the engine for
// execution.
type Service struct {
	store  *Store
	engine *Engine
	logger *logger.Logger
}

// NewService wires the workflow service and its engine.
func NewService(store *Store, eventBus bus.EventBus, tools ToolInvoker, agents AgentGateway,
	cfg config.WorkflowConfig, log *logger.Logger) *Service {
	return &Service{
		store:  store,
		engine: NewEngine(store, eventBus, tools, agents, cfg, log),
		logger: log.WithFields(zap.String("component", "workflow")),
	}
}

// Store exposes the backing store for wiring.
func (s *Service) Store() *Store { return s.store }

// Create registers a workflow from a raw definition document.
func (s *Service) Create(ctx context.Context, slug, name, description string, definition []byte) (*Workflow, error) {
	if slug == "" {
		return nil, apperr.New(apperr.CodeValidation, "slug is required")
	}
	if name == "" {
		name = slug
	}
	return s.store.CreateWorkflow(ctx, slug, name, description, definition)
}

// Get resolves a workflow by id, falling back to slug lookup.
func (s *Service) Get(ctx context.Context, ref string) (*Workflow, error) {
	wf, err := s.store.GetWorkflow(ctx, ref)
	if apperr.CodeOf(err) == apperr.CodeNotFound {
		return s.store.GetWorkflowBySlug(ctx, ref)
	}
	return wf, err
}

// List returns all registered workflows.
func (s *Service) List(ctx context.Context) ([]*Workflow, error) {
	return s.store.ListWorkflows(ctx)
}

// Definition returns the canonical definition bytes for a workflow hash.
func (s *Service) Definition(ctx context.Context, workflowID, hash string) (json.RawMessage, error) {
	v, err := s.store.GetVersionByHash(ctx, workflowID, hash)
	if err != nil {
		return nil, err
	}
	return v.DefinitionJSON, nil
}

// Validate checks a raw definition and returns its canonical hash without
// persisting anything.
func (s *Service) Validate(_ context.Context, definition []byte) (string, error) {
	if _, err := ParseDefinition(definition); err != nil {
		return "", err
	}
	return HashDefinition(definition)
}

// Run starts an execution of the workflow identified by ref against the
// supplied hash.
func (s *Service) Run(ctx context.Context, ref, hash, trigger string, variables map[string]interface{}) (*Execution, error) {
	wf, err := s.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if trigger == "" {
		trigger = "manual"
	}
	return s.engine.Run(ctx, wf.ID, hash, trigger, variables)
}

// Resume presents an approval decision against a suspended execution.
func (s *Service) Resume(ctx context.Context, executionID, token, decision string, variables map[string]interface{}) (*Execution, error) {
	if !strings.HasPrefix(token, resumeTokenPrefix) {
		return nil, apperr.New(apperr.CodeInvalidToken, "malformed resume token")
	}
	return s.engine.Resume(ctx, executionID, token, decision, variables)
}

// Cancel cooperatively stops an execution.
func (s *Service) Cancel(ctx context.Context, executionID, reason string) error {
	return s.engine.Cancel(ctx, executionID, reason)
}

// GetExecution returns an execution by id.
func (s *Service) GetExecution(ctx context.Context, executionID string) (*Execution, error) {
	return s.store.GetExecution(ctx, executionID)
}

// ListExecutions returns a workflow's executions, newest first.
func (s *Service) ListExecutions(ctx context.Context, ref string, limit int) ([]*Execution, error) {
	wf, err := s.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.store.ListExecutions(ctx, wf.ID, limit)
}

// ListSteps returns an execution's step traces in order.
func (s *Service) ListSteps(ctx context.Context, executionID string, limit int) ([]*StepTrace, error) {
	if _, err := s.store.GetExecution(ctx, executionID); err != nil {
		return nil, err
	}
	return s.store.ListStepTraces(ctx, executionID, limit)
}

// Propose records a candidate definition against the workflow's current hash.
func (s *Service) Propose(ctx context.Context, p *Proposal) (*Proposal, error) {
	if p.WorkflowID == "" {
		return nil, apperr.New(apperr.CodeValidation, "workflowId is required")
	}
	if p.BaseHash == "" {
		return nil, apperr.New(apperr.CodeValidation, "baseHash is required")
	}
	return s.store.CreateProposal(ctx, p)
}

// GetProposal returns a proposal by id.
func (s *Service) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	return s.store.GetProposal(ctx, id)
}

// ListProposals returns a workflow's proposals.
func (s *Service) ListProposals(ctx context.Context, workflowID string) ([]*Proposal, error) {
	return s.store.ListProposals(ctx, workflowID)
}

// Review approves or rejects a draft proposal.
func (s *Service) Review(ctx context.Context, id string, approve bool, notes string) (*Proposal, error) {
	return s.store.ReviewProposal(ctx, id, approve, notes)
}

// Apply swaps an approved proposal in as the workflow's current definition.
func (s *Service) Apply(ctx context.Context, id, notes string, versionOverride int) (*Workflow, error) {
	return s.store.ApplyProposal(ctx, id, notes, versionOverride)
}

// RollbackTo points the workflow back at a hash from its version history.
func (s *Service) RollbackTo(ctx context.Context, workflowID, targetHash, notes string, versionOverride int) (*Workflow, error) {
	return s.store.Rollback(ctx, workflowID, targetHash, versionOverride, notes)
}

// StartSweeper expires stale proposals on the configured interval until the
// context ends.
func (s *Service) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				ids, err := s.store.ExpireProposals(ctx, now)
				if err != nil {
					s.logger.Warn("proposal expiry sweep failed", zap.Error(err))
					continue
				}
				if len(ids) > 0 {
					s.logger.Info("expired stale proposals", zap.Int("count", len(ids)))
				}
			}
		}
	}()
}
