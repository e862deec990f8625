package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yourbuddyconner/agent-ops-sub007/internal/apperr"
)

// CreateProposal validates the candidate definition and records it as a
// draft. Base hash staleness is checked here only advisorily; the binding
// check happens at apply.
func (s *Store) CreateProposal(ctx context.Context, p *Proposal) (*Proposal, error) {
	if _, err := ParseDefinition(p.ProposalJSON); err != nil {
		return nil, err
	}
	canonical, err := Canonicalize(p.ProposalJSON)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, err, "proposal cannot be canonicalized")
	}
	p.ProposalJSON = canonical

	wf, err := s.GetWorkflow(ctx, p.WorkflowID)
	if err != nil {
		return nil, err
	}
	if p.BaseHash != wf.CurrentHash {
		return nil, apperr.New(apperr.CodeStaleBase,
			"base hash %s does not match current hash %s", p.BaseHash, wf.CurrentHash)
	}

	p.ID = uuid.New().String()
	p.Status = ProposalDraft
	p.CreatedAt = time.Now().UTC()

	_, err = s.writer().ExecContext(ctx, s.writer().Rebind(`
		INSERT INTO workflow_proposals (id, workflow_id, base_hash, proposed_by_session_id, execution_id, proposal_json, diff_text, status, review_notes, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?)
	`), p.ID, p.WorkflowID, p.BaseHash, p.ProposedBySessionID, p.ExecutionID,
		string(p.ProposalJSON), p.DiffText, p.Status, p.ExpiresAt, p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert proposal: %w", err)
	}
	return p, nil
}

// GetProposal returns a proposal by id.
func (s *Store) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	p := &Proposal{}
	var proposalJSON string
	err := s.reader().QueryRowContext(ctx, s.reader().Rebind(`
		SELECT id, workflow_id, base_hash, proposed_by_session_id, execution_id, proposal_json, diff_text, status, review_notes, expires_at, created_at
		FROM workflow_proposals WHERE id = ?
	`), id).Scan(&p.ID, &p.WorkflowID, &p.BaseHash, &p.ProposedBySessionID, &p.ExecutionID,
		&proposalJSON, &p.DiffText, &p.Status, &p.ReviewNotes, &p.ExpiresAt, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.CodeNotFound, "proposal %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	p.ProposalJSON = json.RawMessage(proposalJSON)
	return p, nil
}

// ListProposals returns a workflow's proposals, oldest first.
func (s *Store) ListProposals(ctx context.Context, workflowID string) ([]*Proposal, error) {
	rows, err := s.reader().QueryContext(ctx, s.reader().Rebind(`
		SELECT id, workflow_id, base_hash, proposed_by_session_id, execution_id, proposal_json, diff_text, status, review_notes, expires_at, created_at
		FROM workflow_proposals WHERE workflow_id = ? ORDER BY created_at, id
	`), workflowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var proposals []*Proposal
	for rows.Next() {
		p := &Proposal{}
		var proposalJSON string
		if err := rows.Scan(&p.ID, &p.WorkflowID, &p.BaseHash, &p.ProposedBySessionID, &p.ExecutionID,
			&proposalJSON, &p.DiffText, &p.Status, &p.ReviewNotes, &p.ExpiresAt, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.ProposalJSON = json.RawMessage(proposalJSON)
		proposals = append(proposals, p)
	}
	return proposals, rows.Err()
}

// ReviewProposal moves a draft to approved or rejected. Approval never
// mutates the workflow itself.
func (s *Store) ReviewProposal(ctx context.Context, id string, approve bool, notes string) (*Proposal, error) {
	next := ProposalRejected
	if approve {
		next = ProposalApproved
	}

	res, err := s.writer().ExecContext(ctx, s.writer().Rebind(`
		UPDATE workflow_proposals SET status = ?, review_notes = ? WHERE id = ? AND status = ?
	`), next, notes, id, ProposalDraft)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		p, getErr := s.GetProposal(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, apperr.New(apperr.CodeConflict,
			"proposal %s is %s, only drafts can be reviewed", id, p.Status)
	}
	return s.GetProposal(ctx, id)
}

// ApplyProposal performs the transactional swap: re-reads the workflow's
// current hash, and only if it still equals the proposal's base hash inserts
// a new version and advances the workflow. A moved hash fails with
// STALE_BASE and mutates nothing.
func (s *Store) ApplyProposal(ctx context.Context, id, reviewNotes string, versionOverride int) (*Workflow, error) {
	p, err := s.GetProposal(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != ProposalApproved {
		return nil, apperr.New(apperr.CodeConflict,
			"proposal %s is %s, only approved proposals can be applied", id, p.Status)
	}
	if p.ExpiresAt != nil && time.Now().UTC().After(*p.ExpiresAt) {
		return nil, apperr.New(apperr.CodeConflict, "proposal %s has expired", id)
	}

	newHash, err := HashDefinition(p.ProposalJSON)
	if err != nil {
		return nil, err
	}

	tx, err := s.writer().BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	wf := &Workflow{}
	err = tx.QueryRowContext(ctx, tx.Rebind(`
		SELECT id, slug, name, description, current_hash, current_version, created_at
		FROM workflows WHERE id = ?
	`), p.WorkflowID).Scan(&wf.ID, &wf.Slug, &wf.Name, &wf.Description,
		&wf.CurrentHash, &wf.CurrentVersion, &wf.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.CodeNotFound, "workflow %s not found", p.WorkflowID)
	}
	if err != nil {
		return nil, err
	}

	if wf.CurrentHash != p.BaseHash {
		return nil, apperr.New(apperr.CodeStaleBase,
			"workflow hash moved from %s to %s since the proposal", p.BaseHash, wf.CurrentHash)
	}

	newVersion := wf.CurrentVersion + 1
	if versionOverride > newVersion {
		newVersion = versionOverride
	}
	now := time.Now().UTC()

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO workflow_versions (workflow_id, version, hash, definition_json, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), wf.ID, newVersion, newHash, string(p.ProposalJSON), reviewNotes, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert applied version: %w", err)
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		UPDATE workflows SET current_hash = ?, current_version = ? WHERE id = ?
	`), newHash, newVersion, wf.ID)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		UPDATE workflow_proposals SET status = ?, review_notes = ? WHERE id = ?
	`), ProposalApplied, reviewNotes, id)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	wf.CurrentHash = newHash
	wf.CurrentVersion = newVersion
	return wf, nil
}

// Rollback moves a workflow's current definition back to a hash already in
// its version history, recording the move as a new version row.
func (s *Store) Rollback(ctx context.Context, workflowID, targetHash string, versionOverride int, notes string) (*Workflow, error) {
	target, err := s.GetVersionByHash(ctx, workflowID, targetHash)
	if err != nil {
		return nil, err
	}

	tx, err := s.writer().BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	wf := &Workflow{}
	err = tx.QueryRowContext(ctx, tx.Rebind(`
		SELECT id, slug, name, description, current_hash, current_version, created_at
		FROM workflows WHERE id = ?
	`), workflowID).Scan(&wf.ID, &wf.Slug, &wf.Name, &wf.Description,
		&wf.CurrentHash, &wf.CurrentVersion, &wf.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.CodeNotFound, "workflow %s not found", workflowID)
	}
	if err != nil {
		return nil, err
	}
	if wf.CurrentHash == targetHash {
		return wf, tx.Commit()
	}

	newVersion := wf.CurrentVersion + 1
	if versionOverride > newVersion {
		newVersion = versionOverride
	}
	now := time.Now().UTC()

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO workflow_versions (workflow_id, version, hash, definition_json, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), workflowID, newVersion, targetHash, string(target.DefinitionJSON), notes, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert rollback version: %w", err)
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		UPDATE workflows SET current_hash = ?, current_version = ? WHERE id = ?
	`), targetHash, newVersion, workflowID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	wf.CurrentHash = targetHash
	wf.CurrentVersion = newVersion
	return wf, nil
}

// ExpireProposals sweeps draft and approved proposals past their expiry.
// Returns the ids it expired.
func (s *Store) ExpireProposals(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.writer().QueryContext(ctx, s.writer().Rebind(`
		SELECT id FROM workflow_proposals
		WHERE expires_at IS NOT NULL AND expires_at < ? AND status IN (?, ?)
	`), now.UTC(), ProposalDraft, ProposalApproved)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		_, err := s.writer().ExecContext(ctx, s.writer().Rebind(`
			UPDATE workflow_proposals SET status = ? WHERE id = ? AND status IN (?, ?)
		`), ProposalExpired, id, ProposalDraft, ProposalApproved)
		if err != nil {
			return nil, err
		}
	}
	return ids, nil
}
