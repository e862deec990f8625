package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourbuddyconner/agent-ops-sub007/internal/apperr"
)

const proposalDefV1 = `{"steps": [{"id": "build", "type": "tool", "tool": "build"}]}`
const proposalDefV2 = `{"steps": [{"id": "build", "type": "tool", "tool": "build"}, {"id": "ship", "type": "tool", "tool": "ship"}]}`
const proposalDefV3 = `{"steps": [{"id": "lint", "type": "tool", "tool": "lint"}]}`

func mustPropose(t *testing.T, svc *Service, wf *Workflow, baseHash, def string) *Proposal {
	t.Helper()
	p, err := svc.Propose(context.Background(), &Proposal{
		WorkflowID:   wf.ID,
		BaseHash:     baseHash,
		ProposalJSON: []byte(def),
	})
	require.NoError(t, err)
	return p
}

func TestProposalLifecycle(t *testing.T) {
	svc := setupWorkflowService(t, newRecordingTools())
	ctx := context.Background()

	wf := mustCreateWorkflow(t, svc, "pipeline", proposalDefV1)
	p := mustPropose(t, svc, wf, wf.CurrentHash, proposalDefV2)
	assert.Equal(t, ProposalDraft, p.Status)

	reviewed, err := svc.Review(ctx, p.ID, true, "lgtm")
	require.NoError(t, err)
	assert.Equal(t, ProposalApproved, reviewed.Status)

	applied, err := svc.Apply(ctx, p.ID, "shipping it", 0)
	require.NoError(t, err)
	assert.Equal(t, wf.CurrentVersion+1, applied.CurrentVersion)
	assert.NotEqual(t, wf.CurrentHash, applied.CurrentHash)

	wantHash, err := HashDefinition([]byte(proposalDefV2))
	require.NoError(t, err)
	assert.Equal(t, wantHash, applied.CurrentHash)

	final, err := svc.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, ProposalApplied, final.Status)
}

func TestProposeRejectsStaleBase(t *testing.T) {
	svc := setupWorkflowService(t, newRecordingTools())
	ctx := context.Background()

	wf := mustCreateWorkflow(t, svc, "pipeline", proposalDefV1)
	_, err := svc.Propose(ctx, &Proposal{
		WorkflowID:   wf.ID,
		BaseHash:     "sha256:deadbeef",
		ProposalJSON: []byte(proposalDefV2),
	})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeStaleBase, apperr.CodeOf(err))
}

func TestApplyOnlyApprovedProposals(t *testing.T) {
	svc := setupWorkflowService(t, newRecordingTools())
	ctx := context.Background()

	wf := mustCreateWorkflow(t, svc, "pipeline", proposalDefV1)
	p := mustPropose(t, svc, wf, wf.CurrentHash, proposalDefV2)

	_, err := svc.Apply(ctx, p.ID, "", 0)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeConflict, apperr.CodeOf(err))

	rejected, err := svc.Review(ctx, p.ID, false, "not now")
	require.NoError(t, err)
	assert.Equal(t, ProposalRejected, rejected.Status)

	_, err = svc.Apply(ctx, p.ID, "", 0)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeConflict, apperr.CodeOf(err))

	// A rejected proposal cannot be reviewed again either.
	_, err = svc.Review(ctx, p.ID, true, "changed my mind")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeConflict, apperr.CodeOf(err))
}

func TestConcurrentApplySecondLosesWithStaleBase(t *testing.T) {
	svc := setupWorkflowService(t, newRecordingTools())
	ctx := context.Background()

	wf := mustCreateWorkflow(t, svc, "pipeline", proposalDefV1)

	p1 := mustPropose(t, svc, wf, wf.CurrentHash, proposalDefV2)
	p2 := mustPropose(t, svc, wf, wf.CurrentHash, proposalDefV3)

	_, err := svc.Review(ctx, p1.ID, true, "")
	require.NoError(t, err)
	_, err = svc.Review(ctx, p2.ID, true, "")
	require.NoError(t, err)

	first, err := svc.Apply(ctx, p1.ID, "", 0)
	require.NoError(t, err)

	_, err = svc.Apply(ctx, p2.ID, "", 0)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeStaleBase, apperr.CodeOf(err))

	// The losing apply mutated nothing: hash and version still match the
	// first apply, and p2 stays approved.
	current, err := svc.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, first.CurrentHash, current.CurrentHash)
	assert.Equal(t, first.CurrentVersion, current.CurrentVersion)

	loser, err := svc.GetProposal(ctx, p2.ID)
	require.NoError(t, err)
	assert.Equal(t, ProposalApproved, loser.Status)
}

func TestRollbackToEarlierHash(t *testing.T) {
	svc := setupWorkflowService(t, newRecordingTools())
	ctx := context.Background()

	wf := mustCreateWorkflow(t, svc, "pipeline", proposalDefV1)
	originalHash := wf.CurrentHash

	p := mustPropose(t, svc, wf, wf.CurrentHash, proposalDefV2)
	_, err := svc.Review(ctx, p.ID, true, "")
	require.NoError(t, err)
	applied, err := svc.Apply(ctx, p.ID, "", 0)
	require.NoError(t, err)

	rolled, err := svc.RollbackTo(ctx, wf.ID, originalHash, "regression", 0)
	require.NoError(t, err)
	assert.Equal(t, originalHash, rolled.CurrentHash)
	// Rollback records a new version row rather than rewriting history.
	assert.Equal(t, applied.CurrentVersion+1, rolled.CurrentVersion)

	// Rolling back to the current hash is a no-op.
	again, err := svc.RollbackTo(ctx, wf.ID, originalHash, "", 0)
	require.NoError(t, err)
	assert.Equal(t, rolled.CurrentVersion, again.CurrentVersion)

	// Unknown target hashes are rejected.
	_, err = svc.RollbackTo(ctx, wf.ID, "sha256:deadbeef", "", 0)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestExpireProposalsSweep(t *testing.T) {
	svc := setupWorkflowService(t, newRecordingTools())
	ctx := context.Background()

	wf := mustCreateWorkflow(t, svc, "pipeline", proposalDefV1)

	past := time.Now().UTC().Add(-time.Minute)
	expiring, err := svc.Propose(ctx, &Proposal{
		WorkflowID:   wf.ID,
		BaseHash:     wf.CurrentHash,
		ProposalJSON: []byte(proposalDefV2),
		ExpiresAt:    &past,
	})
	require.NoError(t, err)
	keeper := mustPropose(t, svc, wf, wf.CurrentHash, proposalDefV3)

	ids, err := svc.store.ExpireProposals(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{expiring.ID}, ids)

	expired, err := svc.GetProposal(ctx, expiring.ID)
	require.NoError(t, err)
	assert.Equal(t, ProposalExpired, expired.Status)

	kept, err := svc.GetProposal(ctx, keeper.ID)
	require.NoError(t, err)
	assert.Equal(t, ProposalDraft, kept.Status)

	// Expired proposals cannot be applied.
	_, err = svc.Apply(ctx, expiring.ID, "", 0)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeConflict, apperr.CodeOf(err))
}
