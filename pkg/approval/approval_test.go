package approval_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mergeflow/mergeflow/pkg/approval"
	"github.com/mergeflow/mergeflow/pkg/run"
)

var patchContent = []byte("--- a/main.go\n+++ b/main.go\n@@ -1 +1 @@\n-old\n+new\n")

func grant(scopes ...approval.Scope) *approval.Approval {
	return &approval.Approval{
		RunID:      "run-1",
		ApprovedAt: time.Now().UTC(),
		ApprovedBy: "reviewer@acme.com",
		Scope:      scopes,
		PatchHash:  approval.HashPatch(patchContent),
	}
}

func TestRequiredScopeMapping(t *testing.T) {
	cases := map[approval.Operation]approval.Scope{
		approval.OpGitCommit:    approval.ScopeCommit,
		approval.OpGitPush:      approval.ScopePush,
		approval.OpPRCreate:     approval.ScopeOpenPR,
		approval.OpPRUpdate:     approval.ScopePush,
		approval.OpPRMerge:      approval.ScopeMerge,
		approval.OpBranchDelete: approval.ScopePush,
		approval.OpFileWrite:    approval.ScopeCommit,
	}
	for op, want := range cases {
		got, ok := approval.RequiredScope(op)
		require.True(t, ok, "operation %s must be gated", op)
		assert.Equal(t, want, got)
	}
	_, ok := approval.RequiredScope("teleport")
	assert.False(t, ok)
}

func TestCheckApprovalDenialOrder(t *testing.T) {
	req := approval.Request{RunID: "run-1", Operation: approval.OpPRCreate}

	d := approval.CheckApproval(req, nil, nil)
	assert.False(t, d.Approved)
	assert.Equal(t, approval.ReasonNoApproval, d.Reason)

	wrongRun := grant(approval.ScopeOpenPR)
	wrongRun.RunID = "run-2"
	d = approval.CheckApproval(req, wrongRun, nil)
	assert.Equal(t, approval.ReasonRunIDMismatch, d.Reason)

	d = approval.CheckApproval(
		approval.Request{RunID: "run-1", Operation: approval.OpPRMerge},
		grant(approval.ScopeOpenPR), nil)
	assert.Equal(t, "SCOPE_MISSING: merge", d.Reason)
}

func TestCheckApprovalPatchMismatch(t *testing.T) {
	a := grant(approval.ScopeOpenPR)
	req := approval.Request{RunID: "run-1", Operation: approval.OpPRCreate}

	tampered := append([]byte(nil), patchContent...)
	tampered[0] ^= 0xFF
	d := approval.CheckApproval(req, a, tampered)
	assert.False(t, d.Approved)
	assert.Equal(t, approval.ReasonPatchMismatch, d.Reason)

	req.PatchHash = "sha256:deadbeef"
	d = approval.CheckApproval(req, a, nil)
	assert.Equal(t, approval.ReasonPatchMismatch, d.Reason)
}

func TestCheckApprovalApproves(t *testing.T) {
	a := grant(approval.ScopeOpenPR)
	d := approval.CheckApproval(
		approval.Request{RunID: "run-1", Operation: approval.OpPRCreate}, a, patchContent)
	require.True(t, d.Approved)
	assert.Same(t, a, d.Approval)
}

// A wider scope set never turns an approval into a denial.
func TestScopeMonotonicity(t *testing.T) {
	req := approval.Request{RunID: "run-1", Operation: approval.OpGitCommit}

	narrow := grant(approval.ScopeCommit)
	require.True(t, approval.CheckApproval(req, narrow, patchContent).Approved)

	wide := grant(approval.ScopeCommit, approval.ScopePush, approval.ScopeMerge, approval.ScopeOpenPR)
	assert.True(t, approval.CheckApproval(req, wide, patchContent).Approved)
}

func TestMergeIsNotPatchAffecting(t *testing.T) {
	// Merging applies an already-approved patch; it binds to scope, not
	// to the patch content presented at merge time.
	a := grant(approval.ScopeMerge)
	d := approval.CheckApproval(
		approval.Request{RunID: "run-1", Operation: approval.OpPRMerge}, a, []byte("unrelated"))
	assert.True(t, d.Approved)
}

func TestExecuteIfApproved(t *testing.T) {
	ctx := context.Background()
	req := approval.Request{RunID: "run-1", Operation: approval.OpGitCommit}

	ran := false
	res := approval.ExecuteIfApproved(ctx, req, grant(approval.ScopeCommit), patchContent,
		func(context.Context) error { ran = true; return nil })
	assert.True(t, res.Success)
	assert.True(t, ran)

	res = approval.ExecuteIfApproved(ctx, req, nil, patchContent,
		func(context.Context) error { t.Fatal("must not run"); return nil })
	assert.False(t, res.Success)
	assert.Equal(t, approval.ReasonNoApproval, res.DenialReason)

	boom := errors.New("push rejected")
	res = approval.ExecuteIfApproved(ctx, req, grant(approval.ScopeCommit), patchContent,
		func(context.Context) error { return boom })
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, boom)
}

func TestModeAdmits(t *testing.T) {
	assert.False(t, approval.ModeAdmits(run.ModeCommentOnly, approval.OpGitCommit))
	assert.False(t, approval.ModeAdmits(run.ModePatchOnly, approval.OpPRCreate))
	assert.True(t, approval.ModeAdmits(run.ModeCommitAfterApproval, approval.OpPRCreate))
}

func TestGateOperation(t *testing.T) {
	req := approval.Request{RunID: "run-1", Operation: approval.OpGitCommit}

	err := approval.GateOperation(run.ModePatchOnly, req, grant(approval.ScopeCommit), patchContent)
	assert.Error(t, err)

	err = approval.GateOperation(run.ModeCommitAfterApproval, req, grant(approval.ScopeCommit), patchContent)
	assert.NoError(t, err)
}

func TestTokenRoundTrip(t *testing.T) {
	signer, err := approval.NewSigner([]byte("test-secret"), time.Hour)
	require.NoError(t, err)

	a := grant(approval.ScopeCommit, approval.ScopePush)
	token, err := signer.Sign(a)
	require.NoError(t, err)

	got, err := signer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, a.RunID, got.RunID)
	assert.Equal(t, a.ApprovedBy, got.ApprovedBy)
	assert.Equal(t, a.Scope, got.Scope)
	assert.Equal(t, a.PatchHash, got.PatchHash)
}

func TestTokenTamperRejected(t *testing.T) {
	signer, err := approval.NewSigner([]byte("test-secret"), time.Hour)
	require.NoError(t, err)
	other, err := approval.NewSigner([]byte("other-secret"), time.Hour)
	require.NoError(t, err)

	token, err := signer.Sign(grant(approval.ScopeCommit))
	require.NoError(t, err)

	_, err = other.Verify(token)
	assert.Error(t, err)

	_, err = signer.Verify(token + "x")
	assert.Error(t, err)
}
