package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerifyApproval(t *testing.T) {
	secret := []byte("test-secret")
	issuer := NewApprovalIssuer(secret, time.Hour)
	verifier := NewApprovalVerifier(secret)

	token, err := issuer.Issue("plan-1", "oncall@example.com")
	require.NoError(t, err)

	approvedBy, err := verifier.Verify(token, "plan-1")
	require.NoError(t, err)
	assert.Equal(t, "oncall@example.com", approvedBy)
}

func TestVerifyRejectsWrongPlan(t *testing.T) {
	secret := []byte("test-secret")
	issuer := NewApprovalIssuer(secret, time.Hour)
	verifier := NewApprovalVerifier(secret)

	token, err := issuer.Issue("plan-1", "oncall@example.com")
	require.NoError(t, err)

	_, err = verifier.Verify(token, "plan-2")
	assert.Error(t, err)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	issuer := NewApprovalIssuer([]byte("secret-a"), time.Hour)
	verifier := NewApprovalVerifier([]byte("secret-b"))

	token, err := issuer.Issue("plan-1", "oncall@example.com")
	require.NoError(t, err)

	_, err = verifier.Verify(token, "plan-1")
	assert.Error(t, err)
}

func TestVerifyRejectsExpired(t *testing.T) {
	secret := []byte("test-secret")
	issuer := NewApprovalIssuer(secret, -time.Minute)
	verifier := NewApprovalVerifier(secret)

	token, err := issuer.Issue("plan-1", "oncall@example.com")
	require.NoError(t, err)

	_, err = verifier.Verify(token, "plan-1")
	assert.Error(t, err)
}
