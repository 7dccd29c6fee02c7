package executor

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// approvalClaims is the payload of an approval token: a one-shot,
// machine-to-machine capability minted by an external approver service for
// one specific ActionPlan, not a caller identity credential.
type approvalClaims struct {
	jwt.RegisteredClaims
	ActionPlanID string `json:"action_plan_id"`
	ApprovedBy   string `json:"approved_by"`
}

// ApprovalIssuer mints approval tokens. Only an external approver holding
// the shared secret can produce a token the executor will accept.
type ApprovalIssuer struct {
	secret []byte
	ttl    time.Duration
}

// NewApprovalIssuer builds an ApprovalIssuer.
func NewApprovalIssuer(secret []byte, ttl time.Duration) *ApprovalIssuer {
	return &ApprovalIssuer{secret: secret, ttl: ttl}
}

// Issue mints a signed approval token for actionPlanID, attributing the
// approval to approvedBy.
func (a *ApprovalIssuer) Issue(actionPlanID, approvedBy string) (string, error) {
	now := time.Now()
	claims := approvalClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			Subject:   actionPlanID,
		},
		ActionPlanID: actionPlanID,
		ApprovedBy:   approvedBy,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ApprovalVerifier verifies approval tokens against the same shared secret
// an ApprovalIssuer signs with.
type ApprovalVerifier struct {
	secret []byte
}

// NewApprovalVerifier builds an ApprovalVerifier.
func NewApprovalVerifier(secret []byte) *ApprovalVerifier {
	return &ApprovalVerifier{secret: secret}
}

// Verify checks that tokenString is a validly signed, unexpired approval for
// actionPlanID, returning the approver's identity.
func (v *ApprovalVerifier) Verify(tokenString, actionPlanID string) (approvedBy string, err error) {
	claims := &approvalClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Method)
		}
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid approval token: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("approval token failed validation")
	}
	if claims.ActionPlanID != actionPlanID {
		return "", fmt.Errorf("approval token is for plan %q, not %q", claims.ActionPlanID, actionPlanID)
	}
	return claims.ApprovedBy, nil
}
