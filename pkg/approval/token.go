package approval

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mergeflow/mergeflow/pkg/fault"
)

// tokenIssuer is the iss claim on signed approval tokens.
const tokenIssuer = "mergeflow-approvals"

// claims is the JWT payload carrying an approval record.
type claims struct {
	Scope     []Scope `json:"scope"`
	PatchHash string  `json:"patchHash"`
	Comment   string  `json:"comment,omitempty"`
	jwt.RegisteredClaims
}

// Signer mints and verifies signed approval tokens so approvals can cross
// process boundaries (e.g. from a review UI to a worker) without a shared
// database.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner creates a signer with the given HMAC secret and token lifetime.
func NewSigner(secret []byte, ttl time.Duration) (*Signer, error) {
	if len(secret) == 0 {
		return nil, fault.Newf(fault.CodeMisconfigured, "approval signing secret must not be empty")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Signer{secret: secret, ttl: ttl, now: time.Now}, nil
}

// Sign serializes an approval into a signed compact JWT.
func (s *Signer) Sign(a *Approval) (string, error) {
	now := s.now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Scope:     a.Scope,
		PatchHash: a.PatchHash,
		Comment:   a.Comment,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   a.ApprovedBy,
			Audience:  jwt.ClaimStrings{a.RunID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("approval: failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses a token and reconstructs the approval it carries. Expired
// or tampered tokens are rejected.
func (s *Signer) Verify(tokenString string) (*Approval, error) {
	var c claims
	token, err := jwt.ParseWithClaims(tokenString, &c,
		func(t *jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(func() time.Time { return s.now() }),
	)
	if err != nil {
		return nil, fault.Wrap(fault.CodeScopeMismatch,
			fmt.Errorf("approval token rejected: %w", err))
	}
	if !token.Valid || len(c.Audience) != 1 {
		return nil, fault.Newf(fault.CodeScopeMismatch, "approval token rejected")
	}
	return &Approval{
		RunID:      c.Audience[0],
		ApprovedAt: c.IssuedAt.Time,
		ApprovedBy: c.Subject,
		Scope:      c.Scope,
		PatchHash:  c.PatchHash,
		Comment:    c.Comment,
	}, nil
}
