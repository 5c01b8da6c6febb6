package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

const (
	RoleUser    = "user"
	RoleAdmin   = "admin"
	RoleService = "service"

	// HS256 keys shorter than the hash output are rejected by go-jose.
	minSecretLength = 32
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrWeakSecret   = errors.New("jwt secret must be at least 32 bytes")
)

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Role   string
}

type customClaims struct {
	Role string `json:"role"`
}

// Resolver maps a bearer credential to an Identity.
type Resolver struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewResolver(secret, issuer string) (*Resolver, error) {
	if len(secret) < minSecretLength {
		return nil, ErrWeakSecret
	}
	return &Resolver{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

func (r *Resolver) Resolve(raw string) (*Identity, error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	var std jwt.Claims
	var custom customClaims
	if err := tok.Claims(r.secret, &std, &custom); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	err = std.ValidateWithLeeway(jwt.Expected{Issuer: r.issuer, Time: r.now()}, 30*time.Second)
	if err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if std.Expiry == nil || std.Subject == "" {
		return nil, fmt.Errorf("%w: subject and expiry are required", ErrInvalidToken)
	}

	role := custom.Role
	if role == "" {
		role = RoleUser
	}
	return &Identity{UserID: std.Subject, Role: role}, nil
}

// Issue signs a token for userID. Used by operators and tests to mint
// credentials; production tokens come from the identity provider.
func (r *Resolver) Issue(userID, role string, ttl time.Duration) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: r.secret},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}

	now := r.now()
	std := jwt.Claims{
		Issuer:   r.issuer,
		Subject:  userID,
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.Signed(signer).Claims(std).Claims(customClaims{Role: role}).Serialize()
}
