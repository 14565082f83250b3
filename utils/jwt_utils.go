package utils

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/xerrors"

	"checkin/live/models"
)

const tokenIssuer = "checkin-live"

// ErrUnauthorized is returned for any credential that does not verify.
var ErrUnauthorized = xerrors.New("unauthorized")

// Claims carries the principal in a signed token. Subject holds the user.
type Claims struct {
	Role      string `json:"role"`
	SessionID string `json:"session_id,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier is the authentication collaborator: it turns a bearer
// token into a principal or refuses it.
type TokenVerifier struct {
	secret []byte
}

func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret)}
}

// Verify parses and validates a token string. Every failure wraps
// ErrUnauthorized.
func (v *TokenVerifier) Verify(tokenString string) (*models.Principal, error) {
	if tokenString == "" {
		return nil, xerrors.Errorf("empty token: %w", ErrUnauthorized)
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, xerrors.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, xerrors.Errorf("invalid token: %v: %w", err, ErrUnauthorized)
	}
	if !token.Valid {
		return nil, xerrors.Errorf("token is not valid: %w", ErrUnauthorized)
	}
	if claims.Subject == "" {
		return nil, xerrors.Errorf("token has no subject: %w", ErrUnauthorized)
	}

	return &models.Principal{
		Subject:   claims.Subject,
		Role:      claims.Role,
		SessionID: claims.SessionID,
	}, nil
}

// TokenIssuer signs tokens the TokenVerifier accepts.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (i *TokenIssuer) TTL() time.Duration {
	return i.ttl
}

// Issue generates a signed token for the principal.
func (i *TokenIssuer) Issue(p models.Principal) (string, error) {
	now := i.now()
	claims := &Claims{
		Role:      p.Role,
		SessionID: p.SessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
			Subject:   p.Subject,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(i.secret)
	if err != nil {
		return "", xerrors.Errorf("sign token: %w", err)
	}
	return tokenString, nil
}
