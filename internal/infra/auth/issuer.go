package auth

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/xela07ax/guardian-gateway/internal/domain"
)

// TokenResponse — выпущенный токен.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Issuer подписывает токены закрытым ключом. Пользователей шлюз не хранит:
// в проде токены выпускает внешний IdP, Issuer нужен для локальной работы и тестов.
type Issuer struct {
	privateKey *rsa.PrivateKey
	issuer     string
	ttl        time.Duration
	now        func() time.Time
}

func NewIssuer(privateKey *rsa.PrivateKey, issuer string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Issuer{privateKey: privateKey, issuer: issuer, ttl: ttl, now: time.Now}
}

func (i *Issuer) Issue(userID, org, account string, scopes ...string) (*TokenResponse, error) {
	if org == "" || account == "" {
		return nil, fmt.Errorf("%w: org and account are required", domain.ErrValidation)
	}

	// 1. Формирование Claims
	now := i.now()
	expiresAt := now.Add(i.ttl)
	claims := &domain.CustomClaims{
		UserID:    userID,
		OrgID:     org,
		AccountID: account,
		Scopes:    make(map[string]bool, len(scopes)),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	for _, s := range scopes {
		claims.Scopes[s] = true
	}

	// 2. Подпись токена ЗАКРЫТЫМ КЛЮЧОМ (RS256)
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(i.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &TokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(i.ttl.Seconds()),
	}, nil
}
