// Package auth validates the two credential kinds the relay accepts:
// signed session tokens from dashboard users and pairing tokens from print
// agents. Pairing tokens live in the database, session tokens are stateless.
package auth

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"riboost/print-relay/model"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Pairing tokens look like agent_<8 uppercase alphanumerics>_<32 hex chars>.
// The code segment is the agent's pairing code.
var agentTokenPattern = regexp.MustCompile(`^agent_([A-Z0-9]{8})_[a-f0-9]{32}$`)

var (
	// ErrFormat means the credential is malformed. Nothing was looked up,
	// retrying the same value can never succeed.
	ErrFormat = errors.New("malformed agent token")

	// ErrInvalidCredential means the credential parsed but doesn't match an
	// active token or a valid signature.
	ErrInvalidCredential = errors.New("invalid credential")
)

// SessionClaims are the verified claims of a dashboard session token.
type SessionClaims struct {
	UserID       string
	Email        string
	RestaurantID string
}

// AgentCredential is the result of a successful pairing-token validation.
type AgentCredential struct {
	TokenID     string
	PairingCode string
}

// Gate owns credential validation. The DB is only touched for agent
// pairing tokens.
type Gate struct {
	DB *gorm.DB
}

func NewGate(db *gorm.DB) *Gate {
	return &Gate{DB: db}
}

// VerifySession checks a session JWT against the shared secret. Callers
// decide what a failure means: websocket dashboards degrade to anonymous,
// protected HTTP routes reject.
func (g *Gate) VerifySession(raw string) (*SessionClaims, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %s", t.Method.Alg())
		}

		return []byte(viper.GetString("jwt.secret")), nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidCredential
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidCredential
	}

	exp, ok := claims["exp"].(float64)
	if !ok || time.Now().Unix() >= int64(exp) {
		return nil, ErrInvalidCredential
	}

	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return nil, ErrInvalidCredential
	}

	s := &SessionClaims{UserID: userID}
	if v, ok := claims["email"].(string); ok {
		s.Email = v
	}
	if v, ok := claims["restaurant_id"].(string); ok {
		s.RestaurantID = v
	}

	return s, nil
}

// ValidateAgentToken checks a pairing token in two phases: format first,
// then an exact-match lookup against active tokens. A format failure never
// reaches the database. On success the token's last-used marker is updated
// in the background; that update is allowed to fail without affecting the
// result already returned.
func (g *Gate) ValidateAgentToken(raw string) (*AgentCredential, error) {
	m := agentTokenPattern.FindStringSubmatch(raw)
	if m == nil {
		return nil, ErrFormat
	}

	var t model.AgentToken
	err := g.DB.Where("token = ? AND active = ?", raw, true).First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredential
		}

		return nil, fmt.Errorf("failed to look up agent token, %w", err)
	}

	go g.touchLastUsed(t.ID)

	return &AgentCredential{
		TokenID:     t.ID,
		PairingCode: t.PairingCode,
	}, nil
}

func (g *Gate) touchLastUsed(tokenID string) {
	now := time.Now()

	err := g.DB.
		Model(model.AgentToken{}).
		Where("id = ?", tokenID).
		Update("last_used_at", now).
		Error
	if err != nil {
		zap.L().Warn("Failed to update token last-used marker", zap.Error(err), zap.String("tokenID", tokenID))
	}
}

// MakeSessionToken signs a session JWT for a dashboard user.
func MakeSessionToken(userID, email, restaurantID string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"user_id": userID,
		"email":   email,
		"type":    "auth",
		"iat":     time.Now().Unix(),
		"exp":     time.Now().Add(ttl).Unix(),
	}
	if restaurantID != "" {
		claims["restaurant_id"] = restaurantID
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString([]byte(viper.GetString("jwt.secret")))
}
