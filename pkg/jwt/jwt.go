// Package jwt предоставляет валидацию Bearer токенов на основе HS256.
// Gateway не управляет пользователями: принципал для него непрозрачен,
// токен лишь подтверждает, что запрос пришёл от известного клиента.
package jwt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Ошибки валидации токенов.
var (
	ErrTokenInvalid = errors.New("невалидный токен")
	ErrTokenRevoked = errors.New("токен отозван")
)

// Claims содержит данные Bearer токена.
type Claims struct {
	jwt.RegisteredClaims
	PrincipalID string `json:"principal_id"`   // ID принципала (непрозрачный для gateway)
	Role        string `json:"role,omitempty"` // Роль (опционально)
}

// Manager валидирует и выпускает Bearer токены.
type Manager struct {
	secret    []byte
	blacklist *Blacklist // Blacklist для отзыва токенов (опционально)
	issuer    string
	tokenTTL  time.Duration
}

// Config содержит параметры для создания Manager.
type Config struct {
	Secret   string        // Общий секрет HS256 (обязательно)
	Issuer   string        // Издатель токена
	TokenTTL time.Duration // Время жизни выпускаемых токенов
}

// NewManager создаёт менеджер Bearer токенов.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("не задан секрет для валидации токенов")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 15 * time.Minute
	}

	return &Manager{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		tokenTTL: cfg.TokenTTL,
	}, nil
}

// SetBlacklist устанавливает blacklist для проверки отозванных токенов.
func (m *Manager) SetBlacklist(bl *Blacklist) {
	m.blacklist = bl
}

// Blacklist возвращает blacklist (для операций Add, InvalidatePrincipal).
func (m *Manager) Blacklist() *Blacklist {
	return m.blacklist
}

// TokenTTL возвращает время жизни выпускаемых токенов.
func (m *Manager) TokenTTL() time.Duration {
	return m.tokenTTL
}

// Generate выпускает токен для принципала.
// Используется dev-утилитами и тестами; в production токены выпускает
// внешний identity provider с тем же секретом.
func (m *Manager) Generate(principalID, role string) (string, *Claims, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(), // jti — уникальный идентификатор токена
			Issuer:    m.issuer,
			Subject:   principalID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenTTL)),
		},
		PrincipalID: principalID,
		Role:        role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", nil, fmt.Errorf("ошибка подписи токена: %w", err)
	}

	return signed, &claims, nil
}

// ValidateToken проверяет подпись и срок действия токена, возвращает claims.
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Принимаем только HMAC: RS256→HS256 downgrade-атаки исключены
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("неожиданный алгоритм подписи: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}

	// sub заполняют внешние issuer'ы, principal_id — наш Generate
	if claims.PrincipalID == "" {
		claims.PrincipalID = claims.Subject
	}

	return claims, nil
}

// ValidateWithBlacklist проверяет токен + blacklist.
// Возвращает ErrTokenRevoked, если токен или принципал отозваны.
func (m *Manager) ValidateWithBlacklist(ctx context.Context, tokenString string) (*Claims, error) {
	claims, err := m.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}

	if m.blacklist == nil {
		return claims, nil
	}

	// Отзыв конкретного токена по jti
	revoked, err := m.blacklist.Check(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("ошибка проверки blacklist: %w", err)
	}
	if revoked {
		return nil, ErrTokenRevoked
	}

	// Массовый отзыв: все токены принципала, выданные до инвалидации
	if claims.IssuedAt != nil {
		invalidated, err := m.blacklist.IsPrincipalInvalidated(ctx, claims.PrincipalID, claims.IssuedAt.Time)
		if err != nil {
			return nil, fmt.Errorf("ошибка проверки инвалидации принципала: %w", err)
		}
		if invalidated {
			return nil, fmt.Errorf("%w: все токены принципала отозваны", ErrTokenRevoked)
		}
	}

	return claims, nil
}
