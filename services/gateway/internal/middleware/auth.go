// Package middleware содержит HTTP middleware для API Gateway.
package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"example.com/delivery-platform/pkg/jwt"
	"example.com/delivery-platform/pkg/logger"
	"example.com/delivery-platform/services/gateway/internal/httputil"
)

// TokenValidator — интерфейс валидации Bearer токенов.
// Позволяет мокировать jwt.Manager в тестах.
type TokenValidator interface {
	ValidateWithBlacklist(ctx context.Context, tokenString string) (*jwt.Claims, error)
}

// AuthMiddleware проверяет Bearer токены входящих запросов.
// Принципал непрозрачен для gateway: проверяются только подпись,
// срок действия и blacklist отозванных токенов.
type AuthMiddleware struct {
	validator TokenValidator
}

// NewAuthMiddleware создаёт middleware аутентификации.
// Обычно validator — это *jwt.Manager с подключённым blacklist.
func NewAuthMiddleware(validator TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{validator: validator}
}

// Handle возвращает Gin handler function для middleware.
func (m *AuthMiddleware) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		log := logger.FromContext(ctx)

		token := httputil.ExtractBearerToken(c)
		if token == "" {
			log.Debug().Msg("Отсутствует токен авторизации")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Требуется авторизация",
			})
			return
		}

		claims, err := m.validator.ValidateWithBlacklist(ctx, token)
		if err != nil {
			log.Warn().Err(err).Msg("Ошибка валидации токена")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Невалидный токен",
			})
			return
		}

		// Сохраняем принципала в контекст Gin
		c.Set("principal_id", claims.PrincipalID)
		c.Set("jti", claims.ID)

		log.Debug().
			Str("principal_id", claims.PrincipalID).
			Str("jti", claims.ID).
			Msg("Запрос аутентифицирован")

		c.Next()
	}
}
