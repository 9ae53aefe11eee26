package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dgrijalva/jwt-go"

	"github.com/rwadalebsar/tank-telemetry/internal/domain"
)

// Resolver разрешает bearer-токен во внешнюю учётную запись.
// Хранение учётных записей и выдача токенов - зона внешнего сервиса;
// здесь только проверка подписи и извлечение полей.
type Resolver struct {
	secret []byte
}

// Claims содержит поля токена, выданного сервисом авторизации
type Claims struct {
	Username         string `json:"username"`
	IsAdmin          bool   `json:"is_admin"`
	SubscriptionTier string `json:"subscription_tier"`
	jwt.StandardClaims
}

// NewResolver создаёт резолвер с общим секретом сервиса авторизации
func NewResolver(secret string) *Resolver {
	return &Resolver{secret: []byte(secret)}
}

// ResolvePrincipal проверяет bearer-токен и возвращает учётную запись.
// nil без ошибки не возвращается: любой сбой проверки - ошибка.
func (r *Resolver) ResolvePrincipal(bearer string) (*domain.Principal, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(bearer, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Username == "" {
		return nil, errors.New("token carries no username")
	}

	tier := domain.SubscriptionTier(claims.SubscriptionTier)
	if tier == "" {
		tier = domain.TierFree
	}

	return &domain.Principal{
		Username:         claims.Username,
		IsAdmin:          claims.IsAdmin,
		SubscriptionTier: tier,
	}, nil
}

// FromAuthorizationHeader извлекает bearer-токен из заголовка Authorization
func FromAuthorizationHeader(header string) (string, error) {
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", errors.New("invalid authorization format")
	}
	return parts[1], nil
}
