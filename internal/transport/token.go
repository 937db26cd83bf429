package transport

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ResumeClaims описывает подписанный токен возобновления сессии.
// Переподключение с валидным токеном восстанавливает ту же логическую
// сессию (та же комната и тот же идентификатор сущности), поэтому
// остальным компонентам не приходится сбрасывать своё состояние.
type ResumeClaims struct {
	EntityID string `json:"entity_id"`
	RoomID   string `json:"room_id"`
	jwt.RegisteredClaims
}

// IssueResumeToken выпускает токен возобновления для сессии
func IssueResumeToken(secret []byte, entityID, roomID string, ttl time.Duration) (string, error) {
	claims := &ResumeClaims{
		EntityID: entityID,
		RoomID:   roomID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("ошибка подписи токена: %w", err)
	}
	return signed, nil
}

// ParseResumeToken проверяет подпись и срок действия токена
func ParseResumeToken(secret []byte, tokenString string) (*ResumeClaims, error) {
	claims := &ResumeClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("неожиданный метод подписи: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка проверки токена: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("токен недействителен")
	}
	return claims, nil
}
