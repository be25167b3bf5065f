package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Identity 已認證的身分
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

// IdentityResolver 由 bearer token 解析身分
type IdentityResolver interface {
	Resolve(ctx context.Context, token string) (*Identity, error)
}

// Claims JWT claims
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// JWTManager 簽發與驗證 HMAC JWT
type JWTManager struct {
	secret   []byte
	issuer   string
	duration time.Duration
}

// NewJWTManager 創建 JWT 管理器
func NewJWTManager(secret, issuer string, duration time.Duration) *JWTManager {
	if duration <= 0 {
		duration = 24 * time.Hour
	}
	return &JWTManager{secret: []byte(secret), issuer: issuer, duration: duration}
}

// GenerateToken 簽發 token（測試與內部工具使用）
func (m *JWTManager) GenerateToken(id Identity) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: id.ID,
		Email:  id.Email,
		Name:   id.Name,
		Role:   id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.duration)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Resolve 驗證 token 並回傳身分
func (m *JWTManager) Resolve(_ context.Context, tokenString string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if m.issuer != "" && claims.Issuer != m.issuer {
		return nil, errors.New("invalid token issuer")
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return nil, errors.New("token without subject")
	}

	return &Identity{ID: userID, Email: claims.Email, Name: claims.Name, Role: claims.Role}, nil
}

const identityKey = "identity"

// Authenticate 解析 Authorization header. required 為 true 時缺少或無效的 token 回傳 401；
// 否則匿名請求可通過，但無效的 token 仍被拒絕.
func Authenticate(resolver IdentityResolver, required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			if required {
				abortUnauthorized(c, "未提供認證 token")
				return
			}
			c.Next()
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			abortUnauthorized(c, "無效的認證格式")
			return
		}

		identity, err := resolver.Resolve(c.Request.Context(), parts[1])
		if err != nil {
			abortUnauthorized(c, "認證失敗")
			return
		}

		c.Set(identityKey, identity)
		if meta := GetRequestMetadataFromGin(c); meta != nil {
			meta.UserID = identity.ID
		}

		c.Next()
	}
}

// CurrentIdentity 取得目前請求的身分
func CurrentIdentity(c *gin.Context) (*Identity, bool) {
	value, exists := c.Get(identityKey)
	if !exists {
		return nil, false
	}
	identity, ok := value.(*Identity)
	return identity, ok && identity != nil
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"success":    false,
		"error":      gin.H{"code": "UNAUTHORIZED", "message": message},
		"request_id": GetRequestID(c),
	})
}
