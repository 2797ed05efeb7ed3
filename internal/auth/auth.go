// internal/auth/auth.go
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TokenConfig 令牌签发配置
type TokenConfig struct {
	Secret     []byte
	Expiration time.Duration
}

// Token 已解析的认证令牌
type Token struct {
	UserID    string `json:"user_id"`
	ExpiresAt int64  `json:"expires_at"`
	IssuedAt  int64  `json:"issued_at"`
}

// GenerateToken 签发HMAC-SHA256令牌
// 格式：base64(userID|expiresAt|issuedAt).base64(signature)
func GenerateToken(userID string, config *TokenConfig) (string, error) {
	if len(config.Secret) == 0 {
		return "", fmt.Errorf("缺少签名密钥")
	}

	now := time.Now()
	payload := fmt.Sprintf("%s|%d|%d", userID, now.Add(config.Expiration).Unix(), now.Unix())

	h := hmac.New(sha256.New, config.Secret)
	h.Write([]byte(payload))
	signature := h.Sum(nil)

	return base64.URLEncoding.EncodeToString([]byte(payload)) + "." +
		base64.URLEncoding.EncodeToString(signature), nil
}

// ParseToken 校验签名与有效期并还原令牌
func ParseToken(tokenString string, config *TokenConfig) (*Token, error) {
	if len(config.Secret) == 0 {
		return nil, fmt.Errorf("缺少签名密钥")
	}

	parts := strings.Split(tokenString, ".")
	if len(parts) != 2 {
		return nil, fmt.Errorf("令牌格式无效")
	}

	payloadBytes, err := base64.URLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("令牌载荷无效: %w", err)
	}
	signatureBytes, err := base64.URLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("令牌签名无效: %w", err)
	}

	h := hmac.New(sha256.New, config.Secret)
	h.Write(payloadBytes)
	if !hmac.Equal(signatureBytes, h.Sum(nil)) {
		return nil, fmt.Errorf("令牌签名无效")
	}

	payloadParts := strings.Split(string(payloadBytes), "|")
	if len(payloadParts) != 3 {
		return nil, fmt.Errorf("令牌载荷格式无效")
	}

	expiresAt, err := strconv.ParseInt(payloadParts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("令牌载荷格式无效")
	}
	issuedAt, err := strconv.ParseInt(payloadParts[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("令牌载荷格式无效")
	}

	if time.Now().Unix() > expiresAt {
		return nil, fmt.Errorf("令牌已过期")
	}

	return &Token{
		UserID:    payloadParts[0],
		ExpiresAt: expiresAt,
		IssuedAt:  issuedAt,
	}, nil
}

// GenerateSecureKey 生成用于令牌签名的随机密钥
func GenerateSecureKey(length int) ([]byte, error) {
	if length <= 0 {
		length = 32
	}

	key := make([]byte, length)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}
