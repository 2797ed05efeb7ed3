// internal/auth/auth_test.go
package auth

import (
	"strings"
	"testing"
	"time"
)

func testConfig() *TokenConfig {
	return &TokenConfig{
		Secret:     []byte("test-secret-key"),
		Expiration: time.Hour,
	}
}

func TestTokenRoundTrip(t *testing.T) {
	cfg := testConfig()

	tokenString, err := GenerateToken("user_123", cfg)
	if err != nil {
		t.Fatalf("签发令牌失败: %v", err)
	}

	token, err := ParseToken(tokenString, cfg)
	if err != nil {
		t.Fatalf("解析令牌失败: %v", err)
	}
	if token.UserID != "user_123" {
		t.Errorf("用户ID = %q，期望 user_123", token.UserID)
	}
	if token.ExpiresAt <= token.IssuedAt {
		t.Errorf("过期时间应晚于签发时间: expires=%d issued=%d", token.ExpiresAt, token.IssuedAt)
	}
}

func TestTokenWrongSecret(t *testing.T) {
	tokenString, err := GenerateToken("user_123", testConfig())
	if err != nil {
		t.Fatalf("签发令牌失败: %v", err)
	}

	other := &TokenConfig{Secret: []byte("another-secret"), Expiration: time.Hour}
	if _, err := ParseToken(tokenString, other); err == nil {
		t.Fatal("错误密钥解析应失败")
	}
}

func TestTokenTampered(t *testing.T) {
	cfg := testConfig()

	tokenString, err := GenerateToken("user_123", cfg)
	if err != nil {
		t.Fatalf("签发令牌失败: %v", err)
	}

	// 改动载荷的一个字符，签名校验必须拒绝
	parts := strings.Split(tokenString, ".")
	tampered := parts[0][:len(parts[0])-2] + "xx" + "." + parts[1]
	if _, err := ParseToken(tampered, cfg); err == nil {
		t.Fatal("被篡改的令牌解析应失败")
	}
}

func TestTokenExpired(t *testing.T) {
	cfg := &TokenConfig{Secret: []byte("test-secret-key"), Expiration: -time.Minute}

	tokenString, err := GenerateToken("user_123", cfg)
	if err != nil {
		t.Fatalf("签发令牌失败: %v", err)
	}

	if _, err := ParseToken(tokenString, cfg); err == nil {
		t.Fatal("过期令牌解析应失败")
	}
}

func TestTokenMissingSecret(t *testing.T) {
	cfg := &TokenConfig{Expiration: time.Hour}

	if _, err := GenerateToken("user_123", cfg); err == nil {
		t.Fatal("无密钥签发应失败")
	}
	if _, err := ParseToken("abc.def", cfg); err == nil {
		t.Fatal("无密钥解析应失败")
	}
}

func TestTokenMalformed(t *testing.T) {
	cfg := testConfig()

	for _, tokenString := range []string{"", "onlyonepart", "a.b.c", "!!!.###"} {
		if _, err := ParseToken(tokenString, cfg); err == nil {
			t.Errorf("畸形令牌 %q 解析应失败", tokenString)
		}
	}
}

func TestGenerateSecureKey(t *testing.T) {
	key, err := GenerateSecureKey(0)
	if err != nil {
		t.Fatalf("生成密钥失败: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("缺省密钥长度 = %d，期望 32", len(key))
	}

	a, _ := GenerateSecureKey(16)
	b, _ := GenerateSecureKey(16)
	if string(a) == string(b) {
		t.Error("两次生成的密钥不应相同")
	}
}
