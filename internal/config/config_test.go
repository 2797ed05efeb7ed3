// internal/config/config_test.go
package config

import (
	"strings"
	"testing"
)

func TestSealUnsealAPIKey(t *testing.T) {
	llmConfig := map[string]string{"api_key": "sk-plaintext-key"}

	if err := sealAPIKey(llmConfig, "auth-secret"); err != nil {
		t.Fatalf("加密API密钥失败: %v", err)
	}
	if !strings.HasPrefix(llmConfig["api_key"], encPrefix) {
		t.Fatalf("密文缺少前缀: %q", llmConfig["api_key"])
	}

	// 重复加密不做二次处理
	sealed := llmConfig["api_key"]
	if err := sealAPIKey(llmConfig, "auth-secret"); err != nil {
		t.Fatalf("重复加密失败: %v", err)
	}
	if llmConfig["api_key"] != sealed {
		t.Error("已加密的密钥不应被再次加密")
	}

	if err := unsealAPIKey(llmConfig, "auth-secret"); err != nil {
		t.Fatalf("解密API密钥失败: %v", err)
	}
	if llmConfig["api_key"] != "sk-plaintext-key" {
		t.Errorf("解密结果 = %q，期望 sk-plaintext-key", llmConfig["api_key"])
	}
}

func TestSealAPIKeySkipsWithoutSecret(t *testing.T) {
	llmConfig := map[string]string{"api_key": "sk-plaintext-key"}

	// 未设置AUTH_SECRET时密钥原样落盘
	if err := sealAPIKey(llmConfig, ""); err != nil {
		t.Fatalf("无密钥加密不应报错: %v", err)
	}
	if llmConfig["api_key"] != "sk-plaintext-key" {
		t.Errorf("密钥被意外改写: %q", llmConfig["api_key"])
	}
}

func TestUnsealAPIKeyRequiresSecret(t *testing.T) {
	llmConfig := map[string]string{"api_key": "sk-plaintext-key"}
	if err := sealAPIKey(llmConfig, "auth-secret"); err != nil {
		t.Fatalf("加密失败: %v", err)
	}

	if err := unsealAPIKey(llmConfig, ""); err == nil {
		t.Fatal("密文存在但无AUTH_SECRET时解密应失败")
	}
	if err := unsealAPIKey(llmConfig, "wrong-secret"); err == nil {
		t.Fatal("错误AUTH_SECRET解密应失败")
	}
}

func TestUnsealAPIKeyPlaintextPassthrough(t *testing.T) {
	llmConfig := map[string]string{"api_key": "sk-plaintext-key"}

	if err := unsealAPIKey(llmConfig, "auth-secret"); err != nil {
		t.Fatalf("明文密钥应原样通过: %v", err)
	}
	if llmConfig["api_key"] != "sk-plaintext-key" {
		t.Errorf("明文密钥被改写: %q", llmConfig["api_key"])
	}
}
