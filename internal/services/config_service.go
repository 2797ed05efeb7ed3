// internal/services/config_service.go
package services

import (
	"errors"
	"sync"
	"time"

	"github.com/Corphon/StorySimMCP/internal/config"
	"github.com/Corphon/StorySimMCP/internal/utils"
)

// ConfigService 运行期配置的读写入口
// 底层配置是进程级单例，这一层补充变更校验与变更记录
type ConfigService struct {
	mu            sync.RWMutex
	cachedConfig  *config.AppConfig
	changeHistory []ConfigChangeRecord
}

// ConfigChangeRecord 一次配置变更的记录
type ConfigChangeRecord struct {
	Timestamp time.Time `json:"timestamp"`
	ChangedBy string    `json:"changed_by"`
	Section   string    `json:"section"`
}

// NewConfigService 创建配置服务
func NewConfigService() *ConfigService {
	return &ConfigService{
		cachedConfig:  config.GetCurrentConfig(),
		changeHistory: make([]ConfigChangeRecord, 0, 16),
	}
}

// GetCurrentConfig 获取当前配置
func (s *ConfigService) GetCurrentConfig() *config.AppConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.cachedConfig == nil {
		s.cachedConfig = config.GetCurrentConfig()
	}
	return s.cachedConfig
}

// UpdateLLMConfig 更新LLM提供商与配置
// 缺省模型按提供商补齐，密钥缺失只告警不拒绝（未就绪状态由LLM服务上报）
func (s *ConfigService) UpdateLLMConfig(provider string, configMap map[string]string, changedBy string) error {
	if provider == "" {
		return errors.New("提供商不能为空")
	}

	if configMap["api_key"] == "" {
		utils.GetLogger().Warn("LLM配置缺少API密钥", map[string]interface{}{
			"provider": provider,
		})
	}

	if configMap["default_model"] == "" {
		switch provider {
		case "gemini":
			configMap["default_model"] = "gemini-2.5-flash"
		default:
			configMap["default_model"] = "gpt-4.1-mini"
		}
	}

	if err := config.UpdateLLMConfig(provider, configMap); err != nil {
		return err
	}

	s.mu.Lock()
	s.cachedConfig = config.GetCurrentConfig()
	s.recordChangeLocked("llm", changedBy)
	s.mu.Unlock()

	return nil
}

// SaveConfig 保存当前配置
func (s *ConfigService) SaveConfig() error {
	return config.SaveConfig()
}

// GetChangeHistory 返回最近的配置变更记录（最新在后）
func (s *ConfigService) GetChangeHistory(limit int) []ConfigChangeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.changeHistory) {
		limit = len(s.changeHistory)
	}

	history := make([]ConfigChangeRecord, limit)
	copy(history, s.changeHistory[len(s.changeHistory)-limit:])
	return history
}

// recordChangeLocked 追加变更记录，上限之外淘汰最旧的（调用方须持有写锁）
func (s *ConfigService) recordChangeLocked(section, changedBy string) {
	const maxHistory = 100

	if len(s.changeHistory) >= maxHistory {
		s.changeHistory = s.changeHistory[1:]
	}
	s.changeHistory = append(s.changeHistory, ConfigChangeRecord{
		Timestamp: time.Now(),
		ChangedBy: changedBy,
		Section:   section,
	})
}
