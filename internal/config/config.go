// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/Corphon/StorySimMCP/internal/utils"
	"github.com/joho/godotenv"
)

// encPrefix 标记config.json中已加密的API密钥
const encPrefix = "enc:"

// 当前配置的单例实例
var (
	currentConfig *AppConfig
	configMutex   sync.RWMutex
	configFile    string
)

// AppConfig 包含应用程序的所有配置
type AppConfig struct {
	// 基础配置
	Port      string `json:"port"`
	DataDir   string `json:"data_dir"`
	StaticDir string `json:"static_dir"`
	LogDir    string `json:"log_dir"`
	DebugMode bool   `json:"debug_mode"`

	// 认证配置
	AuthSecret string `json:"auth_secret,omitempty"`

	// 生成券配置：每位用户每日可用的故事生成次数
	DailyTickets int `json:"daily_tickets"`

	// LLM相关配置
	LLMProvider string            `json:"llm_provider"`
	LLMConfig   map[string]string `json:"llm_config"`
}

// Config 存储应用配置
type Config struct {
	Port         string
	DataDir      string
	StaticDir    string
	LogDir       string
	DebugMode    bool
	AuthSecret   string
	DailyTickets int
	OpenAIAPIKey string
	GeminiAPIKey string
}

// Load 从环境变量加载配置
func Load() (*Config, error) {
	// 尝试加载.env文件（可选）
	godotenv.Load()

	config := &Config{
		Port:         getEnv("PORT", "8080"),
		DataDir:      getEnvPath("DATA_DIR", "data"),
		StaticDir:    getEnvPath("STATIC_DIR", "static"),
		LogDir:       getEnvPath("LOG_DIR", "logs"),
		DebugMode:    getEnvBool("DEBUG_MODE", true),
		AuthSecret:   getEnv("AUTH_SECRET", ""),
		DailyTickets: getEnvInt("DAILY_TICKETS", 3),
		OpenAIAPIKey: getEnv("OPENAI_API_KEY", ""),
		GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),
	}

	if config.OpenAIAPIKey == "" && config.GeminiAPIKey == "" {
		// 只记录警告，不返回错误：未配置密钥时生成功能不可用，播放不受影响
		log.Println("警告: 未设置LLM API密钥，故事生成功能将不可用")
	}

	return config, nil
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvPath 获取环境变量表示的路径，如果不存在则返回默认值
func getEnvPath(key, defaultValue string) string {
	path := getEnv(key, defaultValue)

	// 确保目录存在
	if _, err := os.Stat(path); os.IsNotExist(err) {
		err = os.MkdirAll(path, 0755)
		if err != nil {
			fmt.Printf("警告: 创建目录失败 %s: %v\n", path, err)
		}
	}

	return path
}

// getEnvBool 获取布尔类型环境变量
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	return value == "true" || value == "1" || value == "yes"
}

// getEnvInt 获取整型环境变量
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

// InitConfig 初始化配置管理器
func InitConfig(dataDir string) error {
	configFile = filepath.Join(dataDir, "config.json")

	// 加载基础配置
	baseConfig, err := Load()
	if err != nil {
		return err
	}

	configMutex.Lock()
	defer configMutex.Unlock()

	provider := "openai"
	apiKey := baseConfig.OpenAIAPIKey
	if apiKey == "" && baseConfig.GeminiAPIKey != "" {
		provider = "gemini"
		apiKey = baseConfig.GeminiAPIKey
	}

	currentConfig = &AppConfig{
		Port:         baseConfig.Port,
		DataDir:      baseConfig.DataDir,
		StaticDir:    baseConfig.StaticDir,
		LogDir:       baseConfig.LogDir,
		DebugMode:    baseConfig.DebugMode,
		AuthSecret:   baseConfig.AuthSecret,
		DailyTickets: baseConfig.DailyTickets,
		LLMProvider:  provider,
		LLMConfig: map[string]string{
			"api_key": apiKey,
		},
	}

	// 尝试从文件加载已保存的配置
	if _, err := os.Stat(configFile); !os.IsNotExist(err) {
		data, err := os.ReadFile(configFile)
		if err == nil {
			var savedConfig AppConfig
			if json.Unmarshal(data, &savedConfig) == nil {
				// 合并配置：保留文件中的LLM设置，基础配置以环境变量为准
				savedConfig.Port = baseConfig.Port
				savedConfig.DataDir = baseConfig.DataDir
				savedConfig.StaticDir = baseConfig.StaticDir
				savedConfig.LogDir = baseConfig.LogDir
				savedConfig.DebugMode = baseConfig.DebugMode
				savedConfig.AuthSecret = baseConfig.AuthSecret
				if savedConfig.DailyTickets <= 0 {
					savedConfig.DailyTickets = baseConfig.DailyTickets
				}

				// 落盘的密钥是密文，解密失败按未配置处理
				if savedConfig.LLMConfig != nil {
					if err := unsealAPIKey(savedConfig.LLMConfig, savedConfig.AuthSecret); err != nil {
						log.Printf("警告: 解密已保存的API密钥失败，已忽略: %v", err)
						savedConfig.LLMConfig["api_key"] = ""
					}
				}

				// 如果文件中没有API密钥，使用环境变量的密钥
				if savedConfig.LLMConfig != nil && savedConfig.LLMConfig["api_key"] == "" {
					savedConfig.LLMConfig["api_key"] = apiKey
				}

				currentConfig = &savedConfig
			}
		}
	}

	// 保存初始配置到文件
	return SaveConfig()
}

// GetCurrentConfig 返回当前配置的副本
func GetCurrentConfig() *AppConfig {
	configMutex.RLock()
	defer configMutex.RUnlock()

	if currentConfig == nil {
		// 紧急情况，返回一个基本配置
		baseConfig, _ := Load()
		return &AppConfig{
			Port:         baseConfig.Port,
			DataDir:      baseConfig.DataDir,
			StaticDir:    baseConfig.StaticDir,
			LogDir:       baseConfig.LogDir,
			DebugMode:    baseConfig.DebugMode,
			AuthSecret:   baseConfig.AuthSecret,
			DailyTickets: baseConfig.DailyTickets,
			LLMProvider:  "openai",
			LLMConfig: map[string]string{
				"api_key": baseConfig.OpenAIAPIKey,
			},
		}
	}

	// 返回配置的副本
	configCopy := *currentConfig
	return &configCopy
}

// UpdateLLMConfig 更新LLM配置
func UpdateLLMConfig(provider string, config map[string]string) error {
	configMutex.Lock()
	defer configMutex.Unlock()

	if currentConfig == nil {
		return fmt.Errorf("配置系统未初始化")
	}

	currentConfig.LLMProvider = provider
	currentConfig.LLMConfig = config

	return SaveConfig()
}

// SaveConfig 保存当前配置到文件
// 落盘副本中的API密钥以AES-GCM密文存储，密钥取AuthSecret
func SaveConfig() error {
	if currentConfig == nil {
		return fmt.Errorf("没有配置可保存")
	}

	// 确保目录存在
	dir := filepath.Dir(configFile)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("创建配置目录失败: %w", err)
		}
	}

	// 加密操作在副本上进行，内存中的配置保持明文
	onDisk := *currentConfig
	if currentConfig.LLMConfig != nil {
		onDisk.LLMConfig = make(map[string]string, len(currentConfig.LLMConfig))
		for k, v := range currentConfig.LLMConfig {
			onDisk.LLMConfig[k] = v
		}
		if err := sealAPIKey(onDisk.LLMConfig, currentConfig.AuthSecret); err != nil {
			return fmt.Errorf("加密API密钥失败: %w", err)
		}
	}

	// 序列化并保存
	data, err := json.MarshalIndent(&onDisk, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}

	return os.WriteFile(configFile, data, 0600)
}

// sealAPIKey 将明文API密钥替换为密文，AuthSecret未设置时保持明文
func sealAPIKey(llmConfig map[string]string, secret string) error {
	apiKey := llmConfig["api_key"]
	if apiKey == "" || secret == "" || strings.HasPrefix(apiKey, encPrefix) {
		return nil
	}

	encrypted, err := utils.Encrypt(apiKey, secret)
	if err != nil {
		return err
	}
	llmConfig["api_key"] = encPrefix + encrypted
	return nil
}

// unsealAPIKey 将密文API密钥还原为明文，明文密钥原样保留
func unsealAPIKey(llmConfig map[string]string, secret string) error {
	apiKey := llmConfig["api_key"]
	if !strings.HasPrefix(apiKey, encPrefix) {
		return nil
	}
	if secret == "" {
		return fmt.Errorf("API密钥已加密但未设置AUTH_SECRET")
	}

	plaintext, err := utils.Decrypt(strings.TrimPrefix(apiKey, encPrefix), secret)
	if err != nil {
		return err
	}
	llmConfig["api_key"] = plaintext
	return nil
}
