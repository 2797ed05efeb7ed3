// internal/app/app.go
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Corphon/StorySimMCP/internal/api"
	"github.com/Corphon/StorySimMCP/internal/config"
	"github.com/Corphon/StorySimMCP/internal/di"
	"github.com/Corphon/StorySimMCP/internal/services"
	"github.com/Corphon/StorySimMCP/internal/storage"
	"github.com/Corphon/StorySimMCP/internal/utils"
)

// Server 抽象HTTP服务器，便于测试替换
type Server interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// App 应用程序实例
type App struct {
	config   *config.AppConfig
	router   http.Handler
	server   Server
	stopChan chan os.Signal
}

// 全局应用实例（单例）
var instance *App

// GetApp 获取应用实例
func GetApp() *App {
	if instance == nil {
		instance = &App{
			stopChan: make(chan os.Signal, 1),
		}
	}
	return instance
}

// GetConfig 返回应用配置
func (a *App) GetConfig() *config.AppConfig {
	return a.config
}

// GetDIContainer 获取依赖注入容器
func GetDIContainer() *di.Container {
	return di.GetContainer()
}

// IsDebugMode 返回应用是否处于调试模式
func IsDebugMode() bool {
	if instance == nil || instance.config == nil {
		return false
	}
	return instance.config.DebugMode
}

// InitServices 按依赖顺序初始化并注册所有服务
//
// 顺序：文件存储 → 故事/用户/生成券/统计 → LLM → 生成 → 播放。
// LLM未配置时注册未就绪的服务实例，播放功能不受影响。
func InitServices() error {
	container := di.GetContainer()
	cfg := config.GetCurrentConfig()
	if cfg == nil {
		return fmt.Errorf("配置未初始化")
	}

	// 基础设施：文件存储
	fileStorage, err := storage.NewFileStorage(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("初始化文件存储失败: %w", err)
	}
	container.Register("fileStorage", fileStorage)

	// 基础服务
	storyService := services.NewStoryService(fileStorage)
	container.Register("story", storyService)

	userService := services.NewUserService(fileStorage)
	container.Register("user", userService)

	ticketService := services.NewTicketService(fileStorage, cfg.DailyTickets)
	container.Register("ticket", ticketService)

	statsService := services.NewStatsService(cfg.DataDir)
	container.Register("stats", statsService)

	container.Register("config", services.NewConfigService())

	// LLM服务：初始化失败降级为未就绪服务，不阻止启动
	llmService, err := services.NewLLMService()
	if err != nil || llmService == nil {
		utils.GetLogger().Warn("LLM服务初始化失败，使用空服务", map[string]interface{}{
			"err": err,
		})
		llmService = services.NewEmptyLLMService()
	}
	container.Register("llm", llmService)

	// 依赖服务
	generationService := services.NewGenerationService(llmService, storyService, ticketService, statsService)
	container.Register("generation", generationService)

	playService := services.NewPlayService(storyService, statsService, ticketService)
	container.Register("play", playService)

	return nil
}

// Initialize 初始化应用：配置、日志、服务
func Initialize(dataDir string) error {
	if err := config.InitConfig(dataDir); err != nil {
		return fmt.Errorf("初始化配置失败: %w", err)
	}

	cfg := config.GetCurrentConfig()
	GetApp().config = cfg

	if err := initLogger(cfg.LogDir); err != nil {
		return fmt.Errorf("初始化日志系统失败: %w", err)
	}

	if err := InitServices(); err != nil {
		return fmt.Errorf("初始化服务失败: %w", err)
	}

	return nil
}

// initLogger 初始化日志系统，日志文件按天命名
func initLogger(logDir string) error {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("创建日志目录失败: %w", err)
	}

	logFile := filepath.Join(logDir, fmt.Sprintf("app_%s.log", time.Now().Format("2006-01-02")))
	return utils.InitLogger(logFile)
}

// SetRouter 设置HTTP路由
func (a *App) SetRouter(router http.Handler) {
	a.router = router
}

// Run 启动HTTP服务器并等待停止信号
func Run() error {
	app := GetApp()

	if app.server == nil {
		if app.config == nil || app.router == nil {
			return fmt.Errorf("应用未初始化")
		}
		app.server = &http.Server{
			Addr:    ":" + app.config.Port,
			Handler: app.router,
		}
	}

	go func() {
		if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			utils.GetLogger().Fatal("启动服务器失败", map[string]interface{}{"err": err})
		}
	}()

	// 周期性指标汇报，随停机一起停止
	metricsCtx, cancelMetrics := context.WithCancel(context.Background())
	defer cancelMetrics()
	utils.NewAppMetrics().StartMetricsCollection(metricsCtx)

	signal.Notify(app.stopChan, syscall.SIGINT, syscall.SIGTERM)
	<-app.stopChan

	utils.GetLogger().Info("收到停止信号，正在关闭服务器", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("服务器关闭失败: %w", err)
	}

	app.cleanup()
	return nil
}

// cleanup 释放服务持有的资源
func (a *App) cleanup() {
	container := di.GetContainer()

	// 先通知客户端停机，再关闭会话
	api.ShutdownWebSockets()

	// 关闭所有活跃的播放会话
	if playService, ok := container.Get("play").(*services.PlayService); ok && playService != nil {
		playService.CloseAll()
	}

	// 统计数据落盘
	if statsService, ok := container.Get("stats").(*services.StatsService); ok && statsService != nil {
		if err := statsService.Close(); err != nil {
			utils.GetLogger().Error("保存统计数据失败", map[string]interface{}{"err": err})
		}
	}

	utils.GetLogger().Info("应用资源清理完成", nil)
}
