// internal/api/router.go
package api

import (
	"fmt"
	"net/http"

	"github.com/Corphon/StorySimMCP/internal/config"
	"github.com/Corphon/StorySimMCP/internal/di"
	"github.com/Corphon/StorySimMCP/internal/services"
	"github.com/gin-gonic/gin"
)

// SetupRouter 配置HTTP路由
func SetupRouter() (*gin.Engine, error) {
	// 获取配置
	cfg := config.GetCurrentConfig()

	// 获取依赖注入容器
	container := di.GetContainer()

	// 只从容器获取服务，不再创建新实例
	storyService, ok := container.Get("story").(*services.StoryService)
	if !ok {
		return nil, fmt.Errorf("故事服务未正确初始化")
	}

	userService, ok := container.Get("user").(*services.UserService)
	if !ok {
		return nil, fmt.Errorf("用户服务未正确初始化")
	}

	ticketService, ok := container.Get("ticket").(*services.TicketService)
	if !ok {
		return nil, fmt.Errorf("生成券服务未正确初始化")
	}

	statsService, ok := container.Get("stats").(*services.StatsService)
	if !ok {
		return nil, fmt.Errorf("统计服务未正确初始化")
	}

	generationService, ok := container.Get("generation").(*services.GenerationService)
	if !ok {
		return nil, fmt.Errorf("生成服务未正确初始化")
	}

	playService, ok := container.Get("play").(*services.PlayService)
	if !ok {
		return nil, fmt.Errorf("播放服务未正确初始化")
	}

	configService, ok := container.Get("config").(*services.ConfigService)
	if !ok {
		return nil, fmt.Errorf("配置服务未正确初始化")
	}

	llmService, ok := container.Get("llm").(*services.LLMService)
	if !ok {
		return nil, fmt.Errorf("LLM服务未正确初始化")
	}

	// 创建API处理器 - 只传递从容器获取的服务
	handler := NewHandler(
		storyService,
		userService,
		ticketService,
		statsService,
		generationService,
		playService,
		configService,
		llmService,
	)

	// 创建路由
	r := gin.Default()

	// 启用CORS与请求指标
	r.Use(corsMiddleware())
	r.Use(MetricsMiddleware())

	// HTTPS重定向（生产环境）
	if !cfg.DebugMode {
		r.Use(func(c *gin.Context) {
			if c.Request.Header.Get("X-Forwarded-Proto") != "https" {
				c.Redirect(http.StatusPermanentRedirect,
					"https://"+c.Request.Host+c.Request.URL.Path)
				return
			}
			c.Next()
		})
	}

	// 认证中间件对全部路由生效，公开端点在中间件内部放行
	r.Use(AuthMiddleware())

	// 静态文件服务
	r.Static("/static", cfg.StaticDir)

	// ===============================
	// 页面路由
	// ===============================
	r.GET("/", handler.IndexPage)

	// WebSocket 支持：一条连接对应一个播放会话
	r.GET("/ws/play/:id", PlayRateLimit(), handler.PlayWebSocket)

	// ===============================
	// API路由组
	// ===============================
	api := r.Group("/api")
	api.Use(DefaultRateLimit())
	{
		// ===============================
		// 认证相关路由
		// ===============================
		authGroup := api.Group("/auth")
		{
			authGroup.POST("/guest", handler.CreateGuestSession)
			authGroup.POST("/register", handler.RegisterUser)
		}

		// ===============================
		// 故事相关路由
		// ===============================
		storiesGroup := api.Group("/stories")
		{
			storiesGroup.GET("", handler.GetStories)
			storiesGroup.POST("", handler.CreateStory)
			storiesGroup.POST("/import", handler.ImportStory)
			storiesGroup.GET("/:id", handler.GetStory)
			storiesGroup.PUT("/:id", handler.UpdateStory)
			storiesGroup.DELETE("/:id", handler.DeleteStory)
			storiesGroup.GET("/:id/export", handler.ExportStory)
			storiesGroup.POST("/:id/validate", handler.ValidateStoryGraph)
			storiesGroup.GET("/:id/stats", RequireAuthForStory(), handler.GetStoryStats)
			storiesGroup.POST("/:id/plays", handler.RecordPlayCompletion)
		}

		// ===============================
		// 故事生成
		// ===============================
		api.POST("/generate", GenerationRateLimit(), handler.GenerateStory)

		// ===============================
		// LLM配置相关路由
		// ===============================
		llmGroup := api.Group("/llm")
		{
			llmGroup.GET("/status", handler.GetLLMStatus)
			llmGroup.GET("/models", handler.GetLLMModels)
			llmGroup.PUT("/config", handler.UpdateLLMConfig)
		}

		// ===============================
		// 设置相关路由
		// ===============================
		settingsGroup := api.Group("/settings")
		{
			settingsGroup.GET("", handler.GetSettings)
			settingsGroup.POST("", handler.SaveSettings)
			settingsGroup.POST("/test-connection", handler.TestConnection)
		}

		// ===============================
		// 用户管理路由
		// ===============================
		usersGroup := api.Group("/users/:user_id")
		usersGroup.Use(RequireAuthForUser())
		{
			usersGroup.GET("", handler.GetUserProfile)
			usersGroup.GET("/wallet", handler.GetUserWallet)
			usersGroup.GET("/stories", handler.GetUserStories)
		}

		// ===============================
		// 统计与健康检查
		// ===============================
		api.GET("/usage", handler.GetUsageStats)
		api.GET("/config/health", handler.GetConfigHealth)

		// WebSocket 管理路由
		wsGroup := api.Group("/ws")
		{
			wsGroup.GET("/status", handler.GetWebSocketStatus)
			wsGroup.POST("/cleanup", handler.CleanupWebSocketConnections)
		}
	}

	return r, nil
}

// corsMiddleware 实现跨域资源共享
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
