// internal/api/handlers.go
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Corphon/StorySimMCP/internal/config"
	"github.com/Corphon/StorySimMCP/internal/llm"
	"github.com/Corphon/StorySimMCP/internal/models"
	"github.com/Corphon/StorySimMCP/internal/player"
	"github.com/Corphon/StorySimMCP/internal/services"
	"github.com/Corphon/StorySimMCP/internal/utils"
	"github.com/gin-gonic/gin"
)

// Handler 处理API请求
type Handler struct {
	// 核心服务
	StoryService      *services.StoryService      // 故事服务
	UserService       *services.UserService       // 用户服务
	TicketService     *services.TicketService     // 生成券服务
	StatsService      *services.StatsService      // 统计服务
	GenerationService *services.GenerationService // 故事生成服务
	PlayService       *services.PlayService       // 播放会话服务
	ConfigService     *services.ConfigService     // 配置服务
	LLMService        *services.LLMService        // LLM服务
	WebSocketHandler  *WebSocketHandler           // WebSocket 处理器
	Response          *ResponseHelper             // 响应助手
}

// NewHandler 创建API处理器
func NewHandler(
	storyService *services.StoryService,
	userService *services.UserService,
	ticketService *services.TicketService,
	statsService *services.StatsService,
	generationService *services.GenerationService,
	playService *services.PlayService,
	configService *services.ConfigService,
	llmService *services.LLMService,
) *Handler {
	return &Handler{
		StoryService:      storyService,
		UserService:       userService,
		TicketService:     ticketService,
		StatsService:      statsService,
		GenerationService: generationService,
		PlayService:       playService,
		ConfigService:     configService,
		LLMService:        llmService,
		WebSocketHandler:  NewWebSocketHandler(),
		Response:          NewResponseHelper(),
	}
}

// APIResponse 标准API响应格式
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"` // 用于调试和追踪
}

// APIError 标准错误格式
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// PaginationMeta 分页元数据
type PaginationMeta struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// PaginatedResponse 带分页的响应
type PaginatedResponse struct {
	*APIResponse
	Meta *PaginationMeta `json:"meta,omitempty"`
}

// ------------------------------------------------
// WebSocket 相关
// ------------------------------------------------

// PlayWebSocket 建立播放会话的 WebSocket 连接
func (h *Handler) PlayWebSocket(c *gin.Context) {
	h.WebSocketHandler.PlayWebSocket(c)
}

// GetWebSocketStatus 获取 WebSocket 连接状态（调试用）
func (h *Handler) GetWebSocketStatus(c *gin.Context) {
	status := wsManager.GetStatus()
	status["ping_timeout_seconds"] = int(wsManager.pingTimeout.Seconds())
	status["active_sessions"] = h.PlayService.ActiveSessionCount()
	status["timestamp"] = time.Now().Format(time.RFC3339)

	c.JSON(http.StatusOK, status)
}

// CleanupWebSocketConnections 手动触发连接清理
func (h *Handler) CleanupWebSocketConnections(c *gin.Context) {
	wsManager.cleanupExpiredConnections()
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"message":   "连接清理已执行",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// ========================================
// 页面
// ========================================

// IndexPage 返回前端入口页面
func (h *Handler) IndexPage(c *gin.Context) {
	cfg := config.GetCurrentConfig()
	c.File(cfg.StaticDir + "/index.html")
}

// ========================================
// 故事管理
// ========================================

// GetStories 列出对当前用户可见的故事
func (h *Handler) GetStories(c *gin.Context) {
	viewerID, _ := GetUserFromContext(c)

	stories, err := h.StoryService.ListStories(viewerID)
	if err != nil {
		h.Response.AppError(c, err)
		return
	}

	h.Response.Success(c, stories)
}

// GetStory 获取单个故事的完整数据
func (h *Handler) GetStory(c *gin.Context) {
	storyID := c.Param("id")
	viewerID, _ := GetUserFromContext(c)

	story, err := h.StoryService.GetStory(storyID)
	if err != nil {
		h.Response.AppError(c, err)
		return
	}

	// 私有故事只有作者可见
	if !story.IsPublic && story.UserID != viewerID {
		h.Response.Forbidden(c, "无权访问该故事")
		return
	}

	h.Response.Success(c, story)
}

// CreateStory 手动创建故事（不经过LLM生成）
func (h *Handler) CreateStory(c *gin.Context) {
	userID, _ := GetUserFromContext(c)

	var story models.Story
	if err := c.ShouldBindJSON(&story); err != nil {
		h.Response.BadRequest(c, "无效的故事数据", err.Error())
		return
	}

	story.UserID = userID

	created, err := h.StoryService.CreateStory(&story)
	if err != nil {
		h.Response.AppError(c, err)
		return
	}

	h.Response.Created(c, created, "故事创建成功")
}

// UpdateStory 更新故事，仅作者可操作
func (h *Handler) UpdateStory(c *gin.Context) {
	userID, _ := GetUserFromContext(c)
	storyID := c.Param("id")

	var story models.Story
	if err := c.ShouldBindJSON(&story); err != nil {
		h.Response.BadRequest(c, "无效的故事数据", err.Error())
		return
	}

	story.ID = storyID

	updated, err := h.StoryService.UpdateStory(userID, &story)
	if err != nil {
		h.Response.AppError(c, err)
		return
	}

	h.Response.Success(c, updated, "故事更新成功")
}

// DeleteStory 删除故事（软删除），仅作者可操作
func (h *Handler) DeleteStory(c *gin.Context) {
	userID, _ := GetUserFromContext(c)
	storyID := c.Param("id")

	if err := h.StoryService.DeleteStory(userID, storyID); err != nil {
		h.Response.AppError(c, err)
		return
	}

	h.Response.Success(c, nil, "故事已删除")
}

// ExportStory 导出故事为YAML文件
func (h *Handler) ExportStory(c *gin.Context) {
	storyID := c.Param("id")
	viewerID, _ := GetUserFromContext(c)

	story, err := h.StoryService.GetStory(storyID)
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	if !story.IsPublic && story.UserID != viewerID {
		h.Response.Forbidden(c, "无权导出该故事")
		return
	}

	data, err := h.StoryService.ExportYAML(storyID)
	if err != nil {
		h.Response.AppError(c, err)
		return
	}

	filename := fmt.Sprintf("story_%s.yaml", storyID)
	h.Response.FileResponse(c, data, filename, "application/x-yaml; charset=utf-8")
}

// ImportStory 从YAML导入故事
func (h *Handler) ImportStory(c *gin.Context) {
	userID, _ := GetUserFromContext(c)

	data, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		h.Response.BadRequest(c, "读取导入数据失败", err.Error())
		return
	}
	if len(data) == 0 {
		h.Response.BadRequest(c, "导入数据为空")
		return
	}

	imported, err := h.StoryService.ImportYAML(userID, data)
	if err != nil {
		h.Response.AppError(c, err)
		return
	}

	h.Response.Created(c, imported, "故事导入成功")
}

// GetStoryStats 获取故事的播放统计
func (h *Handler) GetStoryStats(c *gin.Context) {
	storyID := c.Param("id")

	if _, err := h.StoryService.GetStory(storyID); err != nil {
		h.Response.AppError(c, err)
		return
	}

	stats := h.StatsService.GetStoryStats(storyID)
	h.Response.Success(c, gin.H{
		"story_id":        stats.StoryID,
		"plays":           stats.Plays,
		"completions":     stats.Completions,
		"total_questions": stats.TotalQuestions,
		"total_correct":   stats.TotalCorrect,
		"quiz_accuracy":   stats.QuizAccuracy(),
		"last_played_at":  stats.LastPlayedAt,
	})
}

// ValidateStoryGraph 对故事图做校验并返回报告，不影响存储
// 编辑器在保存前调用，悬空引用按条列出
func (h *Handler) ValidateStoryGraph(c *gin.Context) {
	storyID := c.Param("id")
	viewerID, _ := GetUserFromContext(c)

	story, err := h.StoryService.GetStory(storyID)
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	if !story.IsPublic && story.UserID != viewerID {
		h.Response.Forbidden(c, "无权校验该故事")
		return
	}

	validated, err := player.ValidateStory(story)
	if err != nil {
		var gerr *player.GraphError
		if errors.As(err, &gerr) {
			// 校验失败本身是一次成功的校验请求，用200返回报告
			h.Response.Success(c, gin.H{
				"story_id": storyID,
				"valid":    false,
				"dangling": gerr.Dangling,
				"problems": gerr.Problems,
			})
			return
		}
		h.Response.AppError(c, err)
		return
	}

	h.Response.Success(c, gin.H{
		"story_id":    storyID,
		"valid":       true,
		"scene_count": validated.SceneCount(),
		"warnings":    validated.Warnings,
	})
}

// RecordPlayCompletion 接收客户端播放器上报的完成数据
// WebSocket 会话在服务端聚合，这里是纯客户端播放器的REST回退通道
func (h *Handler) RecordPlayCompletion(c *gin.Context) {
	storyID := c.Param("id")
	userID, _ := GetUserFromContext(c)

	if _, err := h.StoryService.GetStory(storyID); err != nil {
		h.Response.AppError(c, err)
		return
	}

	var playData models.PlayData
	if err := c.ShouldBindJSON(&playData); err != nil {
		h.Response.BadRequest(c, "无效的播放数据", err.Error())
		return
	}

	// 路径与令牌优先于请求体
	playData.StoryID = storyID
	if userID != "" {
		playData.UserID = userID
	}
	if playData.TotalQuestions < 0 || playData.CorrectAnswers < 0 ||
		playData.CorrectAnswers > playData.TotalQuestions {
		h.Response.BadRequest(c, "答题计数不合法")
		return
	}

	h.StatsService.RecordPlayCompletion(playData)
	utils.NewAppMetrics().RecordPlaySession(storyID, "completed")

	h.Response.Success(c, nil, "播放数据已记录")
}

// ========================================
// 故事生成
// ========================================

// GenerateStory 通过LLM生成新故事
func (h *Handler) GenerateStory(c *gin.Context) {
	userID, _ := GetUserFromContext(c)

	var req services.GenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的生成请求", err.Error())
		return
	}

	if strings.TrimSpace(req.Theme) == "" {
		h.Response.Error(c, http.StatusBadRequest, ErrorThemeMissing, "生成主题不能为空")
		return
	}

	// 生成涉及两次LLM往返（含重试），给足超时
	ctx, cancel := context.WithTimeout(c.Request.Context(), 120*time.Second)
	defer cancel()

	story, err := h.GenerationService.GenerateStory(ctx, userID, req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			h.Response.Error(c, http.StatusGatewayTimeout, ErrorGenerationFailed, "故事生成超时")
			return
		}
		h.Response.AppError(c, err)
		return
	}

	h.Response.Created(c, story, "故事生成成功")
}

// ========================================
// 用户与认证
// ========================================

// CreateGuestSession 创建游客会话，返回用户信息和认证令牌
func (h *Handler) CreateGuestSession(c *gin.Context) {
	user, err := h.UserService.CreateGuestUser()
	if err != nil {
		h.Response.AppError(c, err)
		return
	}

	token, err := GenerateUserToken(user.ID)
	if err != nil {
		h.Response.InternalError(c, "生成认证令牌失败", err.Error())
		return
	}

	h.Response.Created(c, gin.H{
		"user":  user,
		"token": token,
	}, "游客会话已创建")
}

// RegisterUser 注册用户，返回用户信息和认证令牌
func (h *Handler) RegisterUser(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的注册请求", err.Error())
		return
	}

	user, err := h.UserService.CreateUser(req.Name)
	if err != nil {
		h.Response.AppError(c, err)
		return
	}

	token, err := GenerateUserToken(user.ID)
	if err != nil {
		h.Response.InternalError(c, "生成认证令牌失败", err.Error())
		return
	}

	h.Response.Created(c, gin.H{
		"user":  user,
		"token": token,
	}, "用户注册成功")
}

// GetUserProfile 获取用户信息
func (h *Handler) GetUserProfile(c *gin.Context) {
	userID := c.Param("user_id")

	user, err := h.UserService.GetUser(userID)
	if err != nil {
		h.Response.AppError(c, err)
		return
	}

	h.Response.Success(c, user)
}

// GetUserWallet 获取用户的生成券与积分
func (h *Handler) GetUserWallet(c *gin.Context) {
	userID := c.Param("user_id")

	wallet, err := h.TicketService.GetWallet(userID)
	if err != nil {
		h.Response.AppError(c, err)
		return
	}

	h.Response.Success(c, wallet)
}

// GetUserStories 列出用户自己的故事（含私有）
func (h *Handler) GetUserStories(c *gin.Context) {
	userID := c.Param("user_id")

	stories, err := h.StoryService.ListUserStories(userID)
	if err != nil {
		h.Response.AppError(c, err)
		return
	}

	h.Response.Success(c, stories)
}

// ========================================
// LLM配置与状态
// ========================================

// GetLLMStatus 获取LLM服务状态
func (h *Handler) GetLLMStatus(c *gin.Context) {
	ready, state := h.LLMService.GetProviderStatus()

	h.Response.Success(c, gin.H{
		"ready":         ready,
		"state":         state,
		"provider":      h.LLMService.GetProviderName(),
		"default_model": h.LLMService.GetDefaultModel(),
	})
}

// GetLLMModels 获取可用的提供商及模型列表
func (h *Handler) GetLLMModels(c *gin.Context) {
	providers := llm.ListProviders()

	result := make(map[string][]string, len(providers))
	for _, name := range providers {
		result[name] = llm.GetSupportedModelsForProvider(name)
	}

	h.Response.Success(c, gin.H{
		"providers": result,
		"current":   h.LLMService.GetProviderName(),
	})
}

// UpdateLLMConfig 更新LLM提供商配置
func (h *Handler) UpdateLLMConfig(c *gin.Context) {
	var req struct {
		Provider     string `json:"provider"`
		APIKey       string `json:"api_key"`
		DefaultModel string `json:"default_model"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的配置请求", err.Error())
		return
	}

	if req.Provider == "" {
		h.Response.Error(c, http.StatusBadRequest, ErrorLLMProviderMissing, "提供商不能为空")
		return
	}
	if req.APIKey == "" {
		h.Response.Error(c, http.StatusBadRequest, ErrorAPIKeyMissing, "API密钥不能为空")
		return
	}

	userID, _ := GetUserFromContext(c)

	configMap := map[string]string{
		"api_key": req.APIKey,
	}
	if req.DefaultModel != "" {
		configMap["default_model"] = req.DefaultModel
	}

	if err := h.ConfigService.UpdateLLMConfig(req.Provider, configMap, userID); err != nil {
		h.Response.Error(c, http.StatusBadRequest, ErrorLLMConfigInvalid, "更新配置失败", err.Error())
		return
	}

	if err := h.LLMService.UpdateProvider(req.Provider, configMap); err != nil {
		h.Response.Error(c, http.StatusBadRequest, ErrorLLMConfigInvalid, "切换提供商失败", err.Error())
		return
	}

	h.Response.Success(c, gin.H{
		"provider":      req.Provider,
		"default_model": h.LLMService.GetDefaultModel(),
	}, "LLM配置已更新")
}

// ========================================
// 设置
// ========================================

// GetSettings 获取应用设置（不回显密钥）
func (h *Handler) GetSettings(c *gin.Context) {
	cfg := h.ConfigService.GetCurrentConfig()

	hasAPIKey := false
	if cfg.LLMConfig != nil && cfg.LLMConfig["api_key"] != "" {
		hasAPIKey = true
	}

	h.Response.Success(c, gin.H{
		"llm_provider":  cfg.LLMProvider,
		"has_api_key":   hasAPIKey,
		"default_model": cfg.LLMConfig["default_model"],
		"debug_mode":    cfg.DebugMode,
		"daily_tickets": cfg.DailyTickets,
	})
}

// SaveSettings 保存应用设置
func (h *Handler) SaveSettings(c *gin.Context) {
	var req struct {
		Provider     string `json:"llm_provider"`
		APIKey       string `json:"api_key"`
		DefaultModel string `json:"default_model"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的设置数据", err.Error())
		return
	}

	if req.Provider != "" && req.APIKey != "" {
		userID, _ := GetUserFromContext(c)
		configMap := map[string]string{"api_key": req.APIKey}
		if req.DefaultModel != "" {
			configMap["default_model"] = req.DefaultModel
		}

		if err := h.ConfigService.UpdateLLMConfig(req.Provider, configMap, userID); err != nil {
			h.Response.Error(c, http.StatusBadRequest, ErrorLLMConfigInvalid, "保存LLM配置失败", err.Error())
			return
		}
		if err := h.LLMService.UpdateProvider(req.Provider, configMap); err != nil {
			h.Response.Error(c, http.StatusBadRequest, ErrorLLMConfigInvalid, "应用LLM配置失败", err.Error())
			return
		}
	}

	if err := h.ConfigService.SaveConfig(); err != nil {
		h.Response.InternalError(c, "保存配置失败", err.Error())
		return
	}

	h.Response.Success(c, nil, "设置已保存")
}

// TestConnection 测试LLM提供商连接
func (h *Handler) TestConnection(c *gin.Context) {
	var req struct {
		Provider string `json:"provider"`
		APIKey   string `json:"api_key"`
		Model    string `json:"model"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的测试请求", err.Error())
		return
	}

	if req.Provider == "" || req.APIKey == "" {
		h.Response.BadRequest(c, "提供商和API密钥不能为空")
		return
	}

	configMap := map[string]string{"api_key": req.APIKey}
	if req.Model != "" {
		configMap["default_model"] = req.Model
	}

	provider, err := llm.GetProvider(req.Provider, configMap)
	if err != nil {
		h.Response.Error(c, http.StatusBadRequest, ErrorConnectionFailed, "初始化提供商失败", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	resp, err := provider.CompleteText(ctx, llm.CompletionRequest{
		Prompt:    "Reply with the single word: OK",
		MaxTokens: 8,
		Model:     req.Model,
	})
	if err != nil {
		h.Response.Error(c, http.StatusBadGateway, ErrorConnectionFailed, "连接测试失败", err.Error())
		return
	}

	h.Response.Success(c, gin.H{
		"provider": req.Provider,
		"model":    resp.ModelName,
		"reply":    resp.Text,
	}, "连接测试成功")
}

// ========================================
// 统计与健康检查
// ========================================

// GetUsageStats 获取生成配额使用情况与进程内运行指标
func (h *Handler) GetUsageStats(c *gin.Context) {
	h.Response.Success(c, gin.H{
		"usage":   h.StatsService.GetUsageStats(),
		"runtime": utils.GetMetricsCollector().GetMetrics(),
	})
}

// GetConfigHealth 配置健康检查
func (h *Handler) GetConfigHealth(c *gin.Context) {
	cfg := h.ConfigService.GetCurrentConfig()
	if cfg == nil {
		h.Response.Error(c, http.StatusServiceUnavailable, ErrorConfigNotLoaded, "配置未加载")
		return
	}

	ready, state := h.LLMService.GetProviderStatus()

	h.Response.Success(c, gin.H{
		"config_loaded":   true,
		"llm_ready":       ready,
		"llm_state":       state,
		"active_sessions": h.PlayService.ActiveSessionCount(),
		"recent_changes":  h.ConfigService.GetChangeHistory(10),
		"timestamp":       time.Now().Format(time.RFC3339),
	})
}
