// internal/services/generation_service.go
package services

import (
	"context"
	"fmt"
	"strings"

	apperrors "github.com/Corphon/StorySimMCP/internal/errors"
	"github.com/Corphon/StorySimMCP/internal/models"
	"github.com/Corphon/StorySimMCP/internal/player"
	"github.com/Corphon/StorySimMCP/internal/utils"
)

// GenerationRequest 故事生成请求
type GenerationRequest struct {
	Theme      string               `json:"theme"`
	Language   models.StoryLanguage `json:"language,omitempty"`
	QuizMode   bool                 `json:"quiz_mode"`
	SceneCount int                  `json:"scene_count,omitempty"`
}

// generatedStory LLM输出的故事结构（与存储模型解耦，便于约束生成面）
type generatedStory struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	InitialScene string `json:"initial_scene"`
	Scenes       []struct {
		ID   string `json:"id"`
		Text []struct {
			Speaker string `json:"speaker,omitempty"`
			Text    string `json:"text"`
		} `json:"text"`
		Choices []struct {
			Text      string `json:"text"`
			NextScene string `json:"next_scene"`
		} `json:"choices,omitempty"`
		Quiz *struct {
			Question string `json:"question"`
			Options  []struct {
				Text        string `json:"text"`
				IsCorrect   bool   `json:"is_correct"`
				Explanation string `json:"explanation,omitempty"`
			} `json:"options"`
			Explanation string `json:"explanation,omitempty"`
		} `json:"quiz,omitempty"`
		NextScene     string `json:"next_scene,omitempty"`
		LearningPoint *struct {
			Title   string `json:"title,omitempty"`
			Content string `json:"content"`
		} `json:"learning_point,omitempty"`
	} `json:"scenes"`
}

// GenerationService 编排故事生成流程
//
// 流程：消费票券 → 调用LLM生成结构化故事 → 图校验 → 保存。
// 校验失败携带错误反馈重试一次；重试仍失败则返还票券并报错，
// 无效的故事从不落盘。
type GenerationService struct {
	LLM     *LLMService
	Story   *StoryService
	Tickets *TicketService
	Stats   *StatsService
}

// NewGenerationService 创建生成服务
func NewGenerationService(llmService *LLMService, storyService *StoryService, ticketService *TicketService, statsService *StatsService) *GenerationService {
	return &GenerationService{
		LLM:     llmService,
		Story:   storyService,
		Tickets: ticketService,
		Stats:   statsService,
	}
}

// GenerateStory 生成并保存一个新故事
func (s *GenerationService) GenerateStory(ctx context.Context, userID string, req GenerationRequest) (*models.Story, error) {
	if strings.TrimSpace(req.Theme) == "" {
		return nil, apperrors.NewValidationError("生成主题不能为空", nil)
	}
	if !s.LLM.IsReady() {
		return nil, apperrors.NewProcessingError("LLM服务未就绪: "+s.LLM.GetReadyState(), nil)
	}

	if err := s.Tickets.ConsumeTicket(userID); err != nil {
		return nil, err
	}

	story, err := s.generateWithRetry(ctx, userID, req)
	if err != nil {
		// 生成失败返还票券，返还失败不覆盖原始错误
		if refundErr := s.Tickets.RefundTicket(userID); refundErr != nil {
			utils.GetLogger().Error("返还票券失败", map[string]interface{}{
				"user_id": userID, "err": refundErr,
			})
		}
		return nil, err
	}

	return story, nil
}

// generateWithRetry 首次生成失败时附带校验错误重试一次
func (s *GenerationService) generateWithRetry(ctx context.Context, userID string, req GenerationRequest) (*models.Story, error) {
	prompt := s.buildPrompt(req, "")

	story, genErr := s.generateOnce(ctx, userID, req, prompt)
	if genErr == nil {
		return story, nil
	}

	utils.GetLogger().Warn("首次生成失败，携带错误反馈重试", map[string]interface{}{
		"user_id": userID, "err": genErr,
	})

	prompt = s.buildPrompt(req, genErr.Error())
	story, retryErr := s.generateOnce(ctx, userID, req, prompt)
	if retryErr != nil {
		return nil, apperrors.NewProcessingError("故事生成失败（重试后仍未通过校验）", retryErr)
	}
	return story, nil
}

func (s *GenerationService) generateOnce(ctx context.Context, userID string, req GenerationRequest, prompt string) (*models.Story, error) {
	var generated generatedStory
	resp, err := s.LLM.CreateStructuredCompletion(ctx, prompt, s.systemPrompt(req), &generated)
	if err != nil {
		return nil, err
	}

	if resp != nil {
		if err := s.Stats.RecordGenerationRequest(resp.TokensUsed); err != nil {
			utils.GetLogger().Warn("记录生成用量失败", map[string]interface{}{"err": err})
		}
	}

	story := s.toStory(userID, req, &generated)

	// 保存前校验，CreateStory 内部会再次校验并拒绝无效的图
	if _, err := player.ValidateStory(story); err != nil {
		return nil, fmt.Errorf("生成的故事未通过图校验: %w", err)
	}

	return s.Story.CreateStory(story)
}

// toStory 将LLM输出转换为存储模型
func (s *GenerationService) toStory(userID string, req GenerationRequest, g *generatedStory) *models.Story {
	story := &models.Story{
		UserID:       userID,
		Title:        g.Title,
		Description:  g.Description,
		InitialScene: g.InitialScene,
		IsQuizMode:   req.QuizMode,
		Language:     req.Language,
	}
	if story.Language == "" {
		story.Language = models.LanguageJA
	}

	for _, gs := range g.Scenes {
		scene := models.Scene{
			ID:        gs.ID,
			NextScene: gs.NextScene,
		}
		for _, q := range gs.Text {
			scene.Text = append(scene.Text, models.Quote{
				Speaker: q.Speaker,
				Text:    q.Text,
			})
		}
		for _, c := range gs.Choices {
			scene.Choices = append(scene.Choices, models.Choice{
				Text:      c.Text,
				NextScene: c.NextScene,
			})
		}
		if gs.Quiz != nil {
			quiz := &models.Quiz{
				Question:    gs.Quiz.Question,
				Explanation: gs.Quiz.Explanation,
			}
			for _, o := range gs.Quiz.Options {
				quiz.Options = append(quiz.Options, models.QuizOption{
					Text:        o.Text,
					IsCorrect:   o.IsCorrect,
					Explanation: o.Explanation,
				})
			}
			scene.Quiz = quiz
		}
		if gs.LearningPoint != nil {
			scene.LearningPoint = &models.LearningPoint{
				Title:   gs.LearningPoint.Title,
				Content: gs.LearningPoint.Content,
			}
		}
		story.Scenes = append(story.Scenes, scene)
	}

	return story
}

func (s *GenerationService) systemPrompt(req GenerationRequest) string {
	if req.Language == models.LanguageEN {
		return "You are a skilled interactive fiction writer. You create branching stories " +
			"with vivid scenes, natural dialogue, and meaningful choices."
	}
	return "あなたは優れたインタラクティブフィクション作家です。" +
		"生き生きとした場面、自然な会話、意味のある選択肢を持つ分岐型の物語を作ります。"
}

// buildPrompt 构建生成提示，feedback 非空时附加上一轮的校验错误
func (s *GenerationService) buildPrompt(req GenerationRequest, feedback string) string {
	sceneCount := req.SceneCount
	if sceneCount <= 0 {
		sceneCount = 8
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Create a branching interactive story about: %s\n\n", req.Theme)
	fmt.Fprintf(&sb, "Requirements:\n")
	fmt.Fprintf(&sb, "- About %d scenes forming a directed graph\n", sceneCount)
	fmt.Fprintf(&sb, "- Each scene has an \"id\" and a \"text\" array of dialogue lines, each line with optional \"speaker\" and required \"text\"\n")
	fmt.Fprintf(&sb, "- Branching scenes have a \"choices\" array; each choice has \"text\" and \"next_scene\"\n")
	fmt.Fprintf(&sb, "- Linear scenes have only \"next_scene\"; ending scenes have neither choices, quiz, nor next_scene\n")
	fmt.Fprintf(&sb, "- CRITICAL: every next_scene value must reference an existing scene id, and initial_scene must reference the first scene\n")

	if req.QuizMode {
		fmt.Fprintf(&sb, "- Include quiz scenes: a \"quiz\" object with \"question\", an \"options\" array (each option: \"text\", \"is_correct\", optional \"explanation\"), exactly one correct option, and a mandatory \"next_scene\"\n")
		fmt.Fprintf(&sb, "- Add a \"learning_point\" object with \"content\" to scenes that teach something\n")
	}

	if req.Language == models.LanguageEN {
		fmt.Fprintf(&sb, "- Write all story text in English\n")
	} else {
		fmt.Fprintf(&sb, "- Write all story text in natural Japanese\n")
	}

	fmt.Fprintf(&sb, "\nOutput a single JSON object with keys: title, description, initial_scene, scenes.\n")

	if feedback != "" {
		fmt.Fprintf(&sb, "\nYour previous attempt was rejected by the validator:\n%s\nFix these problems this time.\n", feedback)
	}

	return sb.String()
}
