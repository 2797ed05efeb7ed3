// internal/services/generation_service_test.go
package services

import (
	"context"
	"strings"
	"testing"

	apperrors "github.com/Corphon/StorySimMCP/internal/errors"
	"github.com/Corphon/StorySimMCP/internal/llm"
	"github.com/Corphon/StorySimMCP/internal/storage"
)

// validStoryJSON 两个场景的合法故事图
const validStoryJSON = `{
  "title": "月の図書館",
  "description": "不思議な図書館の物語",
  "initial_scene": "s1",
  "scenes": [
    {
      "id": "s1",
      "text": [{"speaker": "司書", "text": "ようこそ"}],
      "choices": [{"text": "入る", "next_scene": "s2"}]
    },
    {
      "id": "s2",
      "text": [{"text": "おしまい"}]
    }
  ]
}`

// danglingStoryJSON 选择指向不存在的场景
const danglingStoryJSON = `{
  "title": "壊れた物語",
  "description": "x",
  "initial_scene": "s1",
  "scenes": [
    {
      "id": "s1",
      "text": [{"text": "はじまり"}],
      "choices": [{"text": "進む", "next_scene": "nowhere"}]
    }
  ]
}`

// scriptedProvider 按脚本顺序返回预置响应的测试替身
type scriptedProvider struct {
	responses []string
	prompts   []string
}

func (p *scriptedProvider) Initialize(config map[string]string) error { return nil }
func (p *scriptedProvider) GetName() string                           { return "scripted" }
func (p *scriptedProvider) GetSupportedModels() []string              { return []string{"scripted-1"} }

func (p *scriptedProvider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.prompts = append(p.prompts, req.Prompt)
	if len(p.responses) == 0 {
		return &llm.CompletionResponse{Text: "{}"}, nil
	}
	text := p.responses[0]
	p.responses = p.responses[1:]
	return &llm.CompletionResponse{
		Text:         text,
		TokensUsed:   500,
		ProviderName: "scripted",
	}, nil
}

func (p *scriptedProvider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamResponse, error) {
	ch := make(chan llm.StreamResponse)
	close(ch)
	return ch, nil
}

type generationEnv struct {
	Gen      *GenerationService
	Tickets  *TicketService
	Story    *StoryService
	Stats    *StatsService
	Provider *scriptedProvider
}

func newGenerationEnv(t *testing.T, responses ...string) *generationEnv {
	t.Helper()

	fs, err := storage.NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("创建文件存储失败: %v", err)
	}

	provider := &scriptedProvider{responses: responses}

	llmService := createBaseLLMService()
	llmService.provider = provider
	llmService.providerName = "scripted"
	llmService.isReady = true
	llmService.readyState = "Ready"

	storyService := NewStoryService(fs)
	ticketService := NewTicketService(fs, 3)
	statsService := NewStatsService(t.TempDir())
	t.Cleanup(func() { statsService.Close() })

	return &generationEnv{
		Gen:      NewGenerationService(llmService, storyService, ticketService, statsService),
		Tickets:  ticketService,
		Story:    storyService,
		Stats:    statsService,
		Provider: provider,
	}
}

func TestGenerationSuccess(t *testing.T) {
	env := newGenerationEnv(t, validStoryJSON)

	story, err := env.Gen.GenerateStory(context.Background(), "user_1", GenerationRequest{
		Theme: "月の図書館",
	})
	if err != nil {
		t.Fatalf("生成失败: %v", err)
	}
	if story.ID == "" || story.Title != "月の図書館" {
		t.Errorf("生成的故事不完整: %+v", story.Metadata())
	}
	if story.UserID != "user_1" {
		t.Errorf("作者 = %s，期望 user_1", story.UserID)
	}

	// 故事已落盘
	if _, err := env.Story.GetStory(story.ID); err != nil {
		t.Errorf("读回生成的故事失败: %v", err)
	}

	// 消费了一张票券
	wallet, _ := env.Tickets.GetWallet("user_1")
	if wallet.Tickets != 2 {
		t.Errorf("剩余票券 = %d，期望 2", wallet.Tickets)
	}

	// 记录了token用量
	usage := env.Stats.GetUsageStats()
	if usage.TodayRequests != 1 || usage.MonthlyTokens != 500 {
		t.Errorf("用量统计 = %d次/%dtoken，期望 1次/500token", usage.TodayRequests, usage.MonthlyTokens)
	}
}

func TestGenerationRetryWithValidatorFeedback(t *testing.T) {
	env := newGenerationEnv(t, danglingStoryJSON, validStoryJSON)

	story, err := env.Gen.GenerateStory(context.Background(), "user_1", GenerationRequest{
		Theme: "壊れやすい物語",
	})
	if err != nil {
		t.Fatalf("重试后仍失败: %v", err)
	}
	if story.Title != "月の図書館" {
		t.Errorf("重试结果标题 = %s", story.Title)
	}

	if len(env.Provider.prompts) != 2 {
		t.Fatalf("LLM调用次数 = %d，期望 2", len(env.Provider.prompts))
	}
	// 第二次提示携带上一轮的校验错误
	if !strings.Contains(env.Provider.prompts[1], "rejected by the validator") {
		t.Error("重试提示应包含校验反馈")
	}
	if !strings.Contains(env.Provider.prompts[1], "nowhere") {
		t.Error("重试提示应包含悬空引用的目标ID")
	}

	// 成功的生成不返还票券
	wallet, _ := env.Tickets.GetWallet("user_1")
	if wallet.Tickets != 2 {
		t.Errorf("剩余票券 = %d，期望 2", wallet.Tickets)
	}
}

func TestGenerationFailureRefundsTicket(t *testing.T) {
	env := newGenerationEnv(t, danglingStoryJSON, danglingStoryJSON)

	_, err := env.Gen.GenerateStory(context.Background(), "user_1", GenerationRequest{
		Theme: "失敗する物語",
	})
	if err == nil {
		t.Fatal("两次校验失败后应报错")
	}

	// 票券已返还
	wallet, _ := env.Tickets.GetWallet("user_1")
	if wallet.Tickets != 3 {
		t.Errorf("失败后票券 = %d，期望返还至 3", wallet.Tickets)
	}

	// 无效的故事从不落盘
	list, listErr := env.Story.ListStories("user_1")
	if listErr != nil {
		t.Fatalf("列出失败: %v", listErr)
	}
	if len(list) != 0 {
		t.Errorf("落盘故事数 = %d，期望 0", len(list))
	}
}

func TestGenerationEmptyTheme(t *testing.T) {
	env := newGenerationEnv(t)

	_, err := env.Gen.GenerateStory(context.Background(), "user_1", GenerationRequest{Theme: "   "})
	if !apperrors.IsValidationError(err) {
		t.Fatalf("空主题应返回校验错误: %v", err)
	}

	// 校验失败不消费票券也不调用LLM
	wallet, _ := env.Tickets.GetWallet("user_1")
	if wallet.Tickets != 3 {
		t.Errorf("票券 = %d，期望 3", wallet.Tickets)
	}
	if len(env.Provider.prompts) != 0 {
		t.Errorf("LLM调用次数 = %d，期望 0", len(env.Provider.prompts))
	}
}

func TestGenerationQuotaExhausted(t *testing.T) {
	env := newGenerationEnv(t, validStoryJSON, validStoryJSON, validStoryJSON, validStoryJSON)

	for i := 0; i < 3; i++ {
		if _, err := env.Gen.GenerateStory(context.Background(), "user_1", GenerationRequest{
			Theme: "連続生成",
		}); err != nil {
			t.Fatalf("第 %d 次生成失败: %v", i+1, err)
		}
	}

	_, err := env.Gen.GenerateStory(context.Background(), "user_1", GenerationRequest{Theme: "連続生成4"})
	if !apperrors.IsQuotaError(err) {
		t.Fatalf("票券耗尽应返回配额错误: %v", err)
	}
}
