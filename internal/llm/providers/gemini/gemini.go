// internal/llm/providers/gemini/gemini.go
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/Corphon/StorySimMCP/internal/llm"
)

func init() {
	llm.Register("gemini", func() llm.Provider {
		return &Provider{
			supportedModels: []string{
				"gemini-2.5-flash",
				"gemini-2.5-pro",
				"gemini-2.0-flash",
			},
		}
	})
}

// Provider 通过官方SDK访问Gemini
// 每次请求创建一个客户端代价过高，因此客户端在 Initialize 时创建并复用
type Provider struct {
	apiKey          string
	client          *genai.Client
	defaultModel    string
	supportedModels []string
}

func (p *Provider) Initialize(config map[string]string) error {
	apiKey, exists := config["api_key"]
	if !exists || apiKey == "" {
		return errors.New("Gemini API密钥未提供")
	}

	p.apiKey = apiKey

	if model, exists := config["default_model"]; exists && model != "" {
		p.defaultModel = model
	} else {
		p.defaultModel = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(context.Background(), option.WithAPIKey(apiKey))
	if err != nil {
		return fmt.Errorf("创建Gemini客户端失败: %w", err)
	}
	p.client = client

	return nil
}

func (p *Provider) GetName() string {
	return "Gemini"
}

func (p *Provider) GetSupportedModels() []string {
	return p.supportedModels
}

// buildModel 按请求配置生成模型句柄
func (p *Provider) buildModel(req llm.CompletionRequest) *genai.GenerativeModel {
	name := req.Model
	if name == "" {
		name = p.defaultModel
	}

	model := p.client.GenerativeModel(name)
	if req.SystemPrompt != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.SystemPrompt)},
		}
	}
	if req.Temperature > 0 {
		model.SetTemperature(req.Temperature)
	}
	if req.TopP > 0 {
		model.SetTopP(req.TopP)
	}
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if len(req.StopWords) > 0 {
		model.StopSequences = req.StopWords
	}

	return model
}

func (p *Provider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if p.client == nil {
		return nil, errors.New("Gemini客户端未初始化")
	}

	model := p.buildModel(req)

	resp, err := model.GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		return nil, fmt.Errorf("Gemini API错误: %w", err)
	}

	text, finishReason, err := extractText(resp)
	if err != nil {
		return nil, err
	}

	result := &llm.CompletionResponse{
		Text:         text,
		FinishReason: finishReason,
		ModelName:    req.Model,
		ProviderName: p.GetName(),
	}
	if result.ModelName == "" {
		result.ModelName = p.defaultModel
	}
	if resp.UsageMetadata != nil {
		result.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		result.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		result.TokensUsed = int(resp.UsageMetadata.TotalTokenCount)
	}

	return result, nil
}

// StreamCompletion 实现流式响应
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamResponse, error) {
	if p.client == nil {
		return nil, errors.New("Gemini客户端未初始化")
	}

	model := p.buildModel(req)
	iter := model.GenerateContentStream(ctx, genai.Text(req.Prompt))

	respChan := make(chan llm.StreamResponse)

	go func() {
		defer close(respChan)

		modelName := req.Model
		if modelName == "" {
			modelName = p.defaultModel
		}

		for {
			resp, err := iter.Next()
			if err == iterator.Done {
				respChan <- llm.StreamResponse{
					FinishReason: "stop",
					ModelName:    modelName,
					Done:         true,
				}
				return
			}
			if err != nil {
				respChan <- llm.StreamResponse{
					FinishReason: "error",
					ModelName:    modelName,
					Done:         true,
				}
				return
			}

			text, _, err := extractText(resp)
			if err != nil {
				continue
			}
			if text != "" {
				select {
				case respChan <- llm.StreamResponse{
					Text:      text,
					ModelName: modelName,
				}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return respChan, nil
}

// Close 释放底层客户端
func (p *Provider) Close() {
	if p.client != nil {
		p.client.Close()
	}
}

// extractText 从候选结果中拼接全部文本片段
func extractText(resp *genai.GenerateContentResponse) (string, string, error) {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", "", errors.New("Gemini未返回任何结果")
	}

	candidate := resp.Candidates[0]

	var sb strings.Builder
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}

	return sb.String(), candidate.FinishReason.String(), nil
}
