// internal/player/resolver_test.go
package player

import (
	"errors"
	"testing"

	"github.com/Corphon/StorySimMCP/internal/models"
)

func validStory() *models.Story {
	return &models.Story{
		ID:           "story_1",
		Title:        "テスト物語",
		InitialScene: "s1",
		Scenes: []models.Scene{
			{
				ID:   "s1",
				Text: []models.Quote{{Speaker: "Hero", Text: "はじまり"}},
				Choices: []models.Choice{
					{Text: "進む", NextScene: "s2"},
					{Text: "戻る", NextScene: "s3"},
				},
			},
			{
				ID:   "s2",
				Text: []models.Quote{{Text: "問題です"}},
				Quiz: &models.Quiz{
					Question: "1+1は？",
					Options: []models.QuizOption{
						{Text: "2", IsCorrect: true, Explanation: "正解"},
						{Text: "3"},
					},
					Explanation: "算数の基本",
				},
				NextScene: "s4",
			},
			{
				ID:        "s3",
				Text:      []models.Quote{{Text: "寄り道"}},
				NextScene: "s4",
			},
			{
				ID:   "s4",
				Text: []models.Quote{{Text: "おわり"}},
			},
		},
	}
}

func TestValidateStory(t *testing.T) {
	vs, err := ValidateStory(validStory())
	if err != nil {
		t.Fatalf("有效故事校验失败: %v", err)
	}

	if vs.SceneCount() != 4 {
		t.Errorf("场景数 = %d，期望 4", vs.SceneCount())
	}

	kinds := map[string]SceneKind{
		"s1": KindChoices,
		"s2": KindQuiz,
		"s3": KindLinear,
		"s4": KindTerminal,
	}
	for id, want := range kinds {
		sc, ok := vs.Resolve(id)
		if !ok {
			t.Fatalf("场景 %s 应能解析", id)
		}
		if sc.Kind != want {
			t.Errorf("场景 %s 的模式 = %s，期望 %s", id, sc.Kind, want)
		}
	}

	if len(vs.Warnings) != 0 {
		t.Errorf("有效故事不应有告警: %v", vs.Warnings)
	}
}

func TestValidateStoryDanglingRefs(t *testing.T) {
	story := validStory()
	story.Scenes[0].Choices[1].NextScene = "missing_a"
	story.Scenes[2].NextScene = "missing_b"

	_, err := ValidateStory(story)
	if err == nil {
		t.Fatal("悬空引用应导致校验失败")
	}

	var gerr *GraphError
	if !errors.As(err, &gerr) {
		t.Fatalf("错误类型应为 *GraphError，实际 %T", err)
	}

	// 每条悬空边都被列出
	if len(gerr.Dangling) != 2 {
		t.Fatalf("悬空边数 = %d，期望 2: %v", len(gerr.Dangling), gerr.Dangling)
	}
	targets := map[string]bool{}
	for _, d := range gerr.Dangling {
		targets[d.TargetID] = true
	}
	if !targets["missing_a"] || !targets["missing_b"] {
		t.Errorf("悬空目标不完整: %v", gerr.Dangling)
	}
}

func TestValidateStoryInitialScene(t *testing.T) {
	t.Run("初始场景不存在", func(t *testing.T) {
		story := validStory()
		story.InitialScene = "nowhere"
		if _, err := ValidateStory(story); err == nil {
			t.Error("不存在的初始场景应导致校验失败")
		}
	})

	t.Run("初始场景未设置", func(t *testing.T) {
		story := validStory()
		story.InitialScene = ""
		if _, err := ValidateStory(story); err == nil {
			t.Error("空初始场景应导致校验失败")
		}
	})
}

func TestValidateStoryQuizMissingNextScene(t *testing.T) {
	story := validStory()
	story.Scenes[1].NextScene = ""

	if _, err := ValidateStory(story); err == nil {
		t.Error("缺少 next_scene 的问答场景应导致校验失败")
	}
}

func TestValidateStoryDuplicateSceneID(t *testing.T) {
	story := validStory()
	story.Scenes = append(story.Scenes, models.Scene{ID: "s1"})

	if _, err := ValidateStory(story); err == nil {
		t.Error("重复的场景ID应导致校验失败")
	}
}

func TestValidateStoryQuizWarnings(t *testing.T) {
	t.Run("没有正确选项", func(t *testing.T) {
		story := validStory()
		story.Scenes[1].Quiz.Options[0].IsCorrect = false

		vs, err := ValidateStory(story)
		if err != nil {
			t.Fatalf("零正确选项只应告警不应拒绝: %v", err)
		}
		if len(vs.Warnings) != 1 {
			t.Errorf("告警数 = %d，期望 1: %v", len(vs.Warnings), vs.Warnings)
		}
	})

	t.Run("多个正确选项", func(t *testing.T) {
		story := validStory()
		story.Scenes[1].Quiz.Options[1].IsCorrect = true

		vs, err := ValidateStory(story)
		if err != nil {
			t.Fatalf("多正确选项只应告警不应拒绝: %v", err)
		}
		if len(vs.Warnings) != 1 {
			t.Errorf("告警数 = %d，期望 1: %v", len(vs.Warnings), vs.Warnings)
		}
	})
}

func TestResolveUnknownScene(t *testing.T) {
	vs, err := ValidateStory(validStory())
	if err != nil {
		t.Fatalf("校验失败: %v", err)
	}

	if _, ok := vs.Resolve("ghost"); ok {
		t.Error("图外的场景ID不应被解析")
	}
}
