// internal/models/play.go
package models

import (
	"time"
)

// TypingSpeed 打字机每字符揭示间隔（毫秒）
type TypingSpeed int

const (
	TypingSpeedFast   TypingSpeed = 10
	TypingSpeedNormal TypingSpeed = 30
	TypingSpeedSlow   TypingSpeed = 50
)

// TextSize 播放界面文字尺寸
type TextSize string

const (
	TextSizeSmall  TextSize = "small"
	TextSizeMedium TextSize = "medium"
	TextSizeLarge  TextSize = "large"
)

// PlaySettings 单次播放会话的临时设置
// 纯配置状态，除"最后写入生效"外不携带任何不变量
type PlaySettings struct {
	TypingSpeed  TypingSpeed   `json:"typing_speed"`
	TextSize     TextSize      `json:"text_size"`
	BGMEnabled   bool          `json:"bgm_enabled"`
	SFXEnabled   bool          `json:"sfx_enabled"`
	VoiceEnabled bool          `json:"voice_enabled"`
	NightMode    bool          `json:"night_mode"`
	AutoMode     bool          `json:"auto_mode"`
	UIVisible    bool          `json:"ui_visible"`
	Language     StoryLanguage `json:"language"`
}

// DefaultPlaySettings 返回默认播放设置
func DefaultPlaySettings() PlaySettings {
	return PlaySettings{
		TypingSpeed:  TypingSpeedNormal,
		TextSize:     TextSizeMedium,
		BGMEnabled:   true,
		SFXEnabled:   true,
		VoiceEnabled: true,
		UIVisible:    true,
		Language:     LanguageJA,
	}
}

// ChoiceRecord 一次选择的记录，写入播放数据
type ChoiceRecord struct {
	SceneID    string    `json:"scene_id"`
	ChoiceText string    `json:"choice_text"`
	Timestamp  time.Time `json:"timestamp"`
}

// HistoryEntry 历史侧栏中的一项：到访的场景与导向它的选择文本
// 历史只追加，不支持回退改写
type HistoryEntry struct {
	SceneID string `json:"scene_id"`
	Choice  string `json:"choice,omitempty"`
}

// QuizResult 单题作答结果
type QuizResult struct {
	SceneID       string `json:"scene_id"`
	OptionIndex   int    `json:"option_index"`
	Correct       bool   `json:"correct"`
	Explanation   string `json:"explanation,omitempty"`
	QuizExplained string `json:"quiz_explanation,omitempty"`
}

// PlayData 播放完成时上报的聚合数据
type PlayData struct {
	StoryID         string         `json:"story_id"`
	UserID          string         `json:"user_id,omitempty"`
	Choices         []ChoiceRecord `json:"choices"`
	CompletedScenes []string       `json:"completed_scenes"`
	StartTime       time.Time      `json:"start_time"`
	EndTime         time.Time      `json:"end_time"`
	CorrectAnswers  int            `json:"correct_answers,omitempty"`
	TotalQuestions  int            `json:"total_questions,omitempty"`
}

// StoryStats 单个故事的聚合播放统计
type StoryStats struct {
	StoryID        string    `json:"story_id"`
	Plays          int       `json:"plays"`
	Completions    int       `json:"completions"`
	TotalQuestions int       `json:"total_questions"`
	TotalCorrect   int       `json:"total_correct"`
	LastPlayedAt   time.Time `json:"last_played_at"`
}

// QuizAccuracy 返回累计答题正确率，无题目时为 0
func (s *StoryStats) QuizAccuracy() float64 {
	if s.TotalQuestions == 0 {
		return 0
	}
	return float64(s.TotalCorrect) / float64(s.TotalQuestions)
}
