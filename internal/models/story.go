// internal/models/story.go
package models

import (
	"time"
)

// StoryLanguage 故事文本语言
type StoryLanguage string

const (
	LanguageJA StoryLanguage = "ja"
	LanguageEN StoryLanguage = "en"
)

// BGMType 场景背景音乐类型（由外部存储解析的键）
type BGMType string

const (
	BGMNone     BGMType = ""
	BGMDaily    BGMType = "daily"
	BGMSerious  BGMType = "serious"
	BGMTense    BGMType = "tense"
	BGMEmotive  BGMType = "emotive"
	BGMUplifted BGMType = "uplifted"
)

// Story 表示一个完整的互动故事文档
// 由生成流程整体创建，编辑器按字段修改，通过 Deleted 标志软删除（从不硬删除）
type Story struct {
	ID           string        `json:"id" yaml:"id"`
	UserID       string        `json:"user_id,omitempty" yaml:"user_id,omitempty"` // 作者用户ID
	Title        string        `json:"title" yaml:"title"`
	Description  string        `json:"description" yaml:"description"`
	InitialScene string        `json:"initial_scene" yaml:"initial_scene"` // 必须引用一个存在的场景ID
	Scenes       []Scene       `json:"scenes" yaml:"scenes"`
	IsQuizMode   bool          `json:"is_quiz_mode" yaml:"is_quiz_mode"`
	ThumbnailURL string        `json:"thumbnail_url,omitempty" yaml:"thumbnail_url,omitempty"`
	Language     StoryLanguage `json:"language,omitempty" yaml:"language,omitempty"`
	IsPublic     bool          `json:"is_public" yaml:"is_public"`
	Deleted      bool          `json:"deleted" yaml:"deleted"`
	PlayCount    int           `json:"play_count" yaml:"play_count"`
	CreatedAt    time.Time     `json:"created_at" yaml:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at" yaml:"updated_at"`
}

// Scene 表示故事图中的一个节点，是展示和分支的基本单位
// 一个场景恰好处于三种分支模式之一：
//   - 选择分支：Choices 非空
//   - 问答分支：Quiz 非空且 NextScene 已设置
//   - 终止场景：两者皆无（结束播放）
type Scene struct {
	ID              string         `json:"id" yaml:"id"`
	Background      string         `json:"background,omitempty" yaml:"background,omitempty"`
	Characters      []Character    `json:"characters,omitempty" yaml:"characters,omitempty"`
	Text            []Quote        `json:"text" yaml:"text"`
	TextEn          []Quote        `json:"text_en,omitempty" yaml:"text_en,omitempty"`
	Choices         []Choice       `json:"choices,omitempty" yaml:"choices,omitempty"`
	Quiz            *Quiz          `json:"quiz,omitempty" yaml:"quiz,omitempty"`
	NextScene       string         `json:"next_scene,omitempty" yaml:"next_scene,omitempty"`
	SceneImageURL   string         `json:"scene_image_url,omitempty" yaml:"scene_image_url,omitempty"`
	SceneSpeechURLs []string       `json:"scene_speech_urls,omitempty" yaml:"scene_speech_urls,omitempty"`
	SceneBgmType    BGMType        `json:"scene_bgm_type,omitempty" yaml:"scene_bgm_type,omitempty"`
	LearningPoint   *LearningPoint `json:"learning_point,omitempty" yaml:"learning_point,omitempty"`
}

// Character 场景中登场的角色
type Character struct {
	Name      string `json:"name" yaml:"name"`
	ImageURL  string `json:"image_url,omitempty" yaml:"image_url,omitempty"`
	VoiceType string `json:"voice_type,omitempty" yaml:"voice_type,omitempty"` // 语音合成使用的音色键
}

// Quote 一条带可选说话者归属的原子台词
// 同时用于文本展示和按角色选择合成语音
type Quote struct {
	Text        string `json:"text" yaml:"text"`
	Speaker     string `json:"speaker,omitempty" yaml:"speaker,omitempty"`
	SpeakerType string `json:"speaker_type,omitempty" yaml:"speaker_type,omitempty"`
}

// Choice 一条遍历边，无权重、无前置条件
type Choice struct {
	Text      string `json:"text" yaml:"text"`
	NextScene string `json:"next_scene" yaml:"next_scene"`
}

// Quiz 问答分支的题目
type Quiz struct {
	Question    string       `json:"question" yaml:"question"`
	Options     []QuizOption `json:"options" yaml:"options"`
	Explanation string       `json:"explanation,omitempty" yaml:"explanation,omitempty"`
}

// QuizOption 问答选项，预期恰好一个 IsCorrect 为 true
type QuizOption struct {
	Text        string `json:"text" yaml:"text"`
	IsCorrect   bool   `json:"is_correct" yaml:"is_correct"`
	Explanation string `json:"explanation,omitempty" yaml:"explanation,omitempty"`
}

// LearningPoint 场景附带的学习要点
type LearningPoint struct {
	Title   string `json:"title,omitempty" yaml:"title,omitempty"`
	Content string `json:"content" yaml:"content"`
}

// StoryMetadata 用于故事列表展示，不携带场景内容
type StoryMetadata struct {
	ID           string        `json:"id" yaml:"id"`
	UserID       string        `json:"user_id,omitempty" yaml:"user_id,omitempty"`
	Title        string        `json:"title" yaml:"title"`
	Description  string        `json:"description" yaml:"description"`
	IsQuizMode   bool          `json:"is_quiz_mode" yaml:"is_quiz_mode"`
	ThumbnailURL string        `json:"thumbnail_url,omitempty" yaml:"thumbnail_url,omitempty"`
	Language     StoryLanguage `json:"language,omitempty" yaml:"language,omitempty"`
	IsPublic     bool          `json:"is_public" yaml:"is_public"`
	SceneCount   int           `json:"scene_count" yaml:"scene_count"`
	PlayCount    int           `json:"play_count" yaml:"play_count"`
	CreatedAt    time.Time     `json:"created_at" yaml:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at" yaml:"updated_at"`
}

// Metadata 提取故事的列表元信息
func (s *Story) Metadata() StoryMetadata {
	return StoryMetadata{
		ID:           s.ID,
		UserID:       s.UserID,
		Title:        s.Title,
		Description:  s.Description,
		IsQuizMode:   s.IsQuizMode,
		ThumbnailURL: s.ThumbnailURL,
		Language:     s.Language,
		IsPublic:     s.IsPublic,
		SceneCount:   len(s.Scenes),
		PlayCount:    s.PlayCount,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}

// TextForLanguage 根据播放语言返回场景文本
// 语言在一次播放会话内固定；英文文本缺失时回退到原文
func (sc *Scene) TextForLanguage(lang StoryLanguage) []Quote {
	if lang == LanguageEN && len(sc.TextEn) > 0 {
		return sc.TextEn
	}
	return sc.Text
}
