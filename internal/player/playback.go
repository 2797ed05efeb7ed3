// internal/player/playback.go
package player

import (
	"fmt"
	"sync"
	"time"

	"github.com/Corphon/StorySimMCP/internal/models"
)

// State 播放状态机的状态
type State int

const (
	StateIdle State = iota
	StateRevealing
	StateAwaitingInput
	StateAdvancing
	StateCompleted
	StateError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRevealing:
		return "revealing"
	case StateAwaitingInput:
		return "awaiting_input"
	case StateAdvancing:
		return "advancing"
	case StateCompleted:
		return "completed"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// autoAdvanceDelay 自动模式下无分支场景揭示完成后的前进延迟
const autoAdvanceDelay = 2 * time.Second

// EventType 会话向外发布的事件类型
type EventType string

const (
	EventScene      EventType = "scene"
	EventReveal     EventType = "reveal"
	EventAwait      EventType = "await"
	EventQuizResult EventType = "quiz_result"
	EventCompleted  EventType = "completed"
	EventError      EventType = "error"
)

// SceneView 发给客户端的场景展示数据
// 媒体字段是不透明的URL/键，由外部存储解析，会话只做透传
type SceneView struct {
	ID            string                `json:"id"`
	Kind          string                `json:"kind"`
	Background    string                `json:"background,omitempty"`
	Characters    []models.Character   `json:"characters,omitempty"`
	ImageURL      string                `json:"image_url,omitempty"`
	SpeechURLs    []string              `json:"speech_urls,omitempty"`
	BGMType       models.BGMType        `json:"bgm_type,omitempty"`
	LearningPoint *models.LearningPoint `json:"learning_point,omitempty"`
}

// QuizView 发给客户端的题目数据，不泄露正确答案
type QuizView struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

// Event 会话发布的单个事件
type Event struct {
	Type       EventType          `json:"type"`
	Scene      *SceneView         `json:"scene,omitempty"`
	Displayed  string             `json:"displayed,omitempty"`
	Speaker    string             `json:"speaker,omitempty"`
	Done       bool               `json:"done,omitempty"`
	Mode       string             `json:"mode,omitempty"`
	Choices    []string           `json:"choices,omitempty"`
	Quiz       *QuizView          `json:"quiz,omitempty"`
	QuizResult *models.QuizResult `json:"quiz_result,omitempty"`
	PlayData   *models.PlayData   `json:"play_data,omitempty"`
	Message    string             `json:"message,omitempty"`
}

// SessionConfig 创建播放会话的参数
type SessionConfig struct {
	Story    *ValidatedStory
	Settings models.PlaySettings
	UserID   string

	// Clock 为空时使用墙钟
	Clock Clock

	// 回调在会话内部锁内调用，不得同步回调会话方法
	OnEvent    func(Event)
	OnComplete func(models.PlayData)
	OnClose    func()
}

// Session 播放状态机
//
// 拥有当前场景ID并驱动解析、切分、打字机与历史记录。单个会话同一
// 时刻最多持有一条打字节拍链和一个自动前进定时器；场景切换时通过
// 纪元计数使旧定时器的回调作废，杜绝上一场景的节拍污染新场景。
// 会话状态从不持久化，关闭即丢弃。
type Session struct {
	mu       sync.Mutex
	story    *ValidatedStory
	settings models.PlaySettings
	userID   string
	clock    Clock

	onEvent    func(Event)
	onComplete func(models.PlayData)
	onClose    func()

	state         State
	current       *ValidatedScene
	tw            *Typewriter
	history       []models.HistoryEntry
	playData      models.PlayData
	quizSubmitted bool
	lastQuiz      *models.QuizResult

	// 场景纪元：进入新场景与关闭时递增，定时器回调携带创建时的纪元，
	// 不匹配即作废
	epoch       int
	typingTimer Timer
	autoTimer   Timer
}

// NewSession 创建播放会话，故事必须已通过 ValidateStory
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Story == nil {
		return nil, fmt.Errorf("播放会话需要已校验的故事")
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	if cfg.Settings.TypingSpeed <= 0 {
		cfg.Settings.TypingSpeed = models.TypingSpeedNormal
	}
	if cfg.Settings.Language == "" {
		cfg.Settings.Language = models.LanguageJA
	}
	return &Session{
		story:      cfg.Story,
		settings:   cfg.Settings,
		userID:     cfg.UserID,
		clock:      cfg.Clock,
		onEvent:    cfg.OnEvent,
		onComplete: cfg.OnComplete,
		onClose:    cfg.OnClose,
		state:      StateIdle,
	}, nil
}

// Start 开始播放：当前场景置为初始场景，写入首条历史，进入揭示状态
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return
	}

	initial, ok := s.story.Resolve(s.story.Story.InitialScene)
	if !ok {
		// 校验过的故事不会走到这里，防御性兜底
		s.errorLocked(s.story.Story.InitialScene)
		return
	}

	s.playData = models.PlayData{
		StoryID:   s.story.Story.ID,
		UserID:    s.userID,
		StartTime: s.clock.Now(),
	}
	s.history = append(s.history, models.HistoryEntry{SceneID: initial.ID})
	s.current = initial
	s.enterSceneLocked()
}

// Tap 屏幕点击：揭示中则跳过动画，无分支场景等待输入时则继续
// 其余状态下是空操作
func (s *Session) Tap() {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateRevealing:
		s.skipLocked()
	case StateAwaitingInput:
		if s.current.Kind == KindLinear || s.current.Kind == KindTerminal {
			s.continueLocked()
		}
	}
}

// Choose 选择分支场景下点击第 index 个选项
func (s *Session) Choose(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAwaitingInput || s.current.Kind != KindChoices {
		return fmt.Errorf("当前状态不接受选择: %s", s.state)
	}
	if index < 0 || index >= len(s.current.Choices) {
		return fmt.Errorf("选项下标越界: %d", index)
	}
	s.chooseLocked(index)
	return nil
}

// Answer 问答场景作答，每次场景到访只接受一次
// 提交后的重复点击是防御性空操作，不视为错误
func (s *Session) Answer(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAwaitingInput || s.current.Kind != KindQuiz {
		return fmt.Errorf("当前状态不接受作答: %s", s.state)
	}
	if s.quizSubmitted {
		return nil
	}
	if index < 0 || index >= len(s.current.Quiz.Options) {
		return fmt.Errorf("选项下标越界: %d", index)
	}

	opt := s.current.Quiz.Options[index]
	s.quizSubmitted = true
	s.playData.TotalQuestions++
	if opt.IsCorrect {
		s.playData.CorrectAnswers++
	}

	s.lastQuiz = &models.QuizResult{
		SceneID:       s.current.ID,
		OptionIndex:   index,
		Correct:       opt.IsCorrect,
		Explanation:   opt.Explanation,
		QuizExplained: s.current.Quiz.Explanation,
	}
	s.emit(Event{Type: EventQuizResult, QuizResult: s.lastQuiz})
	return nil
}

// NextAfterQuiz 作答后的显式"下一步"，跳转到题目关联的后继场景
// 问答的跳转从不自动发生，同时重置本场景的提交子状态
func (s *Session) NextAfterQuiz() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAwaitingInput || s.current.Kind != KindQuiz {
		return fmt.Errorf("当前状态不接受下一步: %s", s.state)
	}
	if !s.quizSubmitted {
		return fmt.Errorf("尚未作答")
	}
	s.quizSubmitted = false
	s.lastQuiz = nil
	s.advanceLocked(s.current.NextScene, "")
	return nil
}

// UpdateSettings 更新会话设置，最后写入生效
// 打字速度从下一个节拍开始生效；自动模式的切换会即时调度或取消
// 待触发的自动前进定时器
func (s *Session) UpdateSettings(settings models.PlaySettings) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if settings.TypingSpeed <= 0 {
		settings.TypingSpeed = models.TypingSpeedNormal
	}
	// 语言在一次播放会话内固定
	settings.Language = s.settings.Language
	autoWas := s.settings.AutoMode
	s.settings = settings

	if s.state == StateAwaitingInput &&
		(s.current.Kind == KindLinear || s.current.Kind == KindTerminal) {
		if settings.AutoMode && !autoWas {
			s.scheduleAutoLocked()
		} else if !settings.AutoMode && autoWas {
			s.cancelAutoLocked()
		}
	}
}

// Settings 返回当前设置的副本
func (s *Session) Settings() models.PlaySettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// History 返回到访历史的副本（只读侧栏，不支持回退）
func (s *Session) History() []models.HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.HistoryEntry, len(s.history))
	copy(out, s.history)
	return out
}

// PlayData 返回当前播放数据的副本
func (s *Session) PlayData() models.PlayData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playData
}

// State 返回当前状态
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CurrentSceneID 返回当前场景ID，未开始时为空串
func (s *Session) CurrentSceneID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ""
	}
	return s.current.ID
}

// Close 手动关闭会话：取消全部定时器并触发 OnClose
// 已完成或已关闭的会话上是空操作
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateCompleted || s.state == StateClosed {
		return
	}
	s.cancelTimersLocked()
	s.epoch++
	s.state = StateClosed
	if s.onClose != nil {
		s.onClose()
	}
}

// ----------------------------------------
// 内部状态迁移（调用方须持有 s.mu）
// ----------------------------------------

// enterSceneLocked 进入 s.current：作废旧定时器，重建打字机，开始揭示
func (s *Session) enterSceneLocked() {
	s.cancelTimersLocked()
	s.epoch++
	s.quizSubmitted = false
	s.lastQuiz = nil

	quotes := s.current.TextForLanguage(s.settings.Language)
	s.tw = NewTypewriter(SegmentQuotes(quotes))
	s.state = StateRevealing

	s.emit(Event{Type: EventScene, Scene: s.sceneViewLocked()})

	if s.tw.Done() {
		// 空文本场景直接进入等待输入
		s.revealDoneLocked()
		return
	}
	s.scheduleTickLocked()
}

func (s *Session) sceneViewLocked() *SceneView {
	return &SceneView{
		ID:            s.current.ID,
		Kind:          s.current.Kind.String(),
		Background:    s.current.Background,
		Characters:    s.current.Characters,
		ImageURL:      s.current.SceneImageURL,
		SpeechURLs:    s.current.SceneSpeechURLs,
		BGMType:       s.current.SceneBgmType,
		LearningPoint: s.current.LearningPoint,
	}
}

func (s *Session) scheduleTickLocked() {
	epoch := s.epoch
	delay := time.Duration(s.settings.TypingSpeed) * time.Millisecond
	s.typingTimer = s.clock.AfterFunc(delay, func() {
		s.tick(epoch)
	})
}

// tick 一次打字节拍；纪元不匹配说明场景已切换，直接作废
func (s *Session) tick(epoch int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if epoch != s.epoch || s.state != StateRevealing {
		return
	}

	done := s.tw.Tick()
	s.emit(Event{
		Type:      EventReveal,
		Displayed: s.tw.Displayed(),
		Speaker:   s.tw.CurrentSpeaker(),
		Done:      done,
	})

	if done {
		s.revealDoneLocked()
		return
	}
	s.scheduleTickLocked()
}

// skipLocked 立即完全揭示，幂等
func (s *Session) skipLocked() {
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	s.tw.Skip()
	s.emit(Event{
		Type:      EventReveal,
		Displayed: s.tw.Displayed(),
		Speaker:   s.tw.CurrentSpeaker(),
		Done:      true,
	})
	s.revealDoneLocked()
}

// revealDoneLocked 揭示完成，按场景分支模式进入等待输入
func (s *Session) revealDoneLocked() {
	s.state = StateAwaitingInput

	switch s.current.Kind {
	case KindChoices:
		texts := make([]string, len(s.current.Choices))
		for i, c := range s.current.Choices {
			texts[i] = c.Text
		}
		s.emit(Event{Type: EventAwait, Mode: "choices", Choices: texts})

		// 单选项捷径：唯一的选择视同被点击，不要求显式输入
		if len(s.current.Choices) == 1 {
			s.chooseLocked(0)
		}

	case KindQuiz:
		opts := make([]string, len(s.current.Quiz.Options))
		for i, o := range s.current.Quiz.Options {
			opts[i] = o.Text
		}
		s.emit(Event{Type: EventAwait, Mode: "quiz", Quiz: &QuizView{
			Question: s.current.Quiz.Question,
			Options:  opts,
		}})

	case KindLinear, KindTerminal:
		s.emit(Event{Type: EventAwait, Mode: "continue"})
		if s.settings.AutoMode {
			s.scheduleAutoLocked()
		}
	}
}

func (s *Session) scheduleAutoLocked() {
	s.cancelAutoLocked()
	epoch := s.epoch
	s.autoTimer = s.clock.AfterFunc(autoAdvanceDelay, func() {
		s.autoContinue(epoch)
	})
}

func (s *Session) cancelAutoLocked() {
	if s.autoTimer != nil {
		s.autoTimer.Stop()
		s.autoTimer = nil
	}
}

// autoContinue 自动模式定时触发的继续，对分支场景永不生效
func (s *Session) autoContinue(epoch int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if epoch != s.epoch || s.state != StateAwaitingInput {
		return
	}
	if s.current.Kind != KindLinear && s.current.Kind != KindTerminal {
		return
	}
	s.continueLocked()
}

// chooseLocked 选择第 index 个选项：记录播放数据与历史，前进
func (s *Session) chooseLocked(index int) {
	choice := s.current.Choices[index]
	s.playData.Choices = append(s.playData.Choices, models.ChoiceRecord{
		SceneID:    s.current.ID,
		ChoiceText: choice.Text,
		Timestamp:  s.clock.Now(),
	})
	s.advanceLocked(choice.NextScene, choice.Text)
}

// continueLocked 无分支场景的继续：线性场景前进，终止场景完成
func (s *Session) continueLocked() {
	if s.current.Kind == KindLinear {
		s.advanceLocked(s.current.NextScene, "")
		return
	}
	s.completeLocked()
}

// advanceLocked 纯迁移态：解析目标场景，重置打字机，重新进入揭示
// 目标缺失进入终止性的"场景未找到"错误态（创作期数据完整性问题）
func (s *Session) advanceLocked(target, choiceText string) {
	s.state = StateAdvancing

	next, ok := s.story.Resolve(target)
	if !ok {
		s.errorLocked(target)
		return
	}

	s.playData.CompletedScenes = append(s.playData.CompletedScenes, s.current.ID)
	s.history = append(s.history, models.HistoryEntry{SceneID: next.ID, Choice: choiceText})
	s.current = next
	s.enterSceneLocked()
}

// completeLocked 记录结束时间与聚合数据，依次触发 OnComplete 与 OnClose
func (s *Session) completeLocked() {
	s.cancelTimersLocked()
	s.epoch++

	s.playData.CompletedScenes = append(s.playData.CompletedScenes, s.current.ID)
	s.playData.EndTime = s.clock.Now()
	s.state = StateCompleted

	s.emit(Event{Type: EventCompleted, PlayData: &s.playData})
	if s.onComplete != nil {
		s.onComplete(s.playData)
	}
	if s.onClose != nil {
		s.onClose()
	}
}

// errorLocked 终止性错误态：只渲染错误与关闭入口，不重试不恢复
func (s *Session) errorLocked(sceneID string) {
	s.cancelTimersLocked()
	s.epoch++
	s.state = StateError
	s.emit(Event{Type: EventError, Message: fmt.Sprintf("场景未找到: %s", sceneID)})
}

func (s *Session) cancelTimersLocked() {
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	s.cancelAutoLocked()
}

func (s *Session) emit(e Event) {
	if s.onEvent != nil {
		s.onEvent(e)
	}
}
