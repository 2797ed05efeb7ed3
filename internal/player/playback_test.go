// internal/player/playback_test.go
package player

import (
	"sync"
	"testing"
	"time"

	"github.com/Corphon/StorySimMCP/internal/models"
)

// ----------------------------------------
// 测试用假时钟
// ----------------------------------------

type fakeTimer struct {
	clock   *fakeClock
	when    time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, when: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance 推进假时钟，按到期顺序触发定时器
// 回调在锁外执行，允许回调中再次调度
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		var next *fakeTimer
		for _, t := range c.timers {
			if t.stopped || t.fired {
				continue
			}
			if !t.when.After(target) && (next == nil || t.when.Before(next.when)) {
				next = t
			}
		}
		if next == nil {
			break
		}
		next.fired = true
		c.now = next.when
		f := next.f
		c.mu.Unlock()
		f()
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

// ----------------------------------------
// 事件与回调采集
// ----------------------------------------

type harness struct {
	clock     *fakeClock
	session   *Session
	events    []Event
	completed []models.PlayData
	closed    int
}

func newHarness(t *testing.T, story *models.Story, settings models.PlaySettings) *harness {
	t.Helper()

	vs, err := ValidateStory(story)
	if err != nil {
		t.Fatalf("故事校验失败: %v", err)
	}
	return newHarnessValidated(t, vs, settings)
}

func newHarnessValidated(t *testing.T, vs *ValidatedStory, settings models.PlaySettings) *harness {
	t.Helper()

	h := &harness{clock: newFakeClock()}
	session, err := NewSession(SessionConfig{
		Story:    vs,
		Settings: settings,
		UserID:   "user_1",
		Clock:    h.clock,
		OnEvent: func(e Event) {
			h.events = append(h.events, e)
		},
		OnComplete: func(pd models.PlayData) {
			h.completed = append(h.completed, pd)
		},
		OnClose: func() {
			h.closed++
		},
	})
	if err != nil {
		t.Fatalf("创建会话失败: %v", err)
	}
	h.session = session
	return h
}

func (h *harness) lastEventOf(et EventType) *Event {
	for i := len(h.events) - 1; i >= 0; i-- {
		if h.events[i].Type == et {
			return &h.events[i]
		}
	}
	return nil
}

// revealAll 推进时钟直到当前场景文本全部揭示
func (h *harness) revealAll() {
	for i := 0; i < 10000 && h.session.State() == StateRevealing; i++ {
		h.clock.Advance(time.Duration(h.session.Settings().TypingSpeed) * time.Millisecond)
	}
}

// ----------------------------------------
// 端到端场景
// ----------------------------------------

// 场景1：选择分支的基本流程
func TestPlaybackChoiceFlow(t *testing.T) {
	story := &models.Story{
		ID:           "story_e2e_1",
		InitialScene: "s1",
		Scenes: []models.Scene{
			{
				ID:   "s1",
				Text: []models.Quote{{Speaker: "Hero", Text: "Hello!"}},
				Choices: []models.Choice{
					{Text: "next", NextScene: "s2"},
					{Text: "stay", NextScene: "s1"},
				},
			},
			{ID: "s2", Text: []models.Quote{{Text: "end"}}},
		},
	}

	h := newHarness(t, story, models.DefaultPlaySettings())
	h.session.Start()

	if h.session.State() != StateRevealing {
		t.Fatalf("开始后状态 = %s，期望 revealing", h.session.State())
	}

	// 逐字揭示 "Hello!"（6 字符，默认 30ms/字符）
	h.clock.Advance(180 * time.Millisecond)

	reveal := h.lastEventOf(EventReveal)
	if reveal == nil {
		t.Fatal("应有揭示事件")
	}
	if reveal.Displayed != "Hello!" {
		t.Errorf("揭示文本 = %q，期望 %q", reveal.Displayed, "Hello!")
	}
	if reveal.Speaker != "Hero" {
		t.Errorf("说话者 = %q，期望 %q", reveal.Speaker, "Hero")
	}
	if h.session.State() != StateAwaitingInput {
		t.Fatalf("揭示完成后状态 = %s", h.session.State())
	}

	await := h.lastEventOf(EventAwait)
	if await == nil || await.Mode != "choices" || len(await.Choices) != 2 {
		t.Fatalf("应呈现 2 个选项: %+v", await)
	}

	// 选择确定性地跳转并恰好追加一条历史
	if err := h.session.Choose(0); err != nil {
		t.Fatalf("选择失败: %v", err)
	}
	if h.session.CurrentSceneID() != "s2" {
		t.Errorf("当前场景 = %s，期望 s2", h.session.CurrentSceneID())
	}

	history := h.session.History()
	if len(history) != 2 {
		t.Fatalf("历史条数 = %d，期望 2: %v", len(history), history)
	}
	if history[0].SceneID != "s1" || history[0].Choice != "" {
		t.Errorf("历史[0] = %+v", history[0])
	}
	if history[1].SceneID != "s2" || history[1].Choice != "next" {
		t.Errorf("历史[1] = %+v", history[1])
	}
}

// 场景2：问答作答一次，重复点击为空操作
func TestPlaybackQuizFlow(t *testing.T) {
	story := &models.Story{
		ID:           "story_e2e_2",
		InitialScene: "q1",
		Scenes: []models.Scene{
			{
				ID:   "q1",
				Text: []models.Quote{{Text: "Q"}},
				Quiz: &models.Quiz{
					Question: "どれ？",
					Options: []models.QuizOption{
						{Text: "a"},
						{Text: "b", IsCorrect: true, Explanation: "bが正しい"},
						{Text: "c"},
					},
					Explanation: "全体の解説",
				},
				NextScene: "end",
			},
			{ID: "end", Text: []models.Quote{{Text: "done"}}},
		},
	}

	h := newHarness(t, story, models.DefaultPlaySettings())
	h.session.Start()
	h.session.Tap() // 跳过揭示

	await := h.lastEventOf(EventAwait)
	if await == nil || await.Mode != "quiz" {
		t.Fatalf("应进入问答等待: %+v", await)
	}
	if await.Quiz == nil || len(await.Quiz.Options) != 3 {
		t.Fatalf("题目数据不完整: %+v", await.Quiz)
	}

	if err := h.session.Answer(1); err != nil {
		t.Fatalf("作答失败: %v", err)
	}

	result := h.lastEventOf(EventQuizResult)
	if result == nil || result.QuizResult == nil {
		t.Fatal("应有作答结果事件")
	}
	if !result.QuizResult.Correct {
		t.Error("选择正确选项应计为正确")
	}
	if result.QuizResult.Explanation != "bが正しい" {
		t.Errorf("选项解说 = %q", result.QuizResult.Explanation)
	}
	if result.QuizResult.QuizExplained != "全体の解説" {
		t.Errorf("整体解说 = %q", result.QuizResult.QuizExplained)
	}

	pd := h.session.PlayData()
	if pd.TotalQuestions != 1 || pd.CorrectAnswers != 1 {
		t.Errorf("答题计数 = %d/%d，期望 1/1", pd.CorrectAnswers, pd.TotalQuestions)
	}

	// 重复作答被防御性忽略，计数不变
	if err := h.session.Answer(0); err != nil {
		t.Fatalf("重复作答不应返回错误: %v", err)
	}
	if err := h.session.Answer(2); err != nil {
		t.Fatalf("重复作答不应返回错误: %v", err)
	}
	pd = h.session.PlayData()
	if pd.TotalQuestions != 1 {
		t.Errorf("重复点击后 TotalQuestions = %d，期望仍为 1", pd.TotalQuestions)
	}

	// 跳转需要显式"下一步"，不会自动发生
	if h.session.CurrentSceneID() != "q1" {
		t.Fatal("作答后不应自动跳转")
	}
	if err := h.session.NextAfterQuiz(); err != nil {
		t.Fatalf("下一步失败: %v", err)
	}
	if h.session.CurrentSceneID() != "end" {
		t.Errorf("下一步后场景 = %s，期望 end", h.session.CurrentSceneID())
	}
}

// 场景3：自动模式下终止场景在约 2000ms 后自动完成
func TestPlaybackAutoModeCompletion(t *testing.T) {
	story := &models.Story{
		ID:           "story_e2e_3",
		InitialScene: "only",
		Scenes: []models.Scene{
			{ID: "only", Text: []models.Quote{{Speaker: "N", Text: "ab"}}},
		},
	}

	settings := models.DefaultPlaySettings()
	settings.AutoMode = true

	h := newHarness(t, story, settings)
	h.session.Start()

	// 2 字符 × 30ms 揭示完毕
	h.clock.Advance(60 * time.Millisecond)
	if h.session.State() != StateAwaitingInput {
		t.Fatalf("揭示后状态 = %s", h.session.State())
	}

	// 1999ms 时尚未完成
	h.clock.Advance(1999 * time.Millisecond)
	if len(h.completed) != 0 {
		t.Fatal("自动前进不应早于 2000ms 触发")
	}

	// 到 2000ms 自动完成，无需任何输入
	h.clock.Advance(1 * time.Millisecond)
	if h.session.State() != StateCompleted {
		t.Fatalf("状态 = %s，期望 completed", h.session.State())
	}
	if len(h.completed) != 1 {
		t.Fatalf("OnComplete 调用次数 = %d", len(h.completed))
	}
	if h.closed != 1 {
		t.Errorf("OnClose 调用次数 = %d", h.closed)
	}

	pd := h.completed[0]
	if pd.EndTime.IsZero() || pd.EndTime.Before(pd.StartTime) {
		t.Errorf("结束时间不合法: %v", pd.EndTime)
	}
	if len(pd.CompletedScenes) != 1 || pd.CompletedScenes[0] != "only" {
		t.Errorf("完成场景列表 = %v", pd.CompletedScenes)
	}
}

// 场景4：悬空引用进入终止性"场景未找到"错误态而非崩溃
func TestPlaybackDanglingReferenceError(t *testing.T) {
	// 装载期校验会拒绝这种图；此处手工构造以验证会话的防御路径
	story := &models.Story{ID: "story_e2e_4", InitialScene: "s1"}
	vs := &ValidatedStory{
		Story: story,
		scenes: map[string]*ValidatedScene{
			"s1": {
				Scene: models.Scene{
					ID:      "s1",
					Text:    []models.Quote{{Text: "x"}},
					Choices: []models.Choice{{Text: "go", NextScene: "missing"}},
				},
				Kind: KindChoices,
			},
		},
	}

	h := newHarnessValidated(t, vs, models.DefaultPlaySettings())
	h.session.Start()
	h.session.Tap()

	// 单选项捷径直接触发跳转，落入错误态
	if h.session.State() != StateError {
		t.Fatalf("状态 = %s，期望 error", h.session.State())
	}
	errEvent := h.lastEventOf(EventError)
	if errEvent == nil || errEvent.Message == "" {
		t.Fatal("应有错误事件")
	}
	if len(h.completed) != 0 {
		t.Error("错误态不应触发 OnComplete")
	}
}

// ----------------------------------------
// 状态机细节
// ----------------------------------------

func TestPlaybackTapSkipsReveal(t *testing.T) {
	story := &models.Story{
		ID:           "story_skip",
		InitialScene: "s1",
		Scenes: []models.Scene{
			{ID: "s1", Text: []models.Quote{{Speaker: "A", Text: "long text here"}},
				NextScene: "s2"},
			{ID: "s2", Text: []models.Quote{{Text: "fin"}}},
		},
	}

	h := newHarness(t, story, models.DefaultPlaySettings())
	h.session.Start()

	// 只揭示了一部分
	h.clock.Advance(60 * time.Millisecond)
	if h.session.State() != StateRevealing {
		t.Fatalf("状态 = %s", h.session.State())
	}

	// 点击即跳过
	h.session.Tap()
	reveal := h.lastEventOf(EventReveal)
	if reveal == nil || !reveal.Done || reveal.Displayed != "long text here" {
		t.Fatalf("跳过后应完全揭示: %+v", reveal)
	}
	if h.session.State() != StateAwaitingInput {
		t.Fatalf("跳过后状态 = %s", h.session.State())
	}

	// 线性场景：再次点击继续
	h.session.Tap()
	if h.session.CurrentSceneID() != "s2" {
		t.Errorf("继续后场景 = %s，期望 s2", h.session.CurrentSceneID())
	}
}

func TestPlaybackSingleChoiceShortcut(t *testing.T) {
	story := &models.Story{
		ID:           "story_single",
		InitialScene: "s1",
		Scenes: []models.Scene{
			{ID: "s1", Text: []models.Quote{{Text: "x"}},
				Choices: []models.Choice{{Text: "唯一の道", NextScene: "s2"}}},
			{ID: "s2", Text: []models.Quote{{Text: "y"}}},
		},
	}

	h := newHarness(t, story, models.DefaultPlaySettings())
	h.session.Start()
	h.session.Tap()

	// 唯一选项视同被点击，自动前进
	if h.session.CurrentSceneID() != "s2" {
		t.Fatalf("单选项应自动前进，当前场景 = %s", h.session.CurrentSceneID())
	}
	history := h.session.History()
	if len(history) != 2 || history[1].Choice != "唯一の道" {
		t.Errorf("历史 = %v", history)
	}
	pd := h.session.PlayData()
	if len(pd.Choices) != 1 || pd.Choices[0].ChoiceText != "唯一の道" {
		t.Errorf("播放数据选择记录 = %v", pd.Choices)
	}
}

func TestPlaybackStaleTimersInvalidated(t *testing.T) {
	story := &models.Story{
		ID:           "story_stale",
		InitialScene: "s1",
		Scenes: []models.Scene{
			{ID: "s1", Text: []models.Quote{{Speaker: "A", Text: "aaaaaaaaaa"}},
				NextScene: "s2"},
			{ID: "s2", Text: []models.Quote{{Speaker: "B", Text: "bb"}}},
		},
	}

	h := newHarness(t, story, models.DefaultPlaySettings())
	h.session.Start()
	h.clock.Advance(30 * time.Millisecond)

	// 跳过并前进到 s2，s1 的节拍链必须全部作废
	h.session.Tap()
	h.session.Tap()
	if h.session.CurrentSceneID() != "s2" {
		t.Fatalf("当前场景 = %s", h.session.CurrentSceneID())
	}

	// 推进大量时间：只应出现 s2 的揭示，不应有 s1 的残留节拍
	h.clock.Advance(time.Second)
	for _, e := range h.events {
		if e.Type == EventReveal && e.Done && e.Speaker == "A" {
			// s1 的完成事件只可能来自跳过那一次
			if e.Displayed != "aaaaaaaaaa" {
				t.Errorf("残留的 s1 揭示事件: %+v", e)
			}
		}
	}
	reveal := h.lastEventOf(EventReveal)
	if reveal.Speaker != "B" || reveal.Displayed != "bb" {
		t.Errorf("最终揭示应属于 s2: %+v", reveal)
	}
}

func TestPlaybackAutoModeIgnoresBranchingScenes(t *testing.T) {
	story := &models.Story{
		ID:           "story_auto_branch",
		InitialScene: "s1",
		Scenes: []models.Scene{
			{ID: "s1", Text: []models.Quote{{Text: "x"}},
				Choices: []models.Choice{
					{Text: "a", NextScene: "s2"},
					{Text: "b", NextScene: "s2"},
				}},
			{ID: "s2", Text: []models.Quote{{Text: "y"}}},
		},
	}

	settings := models.DefaultPlaySettings()
	settings.AutoMode = true

	h := newHarness(t, story, settings)
	h.session.Start()
	h.session.Tap()

	// 自动模式对选择分支无效，必须等待显式输入
	h.clock.Advance(10 * time.Second)
	if h.session.CurrentSceneID() != "s1" {
		t.Errorf("自动模式不应推进选择分支场景，当前 = %s", h.session.CurrentSceneID())
	}
	if h.session.State() != StateAwaitingInput {
		t.Errorf("状态 = %s", h.session.State())
	}
}

func TestPlaybackSettingsToggleAuto(t *testing.T) {
	story := &models.Story{
		ID:           "story_toggle",
		InitialScene: "s1",
		Scenes: []models.Scene{
			{ID: "s1", Text: []models.Quote{{Text: "x"}}},
		},
	}

	h := newHarness(t, story, models.DefaultPlaySettings())
	h.session.Start()
	h.session.Tap()
	if h.session.State() != StateAwaitingInput {
		t.Fatalf("状态 = %s", h.session.State())
	}

	// 等待输入期间开启自动模式，2 秒后自动完成
	settings := h.session.Settings()
	settings.AutoMode = true
	h.session.UpdateSettings(settings)

	h.clock.Advance(2 * time.Second)
	if h.session.State() != StateCompleted {
		t.Errorf("开启自动模式后应自动完成，状态 = %s", h.session.State())
	}
}

func TestPlaybackClose(t *testing.T) {
	story := &models.Story{
		ID:           "story_close",
		InitialScene: "s1",
		Scenes: []models.Scene{
			{ID: "s1", Text: []models.Quote{{Text: "xxxxx"}}},
		},
	}

	h := newHarness(t, story, models.DefaultPlaySettings())
	h.session.Start()
	h.session.Close()

	if h.session.State() != StateClosed {
		t.Fatalf("状态 = %s", h.session.State())
	}
	if h.closed != 1 {
		t.Errorf("OnClose 调用次数 = %d", h.closed)
	}

	// 关闭后定时器全部作废
	before := len(h.events)
	h.clock.Advance(time.Second)
	if len(h.events) != before {
		t.Error("关闭后不应再有事件")
	}

	// 重复关闭是空操作
	h.session.Close()
	if h.closed != 1 {
		t.Errorf("重复关闭触发了 OnClose: %d", h.closed)
	}
}

func TestPlaybackQuizResetOnRevisit(t *testing.T) {
	// 同一问答场景再次到访时可以重新作答
	story := &models.Story{
		ID:           "story_revisit",
		InitialScene: "q1",
		Scenes: []models.Scene{
			{
				ID:   "q1",
				Text: []models.Quote{{Text: "Q"}},
				Quiz: &models.Quiz{
					Question: "?",
					Options:  []models.QuizOption{{Text: "a", IsCorrect: true}, {Text: "b"}},
				},
				NextScene: "mid",
			},
			{ID: "mid", Text: []models.Quote{{Text: "m"}}, NextScene: "q1"},
		},
	}

	h := newHarness(t, story, models.DefaultPlaySettings())
	h.session.Start()
	h.session.Tap()

	if err := h.session.Answer(0); err != nil {
		t.Fatalf("作答失败: %v", err)
	}
	if err := h.session.NextAfterQuiz(); err != nil {
		t.Fatalf("下一步失败: %v", err)
	}

	h.session.Tap() // mid 跳过
	h.session.Tap() // mid 继续 → 回到 q1
	h.session.Tap() // q1 跳过

	if err := h.session.Answer(1); err != nil {
		t.Fatalf("再次到访后作答失败: %v", err)
	}
	pd := h.session.PlayData()
	if pd.TotalQuestions != 2 {
		t.Errorf("两次到访应计两题，实际 %d", pd.TotalQuestions)
	}
	if pd.CorrectAnswers != 1 {
		t.Errorf("正确数 = %d，期望 1", pd.CorrectAnswers)
	}
}
