// cmd/play/tui.go
package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Corphon/StorySimMCP/internal/models"
	"github.com/Corphon/StorySimMCP/internal/player"
)

type playState int

const (
	statePlaying playState = iota
	stateCompleted
	stateError
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFA500")).
			Bold(true).
			Underline(true)

	speakerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EEEEEE")).
			Background(lipgloss.Color("#5F5F87")).
			Bold(true).
			PaddingLeft(1).
			PaddingRight(1)

	textStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF"))

	choiceStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87D7FF"))

	correctStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#5FFF87")).
			Bold(true)

	wrongStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF5F5F")).
			Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			Italic(true)

	sideStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder(), false, false, false, true).
			BorderForeground(lipgloss.Color("#3C3C3C")).
			PaddingLeft(2).
			Foreground(lipgloss.Color("#AAAAAA"))
)

// sessionEventMsg 播放会话事件
type sessionEventMsg struct {
	event player.Event
}

type tuiModel struct {
	state    playState
	session  *player.Session
	story    *player.ValidatedStory
	events   chan player.Event
	viewport viewport.Model
	width    int
	height   int

	sceneLog   string
	scene      *player.SceneView
	displayed  string
	speaker    string
	mode       string
	choices    []string
	quiz       *player.QuizView
	quizResult *models.QuizResult
	playData   *models.PlayData
	errMsg     string
}

func newTUIModel(validated *player.ValidatedStory, settings models.PlaySettings) (*tuiModel, error) {
	m := &tuiModel{
		state:  statePlaying,
		story:  validated,
		events: make(chan player.Event, 512),
	}

	// 事件回调在会话锁内触发，只做入队；缓冲远大于单场景的节拍数
	session, err := player.NewSession(player.SessionConfig{
		Story:    validated,
		Settings: settings,
		UserID:   "local",
		OnEvent: func(e player.Event) {
			m.events <- e
		},
	})
	if err != nil {
		return nil, err
	}
	m.session = session
	return m, nil
}

func (m *tuiModel) Init() tea.Cmd {
	return tea.Batch(
		func() tea.Msg {
			m.session.Start()
			return nil
		},
		m.waitForEvent(),
	)
}

func (m *tuiModel) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		return sessionEventMsg{event: <-m.events}
	}
}

func (m *tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = logWidth(msg.Width)
		m.viewport.Height = msg.Height - 8
		m.viewport.SetContent(m.sceneLog)

	case sessionEventMsg:
		m.applyEvent(msg.event)
		return m, m.waitForEvent()
	}

	return m, nil
}

func (m *tuiModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q", "esc":
		m.session.Close()
		return m, tea.Quit

	case "enter", " ":
		if m.mode == "quiz" && m.quizResult != nil {
			m.session.NextAfterQuiz()
			return m, nil
		}
		m.session.Tap()

	case "a":
		settings := m.session.Settings()
		settings.AutoMode = !settings.AutoMode
		m.session.UpdateSettings(settings)

	case "+":
		m.setSpeed(models.TypingSpeedFast)
	case "-":
		m.setSpeed(models.TypingSpeedSlow)
	case "=":
		m.setSpeed(models.TypingSpeedNormal)

	case "1", "2", "3", "4", "5", "6", "7", "8", "9":
		index := int(msg.String()[0] - '1')
		switch m.mode {
		case "choices":
			m.session.Choose(index)
		case "quiz":
			if m.quizResult == nil {
				m.session.Answer(index)
			}
		}
	}

	return m, nil
}

func (m *tuiModel) setSpeed(speed models.TypingSpeed) {
	settings := m.session.Settings()
	settings.TypingSpeed = speed
	m.session.UpdateSettings(settings)
}

// applyEvent 将会话事件映射到界面状态
func (m *tuiModel) applyEvent(e player.Event) {
	switch e.Type {
	case player.EventScene:
		m.scene = e.Scene
		m.displayed = ""
		m.speaker = ""
		m.mode = ""
		m.choices = nil
		m.quiz = nil
		m.quizResult = nil

	case player.EventReveal:
		m.displayed = e.Displayed
		m.speaker = e.Speaker
		if e.Done {
			m.appendSceneToLog()
		}

	case player.EventAwait:
		m.mode = e.Mode
		m.choices = e.Choices
		m.quiz = e.Quiz

	case player.EventQuizResult:
		m.quizResult = e.QuizResult

	case player.EventCompleted:
		m.state = stateCompleted
		m.playData = e.PlayData

	case player.EventError:
		m.state = stateError
		m.errMsg = e.Message
	}
}

// appendSceneToLog 揭示完成后把整段场景文本归档进日志视图
func (m *tuiModel) appendSceneToLog() {
	if m.displayed == "" {
		return
	}
	width := logWidth(m.width)
	entry := textStyle.Width(width).Render(m.displayed)
	if m.speaker != "" {
		entry = speakerStyle.Render(m.speaker) + "\n" + entry
	}
	m.sceneLog += entry + "\n\n"

	if m.viewport.Width == 0 && m.width > 0 {
		m.viewport = viewport.New(width, m.height-8)
	}
	m.viewport.SetContent(m.sceneLog)
	m.viewport.GotoBottom()
}

func (m *tuiModel) View() string {
	switch m.state {
	case stateError:
		return "\n" + wrongStyle.Render("エラー: "+m.errMsg) + "\n\n" +
			helpStyle.Render("q で終了") + "\n"

	case stateCompleted:
		return "\n" + m.completedView() + "\n"
	}

	main := lipgloss.JoinHorizontal(lipgloss.Top,
		m.viewport.View(),
		m.sideView(),
	)

	return "\n" + lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render(m.story.Story.Title),
		"",
		main,
		m.currentLineView(),
		m.promptView(),
		helpStyle.Render("Enter/Space: 進む・スキップ  1-9: 選択  a: オート  +/-/=: 速度  q: 終了"),
	) + "\n"
}

// currentLineView 正在揭示中的当前行
func (m *tuiModel) currentLineView() string {
	if m.displayed == "" {
		return ""
	}
	line := textStyle.Width(logWidth(m.width)).Render(m.displayed)
	if m.speaker != "" {
		return "\n" + speakerStyle.Render(m.speaker) + "\n" + line
	}
	return "\n" + line
}

// promptView 等待输入时的交互区：选项、题目或继续提示
func (m *tuiModel) promptView() string {
	var b strings.Builder

	switch m.mode {
	case "choices":
		b.WriteString("\n")
		for i, c := range m.choices {
			b.WriteString(choiceStyle.Render(fmt.Sprintf("  [%d] %s", i+1, c)))
			b.WriteString("\n")
		}

	case "quiz":
		b.WriteString("\n")
		b.WriteString(titleStyle.Render("問題") + " " + m.quiz.Question + "\n")
		for i, o := range m.quiz.Options {
			b.WriteString(choiceStyle.Render(fmt.Sprintf("  [%d] %s", i+1, o)))
			b.WriteString("\n")
		}
		if m.quizResult != nil {
			b.WriteString(m.quizResultView())
		}

	case "continue":
		b.WriteString("\n" + helpStyle.Render("▼"))
	}

	return b.String()
}

func (m *tuiModel) quizResultView() string {
	var b strings.Builder
	if m.quizResult.Correct {
		b.WriteString(correctStyle.Render("  ○ 正解！") + "\n")
	} else {
		b.WriteString(wrongStyle.Render("  × 不正解") + "\n")
	}
	if m.quizResult.Explanation != "" {
		b.WriteString(textStyle.Render("  "+m.quizResult.Explanation) + "\n")
	}
	if m.quizResult.QuizExplained != "" {
		b.WriteString(textStyle.Render("  "+m.quizResult.QuizExplained) + "\n")
	}
	b.WriteString(helpStyle.Render("  Enter で次へ"))
	return b.String()
}

func (m *tuiModel) completedView() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("おわり") + "\n\n")
	if m.playData != nil {
		b.WriteString(fmt.Sprintf("場面数: %d\n", len(m.playData.CompletedScenes)))
		if m.playData.TotalQuestions > 0 {
			b.WriteString(fmt.Sprintf("クイズ: %d/%d 正解\n",
				m.playData.CorrectAnswers, m.playData.TotalQuestions))
		}
		b.WriteString(fmt.Sprintf("プレイ時間: %s\n",
			m.playData.EndTime.Sub(m.playData.StartTime).Round(1e9)))
	}
	b.WriteString("\n" + helpStyle.Render("q で終了"))
	return b.String()
}

// sideView 右侧状态栏：当前场景与到访履歴
func (m *tuiModel) sideView() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("SCENE") + "\n")
	if m.scene != nil {
		b.WriteString(m.scene.ID + " (" + m.scene.Kind + ")\n")
		if m.scene.Background != "" {
			b.WriteString("背景: " + m.scene.Background + "\n")
		}
		for _, ch := range m.scene.Characters {
			b.WriteString("登場: " + ch.Name + "\n")
		}
	}

	b.WriteString("\n" + titleStyle.Render("HISTORY") + "\n")
	history := m.session.History()
	start := 0
	if len(history) > 8 {
		start = len(history) - 8
	}
	for _, h := range history[start:] {
		if h.Choice != "" {
			b.WriteString("> " + h.Choice + "\n")
		}
		b.WriteString(h.SceneID + "\n")
	}

	sideWidth := int(float64(m.width) * 0.23)
	return sideStyle.Width(sideWidth).Height(m.viewport.Height).Render(b.String())
}

func logWidth(total int) int {
	return int(float64(total) * 0.75)
}

// runTUI 以全屏模式运行终端播放器
func runTUI(validated *player.ValidatedStory, settings models.PlaySettings) error {
	m, err := newTUIModel(validated, settings)
	if err != nil {
		return err
	}
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err = p.Run()
	return err
}
