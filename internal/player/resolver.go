// internal/player/resolver.go
package player

import (
	"fmt"
	"strings"

	"github.com/Corphon/StorySimMCP/internal/models"
)

// SceneKind 场景的显式分支模式
// 按字段存在性推断的联合类型在校验时一次性固化为带标签的变体，
// 播放期不再做任何临场判断
type SceneKind int

const (
	// KindChoices 选择分支：呈现选项，点击后跳转
	KindChoices SceneKind = iota
	// KindQuiz 问答分支：作答一次后经显式"下一步"跳转到固定后继
	KindQuiz
	// KindLinear 线性场景：无分支，"继续"后跳转到固定后继
	KindLinear
	// KindTerminal 终止场景：无任何后继，"继续"即完成播放
	KindTerminal
)

func (k SceneKind) String() string {
	switch k {
	case KindChoices:
		return "choices"
	case KindQuiz:
		return "quiz"
	case KindLinear:
		return "linear"
	case KindTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// ValidatedScene 校验后的场景：原始场景加固化的分支模式
type ValidatedScene struct {
	models.Scene
	Kind SceneKind
}

// DanglingRef 一条指向不存在场景的悬空边
type DanglingRef struct {
	FromScene string `json:"from_scene"` // 来源场景ID，初始场景引用时为空
	Edge      string `json:"edge"`       // initial_scene / choice / next_scene
	Label     string `json:"label,omitempty"`
	TargetID  string `json:"target_id"`
}

// GraphError 故事图校验失败，列出全部悬空引用
// 播放前的数据完整性错误，属于创作期问题而非运行时可恢复状况
type GraphError struct {
	StoryID  string        `json:"story_id"`
	Dangling []DanglingRef `json:"dangling"`
	Problems []string      `json:"problems,omitempty"`
}

func (e *GraphError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "故事图校验失败 (story=%s):", e.StoryID)
	for _, d := range e.Dangling {
		fmt.Fprintf(&sb, " [%s %s->%s]", d.Edge, d.FromScene, d.TargetID)
	}
	for _, p := range e.Problems {
		fmt.Fprintf(&sb, " [%s]", p)
	}
	return sb.String()
}

// ValidatedStory 通过校验的故事：O(1) 场景索引 + 固化的分支模式
// 校验在故事装载时执行一次，播放期的查找不可能再失败于悬空引用
type ValidatedStory struct {
	Story    *models.Story
	scenes   map[string]*ValidatedScene
	Warnings []string
}

// ValidateStory 对故事图做一次装载期校验
//
// 拒绝条件（返回 *GraphError）：
//   - initial_scene 为空或不存在
//   - 任何 choice.next_scene 指向不存在的场景
//   - 任何场景的 next_scene 指向不存在的场景
//   - 问答场景缺少 next_scene（作答后无处可去）
//   - 重复的场景ID
//
// 告警条件（不拒绝，记入 Warnings）：
//   - 问答题没有或有多个正确选项（零正确选项的题目每次作答都计错）
func ValidateStory(story *models.Story) (*ValidatedStory, error) {
	gerr := &GraphError{StoryID: story.ID}

	scenes := make(map[string]*ValidatedScene, len(story.Scenes))
	for i := range story.Scenes {
		sc := &story.Scenes[i]
		if _, exists := scenes[sc.ID]; exists {
			gerr.Problems = append(gerr.Problems, fmt.Sprintf("场景ID重复: %s", sc.ID))
			continue
		}
		scenes[sc.ID] = &ValidatedScene{Scene: *sc, Kind: classify(sc)}
	}

	if story.InitialScene == "" {
		gerr.Problems = append(gerr.Problems, "initial_scene 未设置")
	} else if _, ok := scenes[story.InitialScene]; !ok {
		gerr.Dangling = append(gerr.Dangling, DanglingRef{
			Edge:     "initial_scene",
			TargetID: story.InitialScene,
		})
	}

	// 按文档顺序遍历，保证悬空引用与告警的输出顺序稳定
	var warnings []string
	checked := make(map[string]bool, len(scenes))
	for i := range story.Scenes {
		vs, ok := scenes[story.Scenes[i].ID]
		if !ok || checked[vs.ID] {
			continue
		}
		checked[vs.ID] = true
		for _, c := range vs.Choices {
			if _, ok := scenes[c.NextScene]; !ok {
				gerr.Dangling = append(gerr.Dangling, DanglingRef{
					FromScene: vs.ID,
					Edge:      "choice",
					Label:     c.Text,
					TargetID:  c.NextScene,
				})
			}
		}
		if vs.NextScene != "" {
			if _, ok := scenes[vs.NextScene]; !ok {
				gerr.Dangling = append(gerr.Dangling, DanglingRef{
					FromScene: vs.ID,
					Edge:      "next_scene",
					TargetID:  vs.NextScene,
				})
			}
		}
		if vs.Kind == KindQuiz {
			if vs.NextScene == "" {
				gerr.Problems = append(gerr.Problems, fmt.Sprintf("问答场景 %s 缺少 next_scene", vs.ID))
			}
			warnings = append(warnings, quizWarnings(vs)...)
		}
	}

	if len(gerr.Dangling) > 0 || len(gerr.Problems) > 0 {
		return nil, gerr
	}

	return &ValidatedStory{Story: story, scenes: scenes, Warnings: warnings}, nil
}

// classify 按字段存在性固化分支模式
// 选择分支优先于问答，与播放端的历史行为一致
func classify(sc *models.Scene) SceneKind {
	switch {
	case len(sc.Choices) > 0:
		return KindChoices
	case sc.Quiz != nil:
		return KindQuiz
	case sc.NextScene != "":
		return KindLinear
	default:
		return KindTerminal
	}
}

func quizWarnings(vs *ValidatedScene) []string {
	correct := 0
	for _, opt := range vs.Quiz.Options {
		if opt.IsCorrect {
			correct++
		}
	}
	switch {
	case len(vs.Quiz.Options) == 0:
		return []string{fmt.Sprintf("问答场景 %s 没有选项", vs.ID)}
	case correct == 0:
		return []string{fmt.Sprintf("问答场景 %s 没有正确选项", vs.ID)}
	case correct > 1:
		return []string{fmt.Sprintf("问答场景 %s 有 %d 个正确选项", vs.ID, correct)}
	}
	return nil
}

// Resolve 按ID查找场景，O(1)
// 图在装载时已校验，查不到意味着调用方传入了图外的ID
func (v *ValidatedStory) Resolve(sceneID string) (*ValidatedScene, bool) {
	sc, ok := v.scenes[sceneID]
	return sc, ok
}

// SceneCount 返回场景总数
func (v *ValidatedStory) SceneCount() int {
	return len(v.scenes)
}
