// internal/player/typewriter.go
package player

import (
	"strings"
)

// Typewriter 打字机引擎：按时间逐字揭示片段文本
//
// 引擎本身是纯状态机，不持有计时器；节拍由播放会话（或TUI的tick消息）
// 驱动，场景切换时整体丢弃重建，因此不存在跨场景的计时泄漏。
// 揭示位置按 rune 计数，CJK 文本逐字符而非逐字节推进。
type Typewriter struct {
	segments []Segment
	runes    []rune // 全部片段文本按序拼接（说话者标签不参与逐字动画）
	bounds   []int  // bounds[i] = 前 i 个片段的累计 rune 长度
	revealed int
}

// NewTypewriter 以片段序列初始化打字机，揭示位置归零
func NewTypewriter(segments []Segment) *Typewriter {
	tw := &Typewriter{segments: segments}
	tw.bounds = make([]int, len(segments)+1)
	var sb strings.Builder
	for i, seg := range segments {
		sb.WriteString(seg.Text)
		tw.bounds[i+1] = tw.bounds[i] + len([]rune(seg.Text))
	}
	tw.runes = []rune(sb.String())
	return tw
}

// Tick 推进一个字符，返回是否已全部揭示
// 完成后的多余节拍是空操作
func (tw *Typewriter) Tick() bool {
	if tw.revealed < len(tw.runes) {
		tw.revealed++
	}
	return tw.Done()
}

// Skip 立即跳到完全揭示状态，幂等
// 调用方须同时暂停任何进行中的语音播放，避免音频继续朗读已整段展示的文本
func (tw *Typewriter) Skip() {
	tw.revealed = len(tw.runes)
}

// Done 是否已完全揭示
func (tw *Typewriter) Done() bool {
	return tw.revealed == len(tw.runes)
}

// Revealed 当前揭示的 rune 数，单调不减
func (tw *Typewriter) Revealed() int {
	return tw.revealed
}

// FullLength 全文 rune 总长
func (tw *Typewriter) FullLength() int {
	return len(tw.runes)
}

// Displayed 当前已揭示的文本
func (tw *Typewriter) Displayed() string {
	return string(tw.runes[:tw.revealed])
}

// CurrentSpeaker 当前说话者：累计区间包含揭示位置的片段的说话者
//
// 片段 i 的区间为 [bounds[i], bounds[i+1])；揭示位置等于全文长度时
// （包括 Skip 之后）归属最后一个片段。每个节拍重新计算，片段数很小，
// O(segments) 可接受。
func (tw *Typewriter) CurrentSpeaker() string {
	if len(tw.segments) == 0 {
		return ""
	}
	if tw.revealed >= tw.bounds[len(tw.segments)] {
		return tw.segments[len(tw.segments)-1].Speaker
	}
	for i := range tw.segments {
		if tw.revealed >= tw.bounds[i] && tw.revealed < tw.bounds[i+1] {
			return tw.segments[i].Speaker
		}
	}
	return tw.segments[len(tw.segments)-1].Speaker
}

// SegmentIndex 当前活跃片段的下标，空片段列表时为 -1
func (tw *Typewriter) SegmentIndex() int {
	if len(tw.segments) == 0 {
		return -1
	}
	if tw.revealed >= tw.bounds[len(tw.segments)] {
		return len(tw.segments) - 1
	}
	for i := range tw.segments {
		if tw.revealed >= tw.bounds[i] && tw.revealed < tw.bounds[i+1] {
			return i
		}
	}
	return len(tw.segments) - 1
}
