// internal/player/segmenter.go
package player

import (
	"regexp"
	"strings"

	"github.com/Corphon/StorySimMCP/internal/models"
)

// Segment 解析场景原始文本得到的（说话者，文本）片段
type Segment struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// 说话者标记模式：括号标签后紧跟自由文本，直到下一个括号标签或字符串结尾
// 同时接受半角与全角括号（日文文本常用全角）
var speakerSpanRe = regexp.MustCompile(`[(（]([^)）]*)[)）]([^(（]*)`)

// SegmentText 将带内联说话者标记的原始文本切分为有序片段序列
//
// 输入形如 "(Hero) こんにちは (Guide) ようこそ"，每个片段的文本延伸到
// 下一个括号标签或字符串结尾。不对说话者做任何校验，括号内的任意
// 字符串都被接受为说话者标签。空白片段被丢弃。
//
// 若整个输入不含括号标签且去除空白后非空，作为未归属旁白回退为
// 单个空说话者片段。纯函数，无失败模式。
func SegmentText(raw string) []Segment {
	matches := speakerSpanRe.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			return nil
		}
		return []Segment{{Speaker: "", Text: trimmed}}
	}

	segments := make([]Segment, 0, len(matches))
	for _, m := range matches {
		text := strings.TrimSpace(m[2])
		if text == "" {
			continue
		}
		segments = append(segments, Segment{
			Speaker: strings.TrimSpace(m[1]),
			Text:    text,
		})
	}
	return segments
}

// SegmentQuotes 将结构化台词直接转换为片段序列
//
// 生成器产出的场景文本已经是 Quote 列表；此路径跳过字符串解析，
// 但沿用同样的空文本丢弃规则。台词内部再出现说话者标记时交给
// SegmentText 展开，保证打字机引擎的输入不变量一致。
func SegmentQuotes(quotes []models.Quote) []Segment {
	segments := make([]Segment, 0, len(quotes))
	for _, q := range quotes {
		text := strings.TrimSpace(q.Text)
		if text == "" {
			continue
		}
		if speakerSpanRe.MatchString(text) {
			for _, inner := range SegmentText(text) {
				if inner.Speaker == "" {
					inner.Speaker = q.Speaker
				}
				segments = append(segments, inner)
			}
			continue
		}
		segments = append(segments, Segment{Speaker: q.Speaker, Text: text})
	}
	return segments
}
