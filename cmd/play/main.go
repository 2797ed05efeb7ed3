// cmd/play/main.go
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/Corphon/StorySimMCP/internal/models"
	"github.com/Corphon/StorySimMCP/internal/player"
	"gopkg.in/yaml.v3"
)

// 本地终端播放器：不经过服务器，直接加载故事文件并驱动播放会话。
// 用于创作期快速试玩与状态机行为排查。
func main() {
	var (
		file    = flag.String("f", "", "故事文件路径（YAML或JSON）")
		dataDir = flag.String("d", "data", "数据目录（与 -id 配合使用）")
		storyID = flag.String("id", "", "数据目录中的故事ID")
		lang    = flag.String("lang", "ja", "播放语言 (ja/en)")
		speed   = flag.Int("speed", int(models.TypingSpeedNormal), "打字速度（毫秒/字符）")
		auto    = flag.Bool("auto", false, "自动模式")
	)
	flag.Parse()

	story, err := loadStory(*file, *dataDir, *storyID)
	if err != nil {
		log.Fatalf("❌ 加载故事失败: %v", err)
	}

	validated, err := player.ValidateStory(story)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	for _, w := range validated.Warnings {
		fmt.Fprintf(os.Stderr, "⚠️ %s\n", w)
	}

	settings := models.DefaultPlaySettings()
	settings.TypingSpeed = models.TypingSpeed(*speed)
	settings.AutoMode = *auto
	if *lang == "en" {
		settings.Language = models.LanguageEN
	}

	if err := runTUI(validated, settings); err != nil {
		log.Fatalf("❌ 播放器运行失败: %v", err)
	}
}

// loadStory 从文件或数据目录加载故事
//
// YAML是JSON的超集，直接文件加载统一走YAML解析。
func loadStory(file, dataDir, storyID string) (*models.Story, error) {
	switch {
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		var story models.Story
		if err := yaml.Unmarshal(data, &story); err != nil {
			return nil, fmt.Errorf("解析故事文件失败: %w", err)
		}
		return &story, nil

	case storyID != "":
		path := filepath.Join(dataDir, "stories", storyID+".json")
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var story models.Story
		if err := json.Unmarshal(data, &story); err != nil {
			return nil, fmt.Errorf("解析故事文件失败: %w", err)
		}
		return &story, nil

	default:
		return nil, fmt.Errorf("需要指定 -f 故事文件 或 -id 故事ID")
	}
}
