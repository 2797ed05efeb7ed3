// internal/services/stats_service_test.go
package services

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Corphon/StorySimMCP/internal/models"
)

func TestStatsPlayLifecycle(t *testing.T) {
	svc := NewStatsService(t.TempDir())
	defer svc.Close()

	svc.RecordPlayStart("story_1")
	svc.RecordPlayStart("story_1")
	svc.RecordPlayStart("story_2")

	svc.RecordPlayCompletion(models.PlayData{
		StoryID:        "story_1",
		TotalQuestions: 4,
		CorrectAnswers: 3,
	})

	st := svc.GetStoryStats("story_1")
	if st.Plays != 2 {
		t.Errorf("播放次数 = %d，期望 2", st.Plays)
	}
	if st.Completions != 1 {
		t.Errorf("完成次数 = %d，期望 1", st.Completions)
	}
	if st.TotalQuestions != 4 || st.TotalCorrect != 3 {
		t.Errorf("答题统计 = %d/%d，期望 3/4", st.TotalCorrect, st.TotalQuestions)
	}
	if got := st.QuizAccuracy(); got != 0.75 {
		t.Errorf("正确率 = %v，期望 0.75", got)
	}

	// 未知故事返回零值副本
	if st := svc.GetStoryStats("story_x"); st.Plays != 0 || st.StoryID != "story_x" {
		t.Errorf("未知故事统计 = %+v", st)
	}
}

func TestStatsGenerationUsage(t *testing.T) {
	svc := NewStatsService(t.TempDir())
	defer svc.Close()

	if err := svc.RecordGenerationRequest(1200); err != nil {
		t.Fatalf("记录用量失败: %v", err)
	}
	if err := svc.RecordGenerationRequest(800); err != nil {
		t.Fatalf("记录用量失败: %v", err)
	}

	usage := svc.GetUsageStats()
	if usage.TodayRequests != 2 {
		t.Errorf("今日请求数 = %d，期望 2", usage.TodayRequests)
	}
	if usage.MonthlyTokens != 2000 {
		t.Errorf("本月token数 = %d，期望 2000", usage.MonthlyTokens)
	}

	today := time.Now().Format("2006-01-02")
	if usage.DailyStats[today] != 2 {
		t.Errorf("当日统计 = %d，期望 2", usage.DailyStats[today])
	}

	// 返回的是副本，修改不影响内部状态
	usage.DailyStats[today] = 999
	if svc.GetUsageStats().DailyStats[today] != 2 {
		t.Error("GetUsageStats 应返回副本")
	}
}

func TestStatsPersistAcrossRestart(t *testing.T) {
	dir := t.TempDir()

	svc := NewStatsService(dir)
	svc.RecordPlayStart("story_1")
	svc.RecordPlayCompletion(models.PlayData{StoryID: "story_1"})
	if err := svc.Close(); err != nil {
		t.Fatalf("关闭失败: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "stats", "stats.json")); err != nil {
		t.Fatalf("统计文件未落盘: %v", err)
	}

	reopened := NewStatsService(dir)
	defer reopened.Close()

	st := reopened.GetStoryStats("story_1")
	if st.Plays != 1 || st.Completions != 1 {
		t.Errorf("重启后统计 = %+v，期望播放1次完成1次", st)
	}
}
