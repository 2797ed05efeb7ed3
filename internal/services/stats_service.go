// internal/services/stats_service.go
package services

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Corphon/StorySimMCP/internal/models"
)

// UsageStats 表示故事生成的API使用统计
type UsageStats struct {
	TodayRequests int            `json:"today_requests"`
	MonthlyTokens int            `json:"monthly_tokens"`
	DailyStats    map[string]int `json:"daily_stats"`
	MonthlyStats  map[string]int `json:"monthly_stats"`
	LastUpdated   time.Time      `json:"last_updated"`
}

// StatsFile 统计文件的整体结构
type StatsFile struct {
	Usage   UsageStats                   `json:"usage"`
	Stories map[string]*models.StoryStats `json:"stories"`
}

// StatsService 聚合故事播放统计与生成API用量
// 写入按脏标记批量落盘，避免每次播放完成都触发磁盘IO
type StatsService struct {
	BasePath  string
	statsFile string
	mutex     sync.Mutex
	cached    *StatsFile

	// 批量保存控制
	isDirty      bool
	lastSaveTime time.Time
	saveInterval time.Duration
}

// ------------------------------------
// NewStatsService 创建统计服务实例
func NewStatsService(dataDir string) *StatsService {
	basePath := filepath.Join(dataDir, "stats")

	if err := os.MkdirAll(basePath, 0755); err != nil {
		fmt.Printf("警告: 创建统计目录失败: %v\n", err)
	}

	service := &StatsService{
		BasePath:     basePath,
		statsFile:    filepath.Join(basePath, "stats.json"),
		saveInterval: 30 * time.Second,
	}

	service.startPeriodicSave()

	return service
}

// initStatsUnlocked 初始化统计数据（无锁版本）
func (s *StatsService) initStatsUnlocked() {
	if loaded, err := s.loadStats(); err == nil {
		s.resetExpiredPeriods(loaded)
		s.cached = loaded
		return
	}

	s.cached = &StatsFile{
		Usage: UsageStats{
			DailyStats:   make(map[string]int),
			MonthlyStats: make(map[string]int),
			LastUpdated:  time.Now(),
		},
		Stories: make(map[string]*models.StoryStats),
	}

	if err := s.saveStats(s.cached); err != nil {
		fmt.Printf("警告: 保存初始统计数据失败: %v\n", err)
	}
}

// resetExpiredPeriods 跨日/跨月时重置对应计数
func (s *StatsService) resetExpiredPeriods(stats *StatsFile) {
	now := time.Now()
	today := now.Format("2006-01-02")
	thisMonth := now.Format("2006-01")

	lastDate := stats.Usage.LastUpdated.Format("2006-01-02")
	lastMonth := stats.Usage.LastUpdated.Format("2006-01")

	updated := false

	if today != lastDate {
		stats.Usage.TodayRequests = 0
		updated = true
	}

	if thisMonth != lastMonth {
		stats.Usage.MonthlyTokens = 0
		updated = true
	}

	if updated {
		stats.Usage.LastUpdated = now
		s.isDirty = true
	}
}

// loadStats 从文件加载统计数据
func (s *StatsService) loadStats() (*StatsFile, error) {
	data, err := os.ReadFile(s.statsFile)
	if err != nil {
		return nil, fmt.Errorf("读取统计文件失败: %w", err)
	}

	var stats StatsFile
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, fmt.Errorf("解析统计数据失败: %w", err)
	}

	// 确保映射已初始化
	if stats.Usage.DailyStats == nil {
		stats.Usage.DailyStats = make(map[string]int)
	}
	if stats.Usage.MonthlyStats == nil {
		stats.Usage.MonthlyStats = make(map[string]int)
	}
	if stats.Stories == nil {
		stats.Stories = make(map[string]*models.StoryStats)
	}

	return &stats, nil
}

// saveStats 保存统计数据到文件
func (s *StatsService) saveStats(stats *StatsFile) error {
	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化统计数据失败: %w", err)
	}

	// 使用临时文件确保原子性写入
	tempFile := s.statsFile + ".tmp"

	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("写入临时统计文件失败: %w", err)
	}

	if err := os.Rename(tempFile, s.statsFile); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("替换统计文件失败: %w", err)
	}

	return nil
}

// RecordGenerationRequest 记录一次故事生成API调用
func (s *StatsService) RecordGenerationRequest(tokens int) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.cached == nil {
		s.initStatsUnlocked()
	}

	now := time.Now()
	today := now.Format("2006-01-02")
	month := now.Format("2006-01")

	s.cached.Usage.TodayRequests++
	s.cached.Usage.MonthlyTokens += tokens
	s.cached.Usage.DailyStats[today]++
	s.cached.Usage.MonthlyStats[month] += tokens
	s.cached.Usage.LastUpdated = now

	s.isDirty = true

	if now.Sub(s.lastSaveTime) > s.saveInterval {
		return s.saveStatsImmediate()
	}

	return nil
}

// RecordPlayStart 记录一次播放开始
func (s *StatsService) RecordPlayStart(storyID string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.cached == nil {
		s.initStatsUnlocked()
	}

	st := s.storyStatsLocked(storyID)
	st.Plays++
	st.LastPlayedAt = time.Now()
	s.isDirty = true
}

// RecordPlayCompletion 记录一次播放完成及其答题数据
func (s *StatsService) RecordPlayCompletion(playData models.PlayData) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.cached == nil {
		s.initStatsUnlocked()
	}

	st := s.storyStatsLocked(playData.StoryID)
	st.Completions++
	st.TotalQuestions += playData.TotalQuestions
	st.TotalCorrect += playData.CorrectAnswers
	st.LastPlayedAt = time.Now()
	s.isDirty = true
}

// GetStoryStats 获取单个故事的统计副本
func (s *StatsService) GetStoryStats(storyID string) models.StoryStats {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.cached == nil {
		s.initStatsUnlocked()
	}

	if st, ok := s.cached.Stories[storyID]; ok {
		return *st
	}
	return models.StoryStats{StoryID: storyID}
}

// GetUsageStats 获取生成API使用统计的副本
func (s *StatsService) GetUsageStats() UsageStats {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.cached == nil {
		s.initStatsUnlocked()
	}
	s.resetExpiredPeriods(s.cached)

	out := s.cached.Usage
	out.DailyStats = copyIntMap(s.cached.Usage.DailyStats)
	out.MonthlyStats = copyIntMap(s.cached.Usage.MonthlyStats)
	return out
}

func (s *StatsService) storyStatsLocked(storyID string) *models.StoryStats {
	st, ok := s.cached.Stories[storyID]
	if !ok {
		st = &models.StoryStats{StoryID: storyID}
		s.cached.Stories[storyID] = st
	}
	return st
}

func copyIntMap(original map[string]int) map[string]int {
	out := make(map[string]int, len(original))
	for k, v := range original {
		out[k] = v
	}
	return out
}

// 立即保存（私有方法）
func (s *StatsService) saveStatsImmediate() error {
	if !s.isDirty {
		return nil
	}

	err := s.saveStats(s.cached)
	if err == nil {
		s.isDirty = false
		s.lastSaveTime = time.Now()
	}
	return err
}

// 定时保存机制
func (s *StatsService) startPeriodicSave() {
	go func() {
		ticker := time.NewTicker(s.saveInterval)
		defer ticker.Stop()

		for range ticker.C {
			s.mutex.Lock()
			if s.isDirty {
				if err := s.saveStatsImmediate(); err != nil {
					fmt.Printf("警告: 定时保存统计数据失败: %v\n", err)
				}
			}
			s.mutex.Unlock()
		}
	}()
}

// Close 关闭服务，确保未保存的数据落盘
func (s *StatsService) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.isDirty {
		return s.saveStatsImmediate()
	}
	return nil
}
