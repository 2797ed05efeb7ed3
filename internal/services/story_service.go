// internal/services/story_service.go
package services

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	apperrors "github.com/Corphon/StorySimMCP/internal/errors"
	"github.com/Corphon/StorySimMCP/internal/models"
	"github.com/Corphon/StorySimMCP/internal/player"
	"github.com/Corphon/StorySimMCP/internal/storage"
	"github.com/Corphon/StorySimMCP/internal/utils"
)

const storiesDir = "stories"

// StoryService 处理故事文档的持久化与校验
// 故事以 stories/<id>.json 单文件存储，软删除从不移除文件
//
// 写操作是读-改-写三步（播放计数与作者编辑可能并发），按故事ID加锁
// 串行化；读操作走解码缓存，写入后显式失效。
type StoryService struct {
	FileStorage *storage.FileStorage
	lockManager *LockManager
	storyCache  *storage.FileCacheService
}

// NewStoryService 创建故事服务
func NewStoryService(fileStorage *storage.FileStorage) *StoryService {
	return &StoryService{
		FileStorage: fileStorage,
		lockManager: NewLockManager(),
		storyCache:  storage.NewFileCacheService(500, 5*time.Minute),
	}
}

// storyPath 返回故事文件的完整路径
func (s *StoryService) storyPath(storyID string) string {
	return filepath.Join(s.FileStorage.BaseDir, storiesDir, storyID+".json")
}

// saveStory 落盘并失效解码缓存（调用方须持有故事锁）
func (s *StoryService) saveStory(story *models.Story) error {
	if err := s.FileStorage.SaveJSONFile(storiesDir, story.ID+".json", story); err != nil {
		return err
	}
	s.storyCache.Invalidate(s.storyPath(story.ID))
	return nil
}

// CreateStory 保存新故事，保存前执行完整的图校验
// 校验失败的故事从不落盘，校验告警只记录日志不阻止保存
func (s *StoryService) CreateStory(story *models.Story) (*models.Story, error) {
	if story == nil {
		return nil, apperrors.NewValidationError("故事不能为空", nil)
	}
	if strings.TrimSpace(story.Title) == "" {
		return nil, apperrors.NewValidationError("故事标题不能为空", nil)
	}

	if story.ID == "" {
		story.ID = "story_" + uuid.NewString()
	}

	now := time.Now()
	story.CreatedAt = now
	story.UpdatedAt = now
	story.Deleted = false
	story.PlayCount = 0

	validated, err := player.ValidateStory(story)
	if err != nil {
		return nil, apperrors.NewValidationError("故事图校验失败", err)
	}
	s.logWarnings(story.ID, validated.Warnings)

	err = s.lockManager.WithStoryLock(story.ID, func() error {
		return s.saveStory(story)
	})
	if err != nil {
		return nil, apperrors.NewProcessingError("保存故事失败", err)
	}

	return story, nil
}

// GetStory 获取故事，软删除的故事视同不存在
func (s *StoryService) GetStory(storyID string) (*models.Story, error) {
	story, err := s.loadStory(storyID)
	if err != nil {
		return nil, err
	}
	if story.Deleted {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("故事不存在: %s", storyID), nil)
	}
	return story, nil
}

// loadStory 读取故事文件，不过滤软删除标志
func (s *StoryService) loadStory(storyID string) (*models.Story, error) {
	if !s.FileStorage.FileExists(storiesDir, storyID+".json") {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("故事不存在: %s", storyID), nil)
	}

	var story models.Story
	if err := s.storyCache.ReadFile(s.storyPath(storyID), &story); err != nil {
		return nil, apperrors.NewProcessingError("读取故事失败", err)
	}
	return &story, nil
}

// GetValidatedStory 获取故事并构建已校验的场景索引，供播放会话使用
func (s *StoryService) GetValidatedStory(storyID string) (*player.ValidatedStory, error) {
	story, err := s.GetStory(storyID)
	if err != nil {
		return nil, err
	}

	validated, err := player.ValidateStory(story)
	if err != nil {
		// 存量数据损坏（手工编辑等），按校验错误上报
		return nil, apperrors.NewValidationError("故事图校验失败", err)
	}
	s.logWarnings(storyID, validated.Warnings)

	return validated, nil
}

// ListStories 返回用户可见的故事元信息列表
// 可见范围：全部公开故事，加上 userID 自己的私有故事；按更新时间降序
func (s *StoryService) ListStories(userID string) ([]models.StoryMetadata, error) {
	files, err := s.FileStorage.ListFiles(storiesDir, ".json")
	if err != nil {
		return nil, apperrors.NewProcessingError("列出故事失败", err)
	}

	var result []models.StoryMetadata
	for _, filename := range files {
		var story models.Story
		if err := s.FileStorage.LoadJSONFile(storiesDir, filename, &story); err != nil {
			utils.GetLogger().Warn("跳过无法解析的故事文件", map[string]interface{}{
				"file": filename, "err": err,
			})
			continue
		}
		if story.Deleted {
			continue
		}
		if !story.IsPublic && story.UserID != userID {
			continue
		}
		result = append(result, story.Metadata())
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})

	return result, nil
}

// ListUserStories 返回指定用户创建的全部故事（含私有，不含软删除）
func (s *StoryService) ListUserStories(userID string) ([]models.StoryMetadata, error) {
	files, err := s.FileStorage.ListFiles(storiesDir, ".json")
	if err != nil {
		return nil, apperrors.NewProcessingError("列出故事失败", err)
	}

	var result []models.StoryMetadata
	for _, filename := range files {
		var story models.Story
		if err := s.FileStorage.LoadJSONFile(storiesDir, filename, &story); err != nil {
			continue
		}
		if story.Deleted || story.UserID != userID {
			continue
		}
		result = append(result, story.Metadata())
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})

	return result, nil
}

// UpdateStory 整体更新故事内容，保留创建时间与播放计数
func (s *StoryService) UpdateStory(userID string, story *models.Story) (*models.Story, error) {
	if story == nil || story.ID == "" {
		return nil, apperrors.NewValidationError("故事ID不能为空", nil)
	}

	validated, err := player.ValidateStory(story)
	if err != nil {
		return nil, apperrors.NewValidationError("故事图校验失败", err)
	}
	s.logWarnings(story.ID, validated.Warnings)

	err = s.lockManager.WithStoryLock(story.ID, func() error {
		existing, err := s.GetStory(story.ID)
		if err != nil {
			return err
		}
		if existing.UserID != userID {
			return apperrors.NewForbiddenError("只有作者可以编辑故事", nil)
		}

		story.UserID = existing.UserID
		story.CreatedAt = existing.CreatedAt
		story.PlayCount = existing.PlayCount
		story.Deleted = false
		story.UpdatedAt = time.Now()

		if err := s.saveStory(story); err != nil {
			return apperrors.NewProcessingError("保存故事失败", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return story, nil
}

// DeleteStory 软删除故事：置位 Deleted 标志，文件保留
func (s *StoryService) DeleteStory(userID, storyID string) error {
	return s.lockManager.WithStoryLock(storyID, func() error {
		story, err := s.GetStory(storyID)
		if err != nil {
			return err
		}
		if story.UserID != userID {
			return apperrors.NewForbiddenError("只有作者可以删除故事", nil)
		}

		story.Deleted = true
		story.UpdatedAt = time.Now()

		if err := s.saveStory(story); err != nil {
			return apperrors.NewProcessingError("保存故事失败", err)
		}
		return nil
	})
}

// IncrementPlayCount 播放计数加一（尽力而为，失败只记录日志）
func (s *StoryService) IncrementPlayCount(storyID string) {
	err := s.lockManager.WithStoryLock(storyID, func() error {
		story, err := s.loadStory(storyID)
		if err != nil {
			return err
		}
		story.PlayCount++
		return s.saveStory(story)
	})
	if err != nil {
		utils.GetLogger().Warn("更新播放计数失败", map[string]interface{}{
			"story_id": storyID, "err": err,
		})
	}
}

// ExportYAML 导出故事为YAML文档
func (s *StoryService) ExportYAML(storyID string) ([]byte, error) {
	story, err := s.GetStory(storyID)
	if err != nil {
		return nil, err
	}

	data, err := yaml.Marshal(story)
	if err != nil {
		return nil, apperrors.NewProcessingError("序列化YAML失败", err)
	}
	return data, nil
}

// ImportYAML 从YAML文档导入故事，导入者成为作者，分配新ID
func (s *StoryService) ImportYAML(userID string, data []byte) (*models.Story, error) {
	var story models.Story
	if err := yaml.Unmarshal(data, &story); err != nil {
		return nil, apperrors.NewValidationError("解析YAML失败", err)
	}

	story.ID = ""
	story.UserID = userID
	story.IsPublic = false

	return s.CreateStory(&story)
}

func (s *StoryService) logWarnings(storyID string, warnings []string) {
	for _, w := range warnings {
		utils.GetLogger().Warn("故事校验告警", map[string]interface{}{
			"story_id": storyID, "warning": w,
		})
	}
}
