// internal/services/story_service_test.go
package services

import (
	"strings"
	"testing"

	apperrors "github.com/Corphon/StorySimMCP/internal/errors"
	"github.com/Corphon/StorySimMCP/internal/models"
	"github.com/Corphon/StorySimMCP/internal/storage"
)

func newTestStoryService(t *testing.T) *StoryService {
	t.Helper()

	fs, err := storage.NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("创建文件存储失败: %v", err)
	}
	return NewStoryService(fs)
}

func sampleStory(userID string) *models.Story {
	return &models.Story{
		UserID:       userID,
		Title:        "テスト物語",
		Description:  "テスト用",
		InitialScene: "s1",
		IsPublic:     true,
		Scenes: []models.Scene{
			{
				ID:   "s1",
				Text: []models.Quote{{Speaker: "Hero", Text: "はじまり"}},
				Choices: []models.Choice{
					{Text: "進む", NextScene: "s2"},
				},
			},
			{ID: "s2", Text: []models.Quote{{Text: "おわり"}}},
		},
	}
}

func TestStoryCreateAndGet(t *testing.T) {
	svc := newTestStoryService(t)

	created, err := svc.CreateStory(sampleStory("author_1"))
	if err != nil {
		t.Fatalf("创建故事失败: %v", err)
	}
	if created.ID == "" {
		t.Fatal("创建的故事应分配ID")
	}
	if created.CreatedAt.IsZero() || created.UpdatedAt.IsZero() {
		t.Error("时间戳应被设置")
	}

	got, err := svc.GetStory(created.ID)
	if err != nil {
		t.Fatalf("获取故事失败: %v", err)
	}
	if got.Title != "テスト物語" || len(got.Scenes) != 2 {
		t.Errorf("读回的故事不完整: %+v", got.Metadata())
	}
}

func TestStoryCreateRejectsInvalidGraph(t *testing.T) {
	svc := newTestStoryService(t)

	story := sampleStory("author_1")
	story.Scenes[0].Choices[0].NextScene = "missing"

	_, err := svc.CreateStory(story)
	if err == nil {
		t.Fatal("悬空引用的故事不应被保存")
	}
	if !apperrors.IsValidationError(err) {
		t.Errorf("错误类型应为校验错误: %v", err)
	}

	// 无效的故事从不落盘
	if story.ID != "" {
		if _, err := svc.GetStory(story.ID); err == nil {
			t.Error("校验失败的故事不应存在")
		}
	}
}

func TestStorySoftDelete(t *testing.T) {
	svc := newTestStoryService(t)

	created, err := svc.CreateStory(sampleStory("author_1"))
	if err != nil {
		t.Fatalf("创建故事失败: %v", err)
	}

	// 非作者不能删除
	if err := svc.DeleteStory("someone_else", created.ID); err == nil {
		t.Error("非作者删除应失败")
	}

	if err := svc.DeleteStory("author_1", created.ID); err != nil {
		t.Fatalf("删除故事失败: %v", err)
	}

	// 软删除后视同不存在
	if _, err := svc.GetStory(created.ID); !apperrors.IsNotFoundError(err) {
		t.Errorf("软删除的故事应返回未找到错误: %v", err)
	}

	// 文件仍然保留
	if !svc.FileStorage.FileExists(storiesDir, created.ID+".json") {
		t.Error("软删除不应移除文件")
	}
}

func TestStoryListVisibility(t *testing.T) {
	svc := newTestStoryService(t)

	public := sampleStory("author_1")
	if _, err := svc.CreateStory(public); err != nil {
		t.Fatalf("创建失败: %v", err)
	}

	private := sampleStory("author_2")
	private.Title = "非公開の物語"
	private.IsPublic = false
	if _, err := svc.CreateStory(private); err != nil {
		t.Fatalf("创建失败: %v", err)
	}

	// 第三者只能看到公开故事
	list, err := svc.ListStories("viewer")
	if err != nil {
		t.Fatalf("列出失败: %v", err)
	}
	if len(list) != 1 || list[0].Title != "テスト物語" {
		t.Errorf("第三者可见列表 = %v", list)
	}

	// 作者能看到自己的私有故事
	list, err = svc.ListStories("author_2")
	if err != nil {
		t.Fatalf("列出失败: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("作者可见条数 = %d，期望 2", len(list))
	}
}

func TestStoryUpdatePreservesPlayCount(t *testing.T) {
	svc := newTestStoryService(t)

	created, err := svc.CreateStory(sampleStory("author_1"))
	if err != nil {
		t.Fatalf("创建失败: %v", err)
	}

	svc.IncrementPlayCount(created.ID)
	svc.IncrementPlayCount(created.ID)

	edited := sampleStory("author_1")
	edited.ID = created.ID
	edited.Title = "改訂版"
	edited.PlayCount = 999 // 客户端传入的计数被忽略

	updated, err := svc.UpdateStory("author_1", edited)
	if err != nil {
		t.Fatalf("更新失败: %v", err)
	}
	if updated.PlayCount != 2 {
		t.Errorf("播放计数 = %d，期望保留 2", updated.PlayCount)
	}
	if updated.Title != "改訂版" {
		t.Errorf("标题未更新: %s", updated.Title)
	}
	if !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Error("创建时间应保留")
	}
}

func TestStoryYAMLRoundTrip(t *testing.T) {
	svc := newTestStoryService(t)

	created, err := svc.CreateStory(sampleStory("author_1"))
	if err != nil {
		t.Fatalf("创建失败: %v", err)
	}

	data, err := svc.ExportYAML(created.ID)
	if err != nil {
		t.Fatalf("导出失败: %v", err)
	}
	if !strings.Contains(string(data), "initial_scene") {
		t.Errorf("导出的YAML缺少字段:\n%s", data)
	}

	imported, err := svc.ImportYAML("importer", data)
	if err != nil {
		t.Fatalf("导入失败: %v", err)
	}
	if imported.ID == created.ID {
		t.Error("导入应分配新ID")
	}
	if imported.UserID != "importer" {
		t.Errorf("导入者应成为作者，实际 %s", imported.UserID)
	}
	if imported.IsPublic {
		t.Error("导入的故事默认私有")
	}
	if len(imported.Scenes) != 2 || imported.Scenes[0].Choices[0].Text != "進む" {
		t.Errorf("导入的场景不完整: %+v", imported.Scenes)
	}
}
