// internal/api/handlers_test.go
package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Corphon/StorySimMCP/internal/models"
	"github.com/Corphon/StorySimMCP/internal/services"
	"github.com/Corphon/StorySimMCP/internal/storage"
	"github.com/gin-gonic/gin"
)

type testAPI struct {
	router  *gin.Engine
	stories *services.StoryService
	stats   *services.StatsService
	files   *storage.FileStorage
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fs, err := storage.NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("创建文件存储失败: %v", err)
	}

	storyService := services.NewStoryService(fs)
	statsService := services.NewStatsService(t.TempDir())

	handler := &Handler{
		StoryService: storyService,
		StatsService: statsService,
		Response:     NewResponseHelper(),
	}

	r := gin.New()
	r.POST("/api/stories/:id/validate", handler.ValidateStoryGraph)
	r.POST("/api/stories/:id/plays", handler.RecordPlayCompletion)

	return &testAPI{router: r, stories: storyService, stats: statsService, files: fs}
}

func (a *testAPI) post(t *testing.T, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("序列化请求体失败: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(http.MethodPost, path, reader)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func publicTestStory() *models.Story {
	return &models.Story{
		Title:        "テスト物語",
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

func decodeData(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()

	var resp struct {
		Success bool                   `json:"success"`
		Data    map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("响应不是合法JSON: %v (body: %s)", err, w.Body.String())
	}
	if !resp.Success {
		t.Fatalf("请求应成功: %s", w.Body.String())
	}
	return resp.Data
}

func TestValidateEndpointValidStory(t *testing.T) {
	api := newTestAPI(t)

	created, err := api.stories.CreateStory(publicTestStory())
	if err != nil {
		t.Fatalf("创建故事失败: %v", err)
	}

	w := api.post(t, "/api/stories/"+created.ID+"/validate", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("状态码 = %d，期望 200 (body: %s)", w.Code, w.Body.String())
	}

	data := decodeData(t, w)
	if data["valid"] != true {
		t.Errorf("合法故事应通过校验: %v", data)
	}
	if count, _ := data["scene_count"].(float64); int(count) != 2 {
		t.Errorf("场景数 = %v，期望 2", data["scene_count"])
	}
}

func TestValidateEndpointDanglingEdge(t *testing.T) {
	api := newTestAPI(t)

	// 创建入口会拒绝悬空引用，手工落盘模拟被外部改坏的故事文件
	broken := publicTestStory()
	broken.ID = "broken_1"
	broken.Scenes[0].Choices[0].NextScene = "missing"
	if err := api.files.SaveJSONFile("stories", broken.ID+".json", broken); err != nil {
		t.Fatalf("写入故事文件失败: %v", err)
	}

	w := api.post(t, "/api/stories/broken_1/validate", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("状态码 = %d，期望 200 (body: %s)", w.Code, w.Body.String())
	}

	data := decodeData(t, w)
	if data["valid"] != false {
		t.Fatalf("悬空引用的故事应校验失败: %v", data)
	}
	dangling, _ := data["dangling"].([]interface{})
	if len(dangling) != 1 {
		t.Errorf("悬空边数 = %d，期望 1: %v", len(dangling), data)
	}
}

func TestValidateEndpointMissingStory(t *testing.T) {
	api := newTestAPI(t)

	w := api.post(t, "/api/stories/no_such_story/validate", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("状态码 = %d，期望 404 (body: %s)", w.Code, w.Body.String())
	}
}

func TestRecordPlayCompletionFeedsStats(t *testing.T) {
	api := newTestAPI(t)

	created, err := api.stories.CreateStory(publicTestStory())
	if err != nil {
		t.Fatalf("创建故事失败: %v", err)
	}

	w := api.post(t, "/api/stories/"+created.ID+"/plays", map[string]interface{}{
		"completed_scenes": []string{"s1", "s2"},
		"correct_answers":  2,
		"total_questions":  3,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("状态码 = %d，期望 200 (body: %s)", w.Code, w.Body.String())
	}

	stats := api.stats.GetStoryStats(created.ID)
	if stats.Completions != 1 {
		t.Errorf("完成次数 = %d，期望 1", stats.Completions)
	}
	if stats.TotalQuestions != 3 || stats.TotalCorrect != 2 {
		t.Errorf("答题统计 = %d/%d，期望 2/3", stats.TotalCorrect, stats.TotalQuestions)
	}
}

func TestRecordPlayCompletionRejectsBadCounts(t *testing.T) {
	api := newTestAPI(t)

	created, err := api.stories.CreateStory(publicTestStory())
	if err != nil {
		t.Fatalf("创建故事失败: %v", err)
	}

	// 正确数超过题目数
	w := api.post(t, "/api/stories/"+created.ID+"/plays", map[string]interface{}{
		"correct_answers": 5,
		"total_questions": 3,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("状态码 = %d，期望 400 (body: %s)", w.Code, w.Body.String())
	}

	if stats := api.stats.GetStoryStats(created.ID); stats.Completions != 0 {
		t.Errorf("非法上报不应计入统计: %+v", stats)
	}
}
