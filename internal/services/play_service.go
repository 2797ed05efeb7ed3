// internal/services/play_service.go
package services

import (
	"sync"

	"github.com/google/uuid"

	apperrors "github.com/Corphon/StorySimMCP/internal/errors"
	"github.com/Corphon/StorySimMCP/internal/models"
	"github.com/Corphon/StorySimMCP/internal/player"
	"github.com/Corphon/StorySimMCP/internal/utils"
)

// 完成一次播放奖励的积分
const completionPoints = 10

// PlayService 管理活跃的播放会话
//
// 会话只存在于内存中，服务重启即全部丢弃；播放进度本就不持久化，
// 客户端断线重连从头开始播放。
type PlayService struct {
	Story   *StoryService
	Stats   *StatsService
	Tickets *TicketService

	mutex    sync.RWMutex
	sessions map[string]*player.Session
	metrics  *utils.AppMetrics
}

// NewPlayService 创建播放服务
func NewPlayService(storyService *StoryService, statsService *StatsService, ticketService *TicketService) *PlayService {
	return &PlayService{
		Story:    storyService,
		Stats:    statsService,
		Tickets:  ticketService,
		sessions: make(map[string]*player.Session),
		metrics:  utils.NewAppMetrics(),
	}
}

// StartSession 为指定故事创建并启动播放会话
// onEvent 在会话内部锁内被调用，不得同步回调会话方法
func (s *PlayService) StartSession(storyID, userID string, settings models.PlaySettings, onEvent func(player.Event)) (string, *player.Session, error) {
	validated, err := s.Story.GetValidatedStory(storyID)
	if err != nil {
		return "", nil, err
	}

	sessionID := "play_" + uuid.NewString()

	session, err := player.NewSession(player.SessionConfig{
		Story:    validated,
		Settings: settings,
		UserID:   userID,
		OnEvent:  onEvent,
		OnComplete: func(playData models.PlayData) {
			s.metrics.RecordPlaySession(storyID, "completed")
			s.Stats.RecordPlayCompletion(playData)
			s.Story.IncrementPlayCount(playData.StoryID)
			if userID != "" {
				if err := s.Tickets.AddPoints(userID, completionPoints); err != nil {
					utils.GetLogger().Warn("发放完成积分失败", map[string]interface{}{
						"user_id": userID, "err": err,
					})
				}
			}
		},
		OnClose: func() {
			s.metrics.RecordPlaySession(storyID, "closed")
			s.removeSession(sessionID)
		},
	})
	if err != nil {
		return "", nil, apperrors.NewProcessingError("创建播放会话失败", err)
	}

	s.mutex.Lock()
	s.sessions[sessionID] = session
	s.mutex.Unlock()

	s.Stats.RecordPlayStart(storyID)
	s.metrics.RecordPlaySession(storyID, "started")
	session.Start()

	return sessionID, session, nil
}

// GetSession 查找活跃会话
func (s *PlayService) GetSession(sessionID string) (*player.Session, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	session, ok := s.sessions[sessionID]
	return session, ok
}

// CloseSession 关闭并移除会话，未知ID是空操作
func (s *PlayService) CloseSession(sessionID string) {
	s.mutex.RLock()
	session, ok := s.sessions[sessionID]
	s.mutex.RUnlock()

	if ok {
		session.Close() // OnClose 回调负责从映射中移除
	}
}

// ActiveSessionCount 返回当前活跃会话数
func (s *PlayService) ActiveSessionCount() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.sessions)
}

// CloseAll 关闭全部会话（服务停机时调用）
func (s *PlayService) CloseAll() {
	s.mutex.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mutex.RUnlock()

	for _, id := range ids {
		s.CloseSession(id)
	}
}

func (s *PlayService) removeSession(sessionID string) {
	s.mutex.Lock()
	delete(s.sessions, sessionID)
	s.mutex.Unlock()
}
