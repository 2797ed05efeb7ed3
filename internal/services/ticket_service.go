// internal/services/ticket_service.go
package services

import (
	"fmt"
	"sync"
	"time"

	apperrors "github.com/Corphon/StorySimMCP/internal/errors"
	"github.com/Corphon/StorySimMCP/internal/models"
	"github.com/Corphon/StorySimMCP/internal/storage"
	"github.com/Corphon/StorySimMCP/internal/utils"
)

const walletsDir = "wallets"

// jstLocation 票券按日本时间的自然日重置
var jstLocation = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		// 环境缺少tzdata时退化为固定偏移
		return time.FixedZone("JST", 9*60*60)
	}
	return loc
}()

// TicketService 管理用户的每日故事生成券
//
// 每位用户每日获得固定数量的票券，在日本时间零点重置。重置是惰性的：
// 没有定时任务，任何一次钱包读取发现已跨日即重置。消费与返还必须
// 配对使用：生成失败时调用方负责返还已消费的票券。
type TicketService struct {
	FileStorage  *storage.FileStorage
	DailyTickets int

	mutex sync.Mutex // 钱包文件的读改写不是原子的，整体串行化
	clock func() time.Time
}

// NewTicketService 创建票券服务
func NewTicketService(fileStorage *storage.FileStorage, dailyTickets int) *TicketService {
	if dailyTickets <= 0 {
		dailyTickets = 3
	}
	return &TicketService{
		FileStorage:  fileStorage,
		DailyTickets: dailyTickets,
		clock:        time.Now,
	}
}

// GetWallet 获取用户钱包，不存在时按满额票券初始化
func (s *TicketService) GetWallet(userID string) (*models.Wallet, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.getWalletLocked(userID)
}

func (s *TicketService) getWalletLocked(userID string) (*models.Wallet, error) {
	if userID == "" {
		return nil, apperrors.NewValidationError("用户ID不能为空", nil)
	}

	now := s.clock()
	filename := userID + ".json"

	var wallet models.Wallet
	if !s.FileStorage.FileExists(walletsDir, filename) {
		wallet = models.Wallet{
			UserID:      userID,
			Tickets:     s.DailyTickets,
			LastReset:   now,
			LastUpdated: now,
		}
		if err := s.FileStorage.SaveJSONFile(walletsDir, filename, &wallet); err != nil {
			return nil, apperrors.NewProcessingError("初始化钱包失败", err)
		}
		return &wallet, nil
	}

	if err := s.FileStorage.LoadJSONFile(walletsDir, filename, &wallet); err != nil {
		return nil, apperrors.NewProcessingError("读取钱包失败", err)
	}

	// 惰性的跨日重置
	if !sameJSTDay(wallet.LastReset, now) {
		wallet.Tickets = s.DailyTickets
		wallet.LastReset = now
		wallet.LastUpdated = now
		if err := s.FileStorage.SaveJSONFile(walletsDir, filename, &wallet); err != nil {
			return nil, apperrors.NewProcessingError("保存钱包失败", err)
		}
		utils.GetLogger().Info("票券已重置", map[string]interface{}{
			"user_id": userID, "tickets": wallet.Tickets,
		})
	}

	return &wallet, nil
}

// ConsumeTicket 消费一张票券，余额不足时返回配额错误
func (s *TicketService) ConsumeTicket(userID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	wallet, err := s.getWalletLocked(userID)
	if err != nil {
		return err
	}

	if wallet.Tickets <= 0 {
		return apperrors.NewQuotaError(
			fmt.Sprintf("今日的生成券已用完（每日 %d 张，日本时间零点重置）", s.DailyTickets), nil)
	}

	wallet.Tickets--
	wallet.LastUpdated = s.clock()
	return s.saveWalletLocked(wallet)
}

// RefundTicket 返还一张票券（生成失败时的补偿），不超过每日上限
func (s *TicketService) RefundTicket(userID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	wallet, err := s.getWalletLocked(userID)
	if err != nil {
		return err
	}

	if wallet.Tickets < s.DailyTickets {
		wallet.Tickets++
	}
	wallet.LastUpdated = s.clock()
	return s.saveWalletLocked(wallet)
}

// AddPoints 增加积分（完成播放等奖励），积分长期累积不重置
func (s *TicketService) AddPoints(userID string, points int) error {
	if points <= 0 {
		return nil
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	wallet, err := s.getWalletLocked(userID)
	if err != nil {
		return err
	}

	wallet.Points += points
	wallet.LastUpdated = s.clock()
	return s.saveWalletLocked(wallet)
}

func (s *TicketService) saveWalletLocked(wallet *models.Wallet) error {
	if err := s.FileStorage.SaveJSONFile(walletsDir, wallet.UserID+".json", wallet); err != nil {
		return apperrors.NewProcessingError("保存钱包失败", err)
	}
	return nil
}

// sameJSTDay 判断两个时刻是否落在同一个日本时间自然日
func sameJSTDay(a, b time.Time) bool {
	ya, ma, da := a.In(jstLocation).Date()
	yb, mb, db := b.In(jstLocation).Date()
	return ya == yb && ma == mb && da == db
}
