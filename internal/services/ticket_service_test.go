// internal/services/ticket_service_test.go
package services

import (
	"testing"
	"time"

	apperrors "github.com/Corphon/StorySimMCP/internal/errors"
	"github.com/Corphon/StorySimMCP/internal/storage"
)

func newTestTicketService(t *testing.T, daily int) *TicketService {
	t.Helper()

	fs, err := storage.NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("创建文件存储失败: %v", err)
	}
	return NewTicketService(fs, daily)
}

func TestTicketConsumeAndQuota(t *testing.T) {
	svc := newTestTicketService(t, 3)

	wallet, err := svc.GetWallet("user_a")
	if err != nil {
		t.Fatalf("获取钱包失败: %v", err)
	}
	if wallet.Tickets != 3 {
		t.Fatalf("新钱包票券数 = %d，期望 3", wallet.Tickets)
	}

	for i := 0; i < 3; i++ {
		if err := svc.ConsumeTicket("user_a"); err != nil {
			t.Fatalf("第 %d 次消费失败: %v", i+1, err)
		}
	}

	// 第四次消费触发配额错误
	err = svc.ConsumeTicket("user_a")
	if err == nil {
		t.Fatal("票券耗尽后消费应失败")
	}
	if !apperrors.IsQuotaError(err) {
		t.Errorf("错误类型应为配额耗尽，实际: %v", err)
	}
}

func TestTicketRefund(t *testing.T) {
	svc := newTestTicketService(t, 3)

	if err := svc.ConsumeTicket("user_b"); err != nil {
		t.Fatalf("消费失败: %v", err)
	}
	if err := svc.RefundTicket("user_b"); err != nil {
		t.Fatalf("返还失败: %v", err)
	}

	wallet, _ := svc.GetWallet("user_b")
	if wallet.Tickets != 3 {
		t.Errorf("返还后票券数 = %d，期望 3", wallet.Tickets)
	}

	// 返还不会超过每日上限
	if err := svc.RefundTicket("user_b"); err != nil {
		t.Fatalf("返还失败: %v", err)
	}
	wallet, _ = svc.GetWallet("user_b")
	if wallet.Tickets != 3 {
		t.Errorf("超额返还后票券数 = %d，期望仍为 3", wallet.Tickets)
	}
}

func TestTicketDailyResetJST(t *testing.T) {
	svc := newTestTicketService(t, 3)

	// 日本时间 8月30日 23:30
	now := time.Date(2026, 8, 30, 23, 30, 0, 0, jstLocation)
	svc.clock = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if err := svc.ConsumeTicket("user_c"); err != nil {
			t.Fatalf("消费失败: %v", err)
		}
	}

	// 23:59 仍是同一天，不重置
	now = time.Date(2026, 8, 30, 23, 59, 0, 0, jstLocation)
	wallet, _ := svc.GetWallet("user_c")
	if wallet.Tickets != 0 {
		t.Fatalf("跨日前票券数 = %d，期望 0", wallet.Tickets)
	}

	// 0:01 跨过日本时间零点，惰性重置
	now = time.Date(2026, 8, 31, 0, 1, 0, 0, jstLocation)
	wallet, _ = svc.GetWallet("user_c")
	if wallet.Tickets != 3 {
		t.Errorf("跨日后票券数 = %d，期望 3", wallet.Tickets)
	}
}

func TestTicketPointsAccumulate(t *testing.T) {
	svc := newTestTicketService(t, 3)

	if err := svc.AddPoints("user_d", 10); err != nil {
		t.Fatalf("加积分失败: %v", err)
	}
	if err := svc.AddPoints("user_d", 5); err != nil {
		t.Fatalf("加积分失败: %v", err)
	}

	wallet, _ := svc.GetWallet("user_d")
	if wallet.Points != 15 {
		t.Errorf("积分 = %d，期望 15", wallet.Points)
	}

	// 跨日重置不影响积分
	svc.clock = func() time.Time { return time.Now().Add(48 * time.Hour) }
	wallet, _ = svc.GetWallet("user_d")
	if wallet.Points != 15 {
		t.Errorf("跨日后积分 = %d，期望 15", wallet.Points)
	}
}
