// internal/models/user.go
package models

import (
	"time"
)

// User 表示一个已注册或游客用户
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	IsGuest   bool      `json:"is_guest"`
	CreatedAt time.Time `json:"created_at"`
	LastLogin time.Time `json:"last_login"`
}

// Wallet 用户的票券/积分钱包
// 票券是调用故事生成的限流货币，每日重置；积分长期累积
type Wallet struct {
	UserID      string    `json:"user_id"`
	Tickets     int       `json:"tickets"`
	Points      int       `json:"points"`
	LastReset   time.Time `json:"last_reset"`
	LastUpdated time.Time `json:"last_updated"`
}
