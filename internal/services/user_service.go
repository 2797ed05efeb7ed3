// internal/services/user_service.go
package services

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/Corphon/StorySimMCP/internal/errors"
	"github.com/Corphon/StorySimMCP/internal/models"
	"github.com/Corphon/StorySimMCP/internal/storage"
)

const usersDir = "users"

// UserService 处理用户相关的业务逻辑
type UserService struct {
	FileStorage *storage.FileStorage
}

// NewUserService 创建用户服务
func NewUserService(fileStorage *storage.FileStorage) *UserService {
	return &UserService{
		FileStorage: fileStorage,
	}
}

// GetUser 获取用户信息
func (s *UserService) GetUser(userID string) (*models.User, error) {
	if !s.FileStorage.FileExists(usersDir, userID+".json") {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("用户不存在: %s", userID), nil)
	}

	var user models.User
	if err := s.FileStorage.LoadJSONFile(usersDir, userID+".json", &user); err != nil {
		return nil, apperrors.NewProcessingError("读取用户数据失败", err)
	}

	return &user, nil
}

// CreateUser 创建新用户
func (s *UserService) CreateUser(name string) (*models.User, error) {
	if strings.TrimSpace(name) == "" {
		return nil, apperrors.NewValidationError("用户名不能为空", nil)
	}

	now := time.Now()
	user := &models.User{
		ID:        "user_" + uuid.NewString(),
		Name:      name,
		CreatedAt: now,
		LastLogin: now,
	}

	if err := s.SaveUser(user); err != nil {
		return nil, err
	}

	return user, nil
}

// CreateGuestUser 创建游客用户，游客无需注册即可播放故事
func (s *UserService) CreateGuestUser() (*models.User, error) {
	now := time.Now()
	user := &models.User{
		ID:        "guest_" + uuid.NewString(),
		Name:      "ゲスト",
		IsGuest:   true,
		CreatedAt: now,
		LastLogin: now,
	}

	if err := s.SaveUser(user); err != nil {
		return nil, err
	}

	return user, nil
}

// SaveUser 保存用户信息
func (s *UserService) SaveUser(user *models.User) error {
	if err := s.FileStorage.SaveJSONFile(usersDir, user.ID+".json", user); err != nil {
		return apperrors.NewProcessingError("保存用户数据失败", err)
	}
	return nil
}

// TouchLogin 更新最后登录时间
func (s *UserService) TouchLogin(userID string) error {
	user, err := s.GetUser(userID)
	if err != nil {
		return err
	}

	user.LastLogin = time.Now()
	return s.SaveUser(user)
}
