// internal/services/lock_manager.go
package services

import (
	"sync"
	"time"
)

// LockManager 按故事ID粒度的锁管理器
//
// 故事文件的更新是读-改-写三步，播放计数与作者编辑可能并发，
// 同一故事的写操作必须串行。锁按需创建，空闲过久的锁被周期清理。
type LockManager struct {
	storyLocks map[string]*lockEntry
	globalLock sync.Mutex
}

type lockEntry struct {
	mu       sync.RWMutex
	lastUsed time.Time
}

// NewLockManager 创建锁管理器并启动空闲锁清理
func NewLockManager() *LockManager {
	lm := &LockManager{
		storyLocks: make(map[string]*lockEntry),
	}
	go lm.cleanupLoop()
	return lm
}

// entry 取出或创建指定故事的锁
func (lm *LockManager) entry(storyID string) *lockEntry {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()

	e, ok := lm.storyLocks[storyID]
	if !ok {
		e = &lockEntry{}
		lm.storyLocks[storyID] = e
	}
	e.lastUsed = time.Now()
	return e
}

// WithStoryLock 在故事写锁保护下执行操作
func (lm *LockManager) WithStoryLock(storyID string, fn func() error) error {
	e := lm.entry(storyID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn()
}

// WithStoryReadLock 在故事读锁保护下执行操作
func (lm *LockManager) WithStoryReadLock(storyID string, fn func() error) error {
	e := lm.entry(storyID)
	e.mu.RLock()
	defer e.mu.RUnlock()
	return fn()
}

func (lm *LockManager) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		lm.cleanupIdleLocks()
	}
}

// cleanupIdleLocks 锁数量过多时回收长期未使用的锁
// 单次写操作远短于空闲阈值，回收时锁必定无人持有
func (lm *LockManager) cleanupIdleLocks() {
	const maxLocks = 200
	const idleTimeout = 30 * time.Minute

	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()

	if len(lm.storyLocks) <= maxLocks {
		return
	}

	now := time.Now()
	for storyID, e := range lm.storyLocks {
		if now.Sub(e.lastUsed) > idleTimeout {
			delete(lm.storyLocks, storyID)
		}
	}
}
