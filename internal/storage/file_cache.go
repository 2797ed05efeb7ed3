// internal/storage/file_cache.go
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// FileCacheService 已解码JSON文档的内存缓存
//
// FileStorage 的字节缓存省去磁盘读取，这一层进一步省去反序列化。
// 条目通过文件修改时间与大小检测失效，外部进程改写文件后下次读取
// 自动回源。
type FileCacheService struct {
	cache      map[string]*fileCacheEntry
	mutex      sync.RWMutex
	maxSize    int
	expiration time.Duration
}

type fileCacheEntry struct {
	data      interface{}
	createdAt time.Time
	lastRead  time.Time
	modTime   time.Time
	size      int64
}

// NewFileCacheService 创建文件缓存服务
func NewFileCacheService(maxSize int, expiration time.Duration) *FileCacheService {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if expiration <= 0 {
		expiration = 5 * time.Minute
	}

	return &FileCacheService{
		cache:      make(map[string]*fileCacheEntry),
		maxSize:    maxSize,
		expiration: expiration,
	}
}

// ReadFile 读取并解析JSON文件，命中缓存时跳过磁盘与反序列化
func (s *FileCacheService) ReadFile(path string, target interface{}) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("获取文件绝对路径失败: %w", err)
	}

	s.mutex.RLock()
	entry, exists := s.cache[absPath]
	s.mutex.RUnlock()

	if exists {
		if info, err := os.Stat(absPath); err == nil {
			modified := info.ModTime().After(entry.modTime) || info.Size() != entry.size
			expired := time.Since(entry.createdAt) > s.expiration

			if !modified && !expired {
				s.mutex.Lock()
				entry.lastRead = time.Now()
				s.mutex.Unlock()

				// 缓存持有的是原始解码结果，经由JSON往返复制到目标，
				// 调用方拿到的永远是独立副本
				if data, err := json.Marshal(entry.data); err == nil {
					return json.Unmarshal(data, target)
				}
			}
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return fmt.Errorf("读取文件失败: %w", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("解析JSON失败: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		// 拿不到文件信息时不缓存，读取本身已成功
		return nil
	}

	s.mutex.Lock()
	s.cache[absPath] = &fileCacheEntry{
		data:      target,
		createdAt: time.Now(),
		lastRead:  time.Now(),
		modTime:   info.ModTime(),
		size:      info.Size(),
	}
	if len(s.cache) > s.maxSize {
		s.evictLRU(s.maxSize / 5)
	}
	s.mutex.Unlock()

	return nil
}

// Invalidate 移除指定路径的缓存条目
func (s *FileCacheService) Invalidate(path string) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return
	}

	s.mutex.Lock()
	delete(s.cache, absPath)
	s.mutex.Unlock()
}

// Clear 清空缓存
func (s *FileCacheService) Clear() {
	s.mutex.Lock()
	s.cache = make(map[string]*fileCacheEntry)
	s.mutex.Unlock()
}

// evictLRU 按最后读取时间淘汰最旧的 count 个条目（调用方须持有写锁）
func (s *FileCacheService) evictLRU(count int) {
	type keyAge struct {
		key  string
		time time.Time
	}

	entries := make([]keyAge, 0, len(s.cache))
	for k, v := range s.cache {
		entries = append(entries, keyAge{k, v.lastRead})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].time.Before(entries[j].time)
	})

	if count < 1 {
		count = 1
	}
	if count > len(entries) {
		count = len(entries)
	}
	for i := 0; i < count; i++ {
		delete(s.cache, entries[i].key)
	}
}
