// internal/storage/file_storage_test.go
package storage

import (
	"testing"
	"time"
)

type storageTestDoc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func newTestFileStorage(t *testing.T) *FileStorage {
	t.Helper()

	fs, err := NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("创建文件存储失败: %v", err)
	}
	return fs
}

func TestFileStorageJSONRoundTrip(t *testing.T) {
	fs := newTestFileStorage(t)

	saved := storageTestDoc{Name: "物語", Count: 3}
	if err := fs.SaveJSONFile("stories", "doc.json", saved); err != nil {
		t.Fatalf("保存失败: %v", err)
	}
	if !fs.FileExists("stories", "doc.json") {
		t.Fatal("保存后文件应存在")
	}

	var loaded storageTestDoc
	if err := fs.LoadJSONFile("stories", "doc.json", &loaded); err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if loaded != saved {
		t.Errorf("读回数据 = %+v，期望 %+v", loaded, saved)
	}
}

func TestFileStorageSaveInvalidatesCache(t *testing.T) {
	fs := newTestFileStorage(t)

	if err := fs.SaveJSONFile("stories", "doc.json", storageTestDoc{Name: "v1"}); err != nil {
		t.Fatalf("保存失败: %v", err)
	}

	var doc storageTestDoc
	if err := fs.LoadJSONFile("stories", "doc.json", &doc); err != nil {
		t.Fatalf("读取失败: %v", err)
	}

	// 覆盖写必须作废缓存，TTL内的下一次读取不能拿到旧内容
	if err := fs.SaveJSONFile("stories", "doc.json", storageTestDoc{Name: "v2"}); err != nil {
		t.Fatalf("覆盖保存失败: %v", err)
	}
	if err := fs.LoadJSONFile("stories", "doc.json", &doc); err != nil {
		t.Fatalf("覆盖后读取失败: %v", err)
	}
	if doc.Name != "v2" {
		t.Errorf("读到旧缓存内容: %+v", doc)
	}
}

func TestFileStorageListFiles(t *testing.T) {
	fs := newTestFileStorage(t)

	for _, name := range []string{"b.json", "a.json", "c.txt"} {
		if err := fs.SaveJSONFile("stories", name, storageTestDoc{}); err != nil {
			t.Fatalf("保存 %s 失败: %v", name, err)
		}
	}

	files, err := fs.ListFiles("stories", ".json")
	if err != nil {
		t.Fatalf("列出文件失败: %v", err)
	}
	if len(files) != 2 || files[0] != "a.json" || files[1] != "b.json" {
		t.Errorf("文件列表 = %v，期望 [a.json b.json]", files)
	}

	// 目录不存在返回空列表而非错误
	files, err = fs.ListFiles("missing", ".json")
	if err != nil {
		t.Fatalf("缺失目录不应报错: %v", err)
	}
	if len(files) != 0 {
		t.Errorf("缺失目录应返回空列表: %v", files)
	}
}

func TestFileStorageCacheCleanup(t *testing.T) {
	fs := newTestFileStorage(t)

	if err := fs.SaveJSONFile("stories", "doc.json", storageTestDoc{Name: "v1"}); err != nil {
		t.Fatalf("保存失败: %v", err)
	}
	var doc storageTestDoc
	if err := fs.LoadJSONFile("stories", "doc.json", &doc); err != nil {
		t.Fatalf("读取失败: %v", err)
	}

	// 把缓存条目改成已过期，清理必须移除它
	fs.cacheMutex.Lock()
	for _, entry := range fs.cache {
		entry.timestamp = time.Now().Add(-fs.cacheExpiry - time.Minute)
	}
	fs.cacheMutex.Unlock()

	fs.cleanupExpiredCache()

	fs.cacheMutex.RLock()
	size := len(fs.cache)
	fs.cacheMutex.RUnlock()
	if size != 0 {
		t.Errorf("过期条目未被清理，剩余 %d 条", size)
	}
}

func TestFileStorageCacheSizeBound(t *testing.T) {
	fs := newTestFileStorage(t)
	fs.maxCacheSize = 3

	fs.cacheMutex.Lock()
	base := time.Now()
	for i := 0; i < 6; i++ {
		fs.cache[string(rune('a'+i))] = &cacheEntry{timestamp: base.Add(time.Duration(i) * time.Second)}
	}
	fs.evictOverflowLocked()
	size := len(fs.cache)
	_, oldestKept := fs.cache["c"]
	_, newestKept := fs.cache["f"]
	fs.cacheMutex.Unlock()

	if size != 3 {
		t.Errorf("缓存条目数 = %d，期望 3", size)
	}
	if oldestKept || !newestKept {
		t.Error("应淘汰最旧条目并保留最新条目")
	}
}
