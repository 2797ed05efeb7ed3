// cmd/server/main.go
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/Corphon/StorySimMCP/internal/api"
	"github.com/Corphon/StorySimMCP/internal/app"
	"github.com/Corphon/StorySimMCP/internal/config"
	"github.com/Corphon/StorySimMCP/internal/di"

	_ "github.com/Corphon/StorySimMCP/internal/llm/providers/gemini"
	_ "github.com/Corphon/StorySimMCP/internal/llm/providers/openai"
)

func main() {
	log.Println("🚀 启动 StorySimMCP 服务器...")

	// 1. 首先加载基础配置
	baseConfig, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	log.Printf("✅ 基础配置加载完成，端口: %s", baseConfig.Port)

	// 2. 创建必要的目录
	createDirectories(baseConfig)
	log.Println("✅ 目录结构创建完成")

	// 3. 初始化配置、日志与所有服务（按依赖顺序）
	if err := app.Initialize(baseConfig.DataDir); err != nil {
		log.Fatalf("初始化应用失败: %v", err)
	}
	log.Println("✅ 所有服务初始化完成")

	// 4. 初始化认证系统
	if err := api.InitializeAuth(); err != nil {
		log.Fatalf("初始化认证系统失败: %v", err)
	}
	log.Println("✅ 认证系统初始化完成")

	// 5. 健康检查与路由（只获取服务，不创建）
	if err := performHealthCheck(); err != nil {
		log.Printf("⚠️ 服务健康检查警告: %v", err)
	}

	router, err := api.SetupRouter()
	if err != nil {
		log.Fatalf("❌ 设置路由失败: %v", err)
	}
	app.GetApp().SetRouter(router)
	log.Println("✅ 路由设置完成")

	// 6. 启动服务器
	log.Printf("🌐 服务器启动在端口 %s", baseConfig.Port)
	log.Printf("🔗 访问地址: http://localhost:%s", baseConfig.Port)

	if err := app.Run(); err != nil {
		log.Fatalf("❌ 服务器运行失败: %v", err)
	}

	log.Println("✅ 服务器优雅关闭完成")
}

// 健康检查函数
func performHealthCheck() error {
	container := di.GetContainer()

	// 检查关键服务是否已注册
	criticalServices := []string{"story", "user", "ticket", "play", "generation", "llm", "config"}

	for _, serviceName := range criticalServices {
		if service := container.Get(serviceName); service == nil {
			return fmt.Errorf("关键服务未注册: %s", serviceName)
		}
	}

	log.Println("✅ 服务健康检查通过")
	return nil
}

// createDirectories 创建应用所需的目录结构
func createDirectories(cfg *config.Config) {
	dirs := []string{
		cfg.DataDir,
		filepath.Join(cfg.DataDir, "stories"),
		filepath.Join(cfg.DataDir, "users"),
		filepath.Join(cfg.DataDir, "wallets"),
		filepath.Join(cfg.DataDir, "stats"),
		cfg.LogDir,
		cfg.StaticDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatalf("创建目录失败 %s: %v", dir, err)
		}
	}

	ensureIndexPage(cfg)
}

// ensureIndexPage 静态目录为空时写入一个占位首页
func ensureIndexPage(cfg *config.Config) {
	indexPath := filepath.Join(cfg.StaticDir, "index.html")
	if _, err := os.Stat(indexPath); err == nil {
		return
	}

	placeholder := `<!DOCTYPE html>
<html lang="ja">
<head><meta charset="utf-8"><title>StorySimMCP</title></head>
<body>
<h1>StorySimMCP</h1>
<p>フロントエンドのビルド成果物を static/ に配置してください。</p>
</body>
</html>
`
	if err := os.WriteFile(indexPath, []byte(placeholder), 0644); err != nil {
		log.Printf("警告: 写入占位首页失败: %v", err)
	}
}
