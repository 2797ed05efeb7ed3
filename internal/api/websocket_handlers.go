// internal/api/websocket_handlers.go
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/Corphon/StorySimMCP/internal/di"
	"github.com/Corphon/StorySimMCP/internal/models"
	"github.com/Corphon/StorySimMCP/internal/player"
	"github.com/Corphon/StorySimMCP/internal/services"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// WebSocketHandler 处理播放通道的 WebSocket 请求
//
// 每条连接对应一个播放会话：连接建立即启动会话，连接断开即关闭会话。
// 会话事件单向推给客户端，客户端的输入（点击、选择、作答）经由同一条
// 连接驱动状态机。
type WebSocketHandler struct {
	playService  *services.PlayService
	storyService *services.StoryService
}

// NewWebSocketHandler 创建 WebSocket 处理器
func NewWebSocketHandler() *WebSocketHandler {
	container := di.GetContainer()

	return &WebSocketHandler{
		playService:  container.Get("play").(*services.PlayService),
		storyService: container.Get("story").(*services.StoryService),
	}
}

// PlayWebSocket 为指定故事建立播放连接
func (wh *WebSocketHandler) PlayWebSocket(c *gin.Context) {
	storyID := c.Param("id")
	if storyID == "" {
		log.Printf("❌ WebSocket 连接失败：故事ID缺失")
		http.Error(c.Writer, "故事ID缺失", http.StatusBadRequest)
		return
	}

	userID, _ := GetUserFromContext(c)
	if userID == "" {
		userID = c.DefaultQuery("user_id", anonymousUserID)
	}

	settings := parsePlaySettings(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("❌ 播放 WebSocket 升级失败: %v", err)
		return
	}
	defer conn.Close()

	client := &WebSocketClient{
		conn:      conn,
		storyID:   storyID,
		userID:    userID,
		send:      make(chan []byte, 256),
		closed:    0,
		lastPing:  time.Now(),
		createdAt: time.Now(),
	}

	// 先启动写协程：会话启动时事件立即开始推送
	go wh.handleWebSocketWrites(client)

	// 会话事件在会话内部锁中回调，这里只做非阻塞的队列投递
	sessionID, session, err := wh.playService.StartSession(storyID, userID, settings,
		func(event player.Event) {
			client.SendJSON(event)
		})
	if err != nil {
		log.Printf("❌ 启动播放会话失败 (故事: %s): %v", storyID, err)
		client.SendError(ErrorPlayStartFailed, "启动播放会话失败: "+err.Error())
		time.Sleep(100 * time.Millisecond) // 给写协程送出错误消息的机会
		client.Close()
		return
	}

	client.sessionID = sessionID

	// 注册客户端
	select {
	case wsManager.register <- client:
		// Success
	default:
		log.Printf("❌ 无法注册 WebSocket 客户端，注册通道已满")
		wh.playService.CloseSession(sessionID)
		client.Close()
		return
	}

	defer func() {
		wh.playService.CloseSession(sessionID)

		// Unregister with timeout to prevent blocking
		done := make(chan bool, 1)
		go func() {
			wsManager.unregister <- client
			done <- true
		}()

		select {
		case <-done:
			// Successfully unregistered
		case <-time.After(5 * time.Second):
			log.Printf("⚠️ WebSocket 客户端注销超时")
		}
	}()

	wh.sendSessionStarted(client, sessionID, storyID, session.Settings())

	// 读循环在当前协程运行，返回即断开
	wh.handleWebSocketReads(client, session)

	log.Printf("📱 故事 %s 的播放连接已关闭 (用户: %s)", storyID, userID)
}

// parsePlaySettings 从查询参数解析播放设置
func parsePlaySettings(c *gin.Context) models.PlaySettings {
	settings := models.DefaultPlaySettings()

	if speed, err := strconv.Atoi(c.Query("speed")); err == nil && speed > 0 {
		settings.TypingSpeed = models.TypingSpeed(speed)
	}
	if c.Query("auto") == "true" {
		settings.AutoMode = true
	}

	return settings
}

// messageIndex 从消息中取出选项序号
func messageIndex(message map[string]interface{}) (int, bool) {
	if raw, ok := message["index"].(float64); ok {
		return int(raw), true
	}
	return 0, false
}

// handleWebSocketReads 处理 WebSocket 读取
func (wh *WebSocketHandler) handleWebSocketReads(client *WebSocketClient, session *player.Session) {
	// 设置读取超时和ping处理
	client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	client.conn.SetPongHandler(func(string) error {
		client.UpdatePing()
		client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if client.IsClosed() {
			return
		}

		client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		_, messageBytes, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("❌ WebSocket 读取错误: %v", err)
			}
			return
		}

		var message map[string]interface{}
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			log.Printf("⚠️ JSON解析失败: %v", err)
			continue
		}

		client.UpdatePing()

		if done := wh.handleMessage(client, session, message); done {
			return
		}
	}
}

// handleWebSocketWrites 处理 WebSocket 写入
func (wh *WebSocketHandler) handleWebSocketWrites(client *WebSocketClient) {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		if atomic.CompareAndSwapInt32(&client.closed, 0, 1) {
			func() {
				defer func() {
					if recover() != nil {
						// 通道已关闭
					}
				}()
				close(client.send)
			}()
		}
		client.conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			if client.IsClosed() {
				return
			}

			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("❌ WebSocket 写入失败: %v", err)
				return
			}

		case <-ticker.C:
			if client.IsClosed() {
				return
			}

			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("❌ WebSocket ping 失败: %v", err)
				return
			}
			client.UpdatePing()
		}
	}
}

// handleMessage 处理收到的 WebSocket 消息，返回 true 表示应断开连接
func (wh *WebSocketHandler) handleMessage(client *WebSocketClient, session *player.Session, message map[string]interface{}) bool {
	msgType, ok := message["type"].(string)
	if !ok {
		log.Printf("⚠️ 收到无效的消息类型")
		return false
	}

	switch msgType {
	case "tap":
		session.Tap()
	case "choice":
		wh.handleChoice(client, session, message)
	case "answer":
		wh.handleAnswer(client, session, message)
	case "next":
		if err := session.NextAfterQuiz(); err != nil {
			client.SendError(ErrorBadRequest, err.Error())
		}
	case "settings":
		wh.handleSettings(client, session, message)
	case "ping":
		wh.handlePing(client)
	case "close":
		session.Close()
		return true
	default:
		log.Printf("⚠️ 未知的消息类型: %s", msgType)
	}

	return false
}

// handleChoice 处理选择消息
func (wh *WebSocketHandler) handleChoice(client *WebSocketClient, session *player.Session, message map[string]interface{}) {
	index, ok := messageIndex(message)
	if !ok {
		client.SendError(ErrorChoiceInvalid, "缺少选择序号")
		return
	}

	if err := session.Choose(index); err != nil {
		client.SendError(ErrorChoiceInvalid, err.Error())
	}
}

// handleAnswer 处理问答作答消息
func (wh *WebSocketHandler) handleAnswer(client *WebSocketClient, session *player.Session, message map[string]interface{}) {
	index, ok := messageIndex(message)
	if !ok {
		client.SendError(ErrorAnswerInvalid, "缺少选项序号")
		return
	}

	if err := session.Answer(index); err != nil {
		client.SendError(ErrorAnswerInvalid, err.Error())
	}
}

// handleSettings 处理播放设置更新
func (wh *WebSocketHandler) handleSettings(client *WebSocketClient, session *player.Session, message map[string]interface{}) {
	settings := session.Settings()

	if speed, ok := message["typing_speed"].(float64); ok && speed > 0 {
		settings.TypingSpeed = models.TypingSpeed(int(speed))
	}
	if auto, ok := message["auto_mode"].(bool); ok {
		settings.AutoMode = auto
	}

	session.UpdateSettings(settings)

	client.SendJSON(map[string]interface{}{
		"type":      "settings_updated",
		"settings":  session.Settings(),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handlePing 处理ping消息
func (wh *WebSocketHandler) handlePing(client *WebSocketClient) {
	client.SendJSON(map[string]interface{}{
		"type":      "pong",
		"timestamp": time.Now().Unix(),
	})
}

// sendSessionStarted 发送会话建立确认
func (wh *WebSocketHandler) sendSessionStarted(client *WebSocketClient, sessionID, storyID string, settings models.PlaySettings) {
	client.SendJSON(map[string]interface{}{
		"type":       "session_started",
		"session_id": sessionID,
		"story_id":   storyID,
		"settings":   settings,
		"timestamp":  time.Now().Format(time.RFC3339),
	})
}
