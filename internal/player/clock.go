// internal/player/clock.go
package player

import (
	"time"
)

// Timer 可取消的单次定时器句柄
type Timer interface {
	Stop() bool
}

// Clock 定时器来源
// 播放会话通过它调度打字节拍与自动前进延迟；测试注入假时钟，
// 生产使用 time.AfterFunc
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
	Now() time.Time
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (realClock) Now() time.Time {
	return time.Now()
}

// RealClock 返回墙钟实现
func RealClock() Clock {
	return realClock{}
}
