package camera

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"labellens/internal/log"
)

var testEpoch = time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)

// inlineDispatcher は呼び出し元のゴルーチンでそのまま実行する
type inlineDispatcher struct{}

func (inlineDispatcher) Post(fn func()) bool {
	fn()
	return true
}

func testFrame(seq uint64) *FrameBuffer {
	return NewFrameBuffer(seq, testEpoch.Add(time.Duration(seq)*time.Millisecond), nil, 4, 4)
}

// chanSink は結果をチャンネルに流すSink
func chanSink[T any](size int) (Sink[T], <-chan T) {
	ch := make(chan T, size)
	return SinkFunc[T](func(v T) { ch <- v }), ch
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("結果が届きませんでした")
	}
	var zero T
	return zero
}

// logBuffer は複数のゴルーチンから書き込まれるログを保持する
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// captureLog はテスト中のログをバッファに切り替える
func captureLog(t *testing.T, level string) *logBuffer {
	t.Helper()
	b := &logBuffer{}
	log.InitWithWriter(level, b)
	t.Cleanup(func() { log.Init("info") })
	return b
}
