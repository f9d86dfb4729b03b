package camera

import (
	"context"
	"fmt"
	"sync"

	"labellens/internal/log"
)

// SerialExecutor は1つのゴルーチンでタスクをFIFO順に実行する
// 撮影と解析が共有するバックグラウンドワーカー、およびUIルーパーとして使う
type SerialExecutor struct {
	name  string
	mu    sync.Mutex
	cond  *sync.Cond
	queue []func()

	closed bool
	done   chan struct{}
}

// NewSerialExecutor は新しいSerialExecutorを作成して実行を開始する
func NewSerialExecutor(name string) *SerialExecutor {
	e := &SerialExecutor{
		name: name,
		done: make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.mu)

	go e.run()
	return e
}

// NewLooper はUIコンテキスト用のSerialExecutorを作成する
func NewLooper() *SerialExecutor {
	return NewSerialExecutor("ui")
}

// Submit はタスクをキューの末尾に積む
// Shutdown後はfalseを返しタスクは実行されない
func (e *SerialExecutor) Submit(task func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return false
	}

	e.queue = append(e.queue, task)
	e.cond.Signal()
	return true
}

// Post はDispatcherとしてのSubmit
func (e *SerialExecutor) Post(fn func()) bool {
	return e.Submit(fn)
}

// Flush はそれまでに積まれたタスクが全て実行されるまで待つ
// 実行中のタスク内から呼んではならない
func (e *SerialExecutor) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if !e.Submit(func() { close(done) }) {
		return fmt.Errorf("%s: エグゼキューターは停止しています", e.name)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending はキューに残っているタスク数を返す
func (e *SerialExecutor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Shutdown は新規タスクの受付を止め、残りのタスクを実行し終えるまで待つ
// 複数回呼んでも安全
func (e *SerialExecutor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.cond.Broadcast()
	e.mu.Unlock()

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: タスクの完了待ちが中断されました: %w", e.name, ctx.Err())
	}
}

// Done は全タスクを実行し終えて停止したときにクローズされる
func (e *SerialExecutor) Done() <-chan struct{} {
	return e.done
}

// run はキューからタスクを取り出して順に実行する
func (e *SerialExecutor) run() {
	defer close(e.done)

	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.cond.Wait()
		}

		// 停止済みでもキューが空になるまで実行する
		if len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}

		task := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()

		e.execute(task)
	}
}

// execute はpanicしてもワーカーを止めずにタスクを実行する
func (e *SerialExecutor) execute(task func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("タスクがpanicしました", "executor", e.name, "panic", r)
		}
	}()

	task()
}
