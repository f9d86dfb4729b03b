package camera

import (
	"context"
	"fmt"
	"sync"
)

// cameraHandle はセッションが占有するカメラハードウェアのハンドル
// パイプラインは借用するだけで、セッションより長く保持しない
type cameraHandle struct {
	device Device
	info   DeviceInfo
	frames <-chan *FrameBuffer

	mu     sync.Mutex
	latest *FrameBuffer
	fresh  chan struct{} // 新しいフレームが届くとクローズして作り直す
	closed bool
}

// openHandle はデバイスを開いてハンドルを作成する
func openHandle(ctx context.Context, device Device, cfg StreamConfig) (*cameraHandle, error) {
	frames, err := device.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("カメラのオープンに失敗: %w", err)
	}

	return &cameraHandle{
		device: device,
		info:   device.Info(),
		frames: frames,
		fresh:  make(chan struct{}),
	}, nil
}

// publish は最新フレームを差し替える（古いフレームは保持しない）
func (h *cameraHandle) publish(f *FrameBuffer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	h.latest = f
	close(h.fresh)
	h.fresh = make(chan struct{})
}

// Latest は最新フレームを返す
func (h *cameraHandle) Latest() (*FrameBuffer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrCameraClosed
	}
	if h.latest == nil {
		return nil, ErrNoFrame
	}
	return h.latest, nil
}

// Next はSeqがafterより新しいフレームが届くまで待つ
func (h *cameraHandle) Next(ctx context.Context, after uint64) (*FrameBuffer, error) {
	for {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return nil, ErrCameraClosed
		}
		if h.latest != nil && h.latest.Seq > after {
			f := h.latest
			h.mu.Unlock()
			return f, nil
		}
		wait := h.fresh
		h.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, fmt.Errorf("フレーム待ちがタイムアウト: %w", ctx.Err())
		}
	}
}

// close はハンドルを無効化してデバイスを解放する
func (h *cameraHandle) close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.latest = nil
	close(h.fresh)
	h.mu.Unlock()

	if err := h.device.Close(); err != nil {
		return fmt.Errorf("カメラのクローズに失敗: %w", err)
	}
	return nil
}
