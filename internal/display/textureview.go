package display

import (
	"sync"

	"labellens/internal/camera"
)

// defaultSubscriberBuffer は購読者ごとのバッファ数
const defaultSubscriberBuffer = 2

// TextureView はプレビューのバッファと変換を保持するサーフェス
// 新しいバッファは購読者（MJPEG配信など）へ配る
type TextureView struct {
	mu        sync.RWMutex
	buffer    *camera.FrameBuffer
	transform camera.Transform

	subMu   sync.Mutex
	subs    map[int]chan *camera.FrameBuffer
	nextID  int
	dropped uint64
}

// NewTextureView は新しいTextureViewを作成する
func NewTextureView() *TextureView {
	return &TextureView{
		transform: camera.Identity(),
		subs:      make(map[int]chan *camera.FrameBuffer),
	}
}

// SetBuffer はバッファを差し替えて購読者へ配る
// nilは表示面の解放を表し、配信はしない
func (v *TextureView) SetBuffer(buf *camera.FrameBuffer) {
	v.mu.Lock()
	v.buffer = buf
	v.mu.Unlock()

	if buf == nil {
		return
	}

	v.subMu.Lock()
	defer v.subMu.Unlock()
	for _, ch := range v.subs {
		if !sendLatest(ch, buf) {
			v.dropped++
		}
	}
}

// SetTransform は表示変換を更新する
func (v *TextureView) SetTransform(t camera.Transform) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.transform = t
}

// Buffer は現在のバッファを返す
func (v *TextureView) Buffer() *camera.FrameBuffer {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.buffer
}

// Transform は現在の表示変換を返す
func (v *TextureView) Transform() camera.Transform {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.transform
}

// Subscribe は新しいバッファを受け取るチャンネルを返す
// 受信が遅れた場合は古いバッファから捨てる
func (v *TextureView) Subscribe() (<-chan *camera.FrameBuffer, func()) {
	ch := make(chan *camera.FrameBuffer, defaultSubscriberBuffer)

	v.subMu.Lock()
	id := v.nextID
	v.nextID++
	v.subs[id] = ch
	v.subMu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			v.subMu.Lock()
			delete(v.subs, id)
			v.subMu.Unlock()
		})
	}
	return ch, unsubscribe
}

// Subscribers は購読者数を返す
func (v *TextureView) Subscribers() int {
	v.subMu.Lock()
	defer v.subMu.Unlock()
	return len(v.subs)
}

// Dropped は購読者の遅れで捨てたバッファ数を返す
func (v *TextureView) Dropped() uint64 {
	v.subMu.Lock()
	defer v.subMu.Unlock()
	return v.dropped
}

// sendLatest はチャンネルが満杯なら最も古い要素を捨ててから送る
// 古い要素を捨てた場合はfalseを返す
func sendLatest(ch chan *camera.FrameBuffer, buf *camera.FrameBuffer) bool {
	select {
	case ch <- buf:
		return true
	default:
	}

	select {
	case <-ch:
	default:
	}

	select {
	case ch <- buf:
	default:
	}
	return false
}
