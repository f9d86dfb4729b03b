package camera

import (
	"fmt"
	"sync"

	"labellens/internal/log"
)

// previewPipeline はフレームを表示面に流し、回転補正の変換を維持する
type previewPipeline struct {
	cfg     PreviewConfig
	display Display
	surface Surface
	ui      Dispatcher

	mu        sync.Mutex
	state     PreviewState
	pending   *FrameBuffer // UIスレッドでの差し替え待ちバッファ
	posted    bool
	transform Transform
	swaps     uint64
}

func newPreviewPipeline(cfg PreviewConfig, display Display, surface Surface, ui Dispatcher) *previewPipeline {
	return &previewPipeline{
		cfg:       cfg,
		display:   display,
		surface:   surface,
		ui:        ui,
		state:     PreviewUnbound,
		transform: Identity(),
	}
}

func (p *previewPipeline) name() string { return "preview" }

// bind はUnbound→Boundへ遷移する
func (p *previewPipeline) bind(h *cameraHandle, _ *SerialExecutor) error {
	res := p.cfg.TargetResolution
	if !h.info.Supports(res) {
		return fmt.Errorf("解像度 %dx%d は %s でサポートされていません", res.Width, res.Height, h.info.Name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != PreviewUnbound {
		return fmt.Errorf("プレビューは既にバインドされています")
	}
	p.state = PreviewBound
	return nil
}

// unbind は表示面の紐付けを解除してUnboundへ戻す
func (p *previewPipeline) unbind() {
	p.mu.Lock()
	if p.state == PreviewUnbound {
		p.mu.Unlock()
		return
	}
	p.state = PreviewUnbound
	p.pending = nil
	p.mu.Unlock()

	p.ui.Post(func() {
		if err := p.display.Detach(p.surface); err != nil {
			log.Warn("サーフェスのデタッチに失敗", "error", err)
		}
		p.surface.SetBuffer(nil)
	})
}

// deliver は新しいバッファを受け取る
// UIスレッドでの差し替えが未実行なら待機中のバッファを置き換える
func (p *previewPipeline) deliver(f *FrameBuffer) {
	p.mu.Lock()
	if p.state == PreviewUnbound {
		p.mu.Unlock()
		return
	}
	if p.state == PreviewBound {
		p.state = PreviewStreaming
	}

	p.pending = f
	if p.posted {
		p.mu.Unlock()
		return
	}
	p.posted = true
	p.mu.Unlock()

	if !p.ui.Post(p.swapBuffer) {
		p.mu.Lock()
		p.posted = false
		p.mu.Unlock()
	}
}

// swapBuffer はUIスレッドでサーフェスを付け直して新しいバッファを割り当てる
// 生きているバッファにはその場で再バインドできないため、デタッチしてからアタッチする
func (p *previewPipeline) swapBuffer() {
	p.mu.Lock()
	f := p.pending
	p.pending = nil
	p.posted = false
	bound := p.state != PreviewUnbound
	p.mu.Unlock()

	if !bound || f == nil {
		return
	}

	if err := p.display.Detach(p.surface); err != nil {
		log.Warn("サーフェスのデタッチに失敗", "error", err)
	}
	if err := p.display.Attach(p.surface); err != nil {
		log.Warn("サーフェスのアタッチに失敗", "error", err)
	}
	p.surface.SetBuffer(f)

	p.mu.Lock()
	p.swaps++
	p.mu.Unlock()

	p.updateTransform()
}

// onLayoutChange はレイアウト変更時に変換だけを再計算する
func (p *previewPipeline) onLayoutChange() {
	p.mu.Lock()
	bound := p.state != PreviewUnbound
	p.mu.Unlock()

	if bound {
		p.ui.Post(p.updateTransform)
	}
}

// updateTransform は現在の回転とサイズから変換を計算して適用する（UIスレッド）
// 未対応の回転値では直前の変換を維持する
func (p *previewPipeline) updateTransform() {
	t, ok := ComputeTransform(p.display.CurrentRotation(), float64(p.display.Width()), float64(p.display.Height()))
	if !ok {
		return
	}

	p.mu.Lock()
	p.transform = t
	p.mu.Unlock()

	p.surface.SetTransform(t)
}

// State は現在の状態を返す
func (p *previewPipeline) State() PreviewState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Transform は最後に適用した変換を返す
func (p *previewPipeline) Transform() Transform {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transform
}

// Swaps はバッファを差し替えた回数を返す
func (p *previewPipeline) Swaps() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.swaps
}
