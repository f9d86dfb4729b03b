package camera

import (
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"

	"labellens/internal/log"
)

// AnalysisResult は1フレームの解析結果
type AnalysisResult struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Luminance float64   `json:"luminance"` // 平均輝度 (0-255)
}

// Analyzer はフレームごとの解析処理
// 状態を持たず、バックグラウンドワーカー上で1フレームずつ呼ばれる
type Analyzer interface {
	Analyze(frame *FrameBuffer) (AnalysisResult, error)
}

// AnalyzerFunc は関数をAnalyzerとして扱うためのアダプター
type AnalyzerFunc func(frame *FrameBuffer) (AnalysisResult, error)

// Analyze はfを呼び出す
func (f AnalyzerFunc) Analyze(frame *FrameBuffer) (AnalysisResult, error) {
	return f(frame)
}

// LuminosityAnalyzer は平均輝度を計算する
type LuminosityAnalyzer struct{}

// Analyze はY平面（なければグレースケール変換値）の平均を求める
func (LuminosityAnalyzer) Analyze(frame *FrameBuffer) (AnalysisResult, error) {
	img, err := frame.Image()
	if err != nil {
		return AnalysisResult{}, err
	}

	lum, err := meanLuminance(img)
	if err != nil {
		return AnalysisResult{}, fmt.Errorf("フレーム %d: %w", frame.Seq, err)
	}

	return AnalysisResult{
		Seq:       frame.Seq,
		Timestamp: frame.Timestamp,
		Luminance: lum,
	}, nil
}

func meanLuminance(img image.Image) (float64, error) {
	b := img.Bounds()
	if b.Empty() {
		return 0, fmt.Errorf("空の画像です")
	}

	var sum uint64
	switch m := img.(type) {
	case *image.YCbCr:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			off := m.YOffset(b.Min.X, y)
			for _, v := range m.Y[off : off+b.Dx()] {
				sum += uint64(v)
			}
		}
	case *image.Gray:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			off := m.PixOffset(b.Min.X, y)
			for _, v := range m.Pix[off : off+b.Dx()] {
				sum += uint64(v)
			}
		}
	default:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				sum += uint64(color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y)
			}
		}
	}

	return float64(sum) / float64(b.Dx()*b.Dy()), nil
}

// 解析エラーが続くときは最初と100件ごとにWarnで出す
const analysisErrorLogEvery = 100

// analysisUseCase はフレームを受け取り、共有ワーカー上でAnalyzerを実行する
type analysisUseCase struct {
	cfg      AnalysisConfig
	analyzer Analyzer
	sink     Sink[AnalysisResult]
	ui       Dispatcher
	stats    *sessionStats

	mu           sync.Mutex
	executor     *SerialExecutor
	queue        []*FrameBuffer
	scheduled    bool
	lastAnalyzed time.Time
}

func newAnalysisUseCase(cfg AnalysisConfig, analyzer Analyzer, sink Sink[AnalysisResult], ui Dispatcher, stats *sessionStats) *analysisUseCase {
	return &analysisUseCase{
		cfg:      cfg,
		analyzer: analyzer,
		sink:     sink,
		ui:       ui,
		stats:    stats,
	}
}

func (a *analysisUseCase) name() string { return "analysis" }

func (a *analysisUseCase) bind(_ *cameraHandle, executor *SerialExecutor) error {
	switch a.cfg.ReaderMode {
	case ReaderLatestOnly:
	case ReaderAcquireAll:
		if a.cfg.QueueDepth < 1 {
			return fmt.Errorf("無効なキュー深さ: %d", a.cfg.QueueDepth)
		}
	default:
		return fmt.Errorf("サポートされていない読み取りモード: %q", a.cfg.ReaderMode)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.executor != nil {
		return fmt.Errorf("解析は既にバインドされています")
	}
	a.executor = executor
	return nil
}

func (a *analysisUseCase) unbind() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.executor = nil
	a.queue = nil
}

// offer はフレームをキューに入れる
// latest_onlyでは未処理のフレームを新しいフレームで置き換える
func (a *analysisUseCase) offer(f *FrameBuffer) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.executor == nil {
		return
	}

	if a.cfg.MinInterval > 0 && !a.lastAnalyzed.IsZero() && f.Timestamp.Sub(a.lastAnalyzed) < a.cfg.MinInterval {
		a.stats.framesDropped.Add(1)
		return
	}

	switch a.cfg.ReaderMode {
	case ReaderAcquireAll:
		if len(a.queue) >= a.cfg.QueueDepth {
			a.stats.framesDropped.Add(1)
			return
		}
	default:
		if n := len(a.queue); n > 0 {
			a.stats.framesDropped.Add(uint64(n))
			clear(a.queue)
			a.queue = a.queue[:0]
		}
	}
	a.queue = append(a.queue, f)

	a.scheduleLocked()
}

// scheduleLocked はワーカーに解析タスクが積まれていなければ積む
func (a *analysisUseCase) scheduleLocked() {
	if a.scheduled || a.executor == nil {
		return
	}
	a.scheduled = a.executor.Submit(a.run)
}

// run はキューの先頭を取り出して解析する
// 取り出しは実行開始時に行うため、latest_onlyでは常にその時点の最新フレームを処理する
func (a *analysisUseCase) run() {
	a.mu.Lock()
	if len(a.queue) == 0 {
		a.scheduled = false
		a.mu.Unlock()
		return
	}
	f := a.queue[0]
	a.queue[0] = nil
	a.queue = a.queue[1:]
	a.lastAnalyzed = f.Timestamp
	a.mu.Unlock()

	result, err := a.analyzer.Analyze(f)
	if err != nil {
		// 解析はベストエフォートなのでフレーム落ちとして扱う
		n := a.stats.analysisErrors.Add(1)
		a.stats.framesDropped.Add(1)
		if n == 1 || n%analysisErrorLogEvery == 0 {
			log.Warn("フレーム解析に失敗", "seq", f.Seq, "errors", n, "error", err)
		} else {
			log.Debug("フレーム解析に失敗", "seq", f.Seq, "error", err)
		}
	} else {
		a.stats.framesAnalyzed.Add(1)
		a.ui.Post(func() { a.sink.Deliver(result) })
	}

	a.mu.Lock()
	a.scheduled = false
	if len(a.queue) > 0 {
		a.scheduleLocked()
	}
	a.mu.Unlock()
}
