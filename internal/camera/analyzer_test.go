package camera

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"strings"
	"sync"
	"testing"
	"time"
)

// blockingAnalyzer は指定したフレームの解析を解放されるまで止める
type blockingAnalyzer struct {
	blockOn uint64
	started chan uint64
	release chan struct{}

	mu        sync.Mutex
	processed []uint64
}

func newBlockingAnalyzer(blockOn uint64) *blockingAnalyzer {
	return &blockingAnalyzer{
		blockOn: blockOn,
		started: make(chan uint64, 16),
		release: make(chan struct{}),
	}
}

func (b *blockingAnalyzer) Analyze(f *FrameBuffer) (AnalysisResult, error) {
	b.started <- f.Seq
	if f.Seq == b.blockOn {
		<-b.release
	}
	b.mu.Lock()
	b.processed = append(b.processed, f.Seq)
	b.mu.Unlock()
	return AnalysisResult{Seq: f.Seq, Timestamp: f.Timestamp}, nil
}

func (b *blockingAnalyzer) Processed() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint64(nil), b.processed...)
}

func newTestAnalysis(t *testing.T, cfg AnalysisConfig, analyzer Analyzer) (*analysisUseCase, <-chan AnalysisResult, *sessionStats) {
	t.Helper()

	stats := &sessionStats{}
	sink, results := chanSink[AnalysisResult](64)
	a := newAnalysisUseCase(cfg, analyzer, sink, inlineDispatcher{}, stats)

	executor := NewSerialExecutor("analysis-test")
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = executor.Shutdown(ctx)
	})

	if err := a.bind(nil, executor); err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	return a, results, stats
}

func equalSeqs(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestAnalysis_LatestOnlyDropsStaleFrames(t *testing.T) {
	analyzer := newBlockingAnalyzer(1)
	a, results, stats := newTestAnalysis(t, AnalysisConfig{ReaderMode: ReaderLatestOnly}, analyzer)

	a.offer(testFrame(1))
	if seq := receive(t, analyzer.started); seq != 1 {
		t.Fatalf("Expected frame 1 to start first, got %d", seq)
	}

	// 解析中に届いたフレームは最新の1枚だけが残る
	a.offer(testFrame(2))
	a.offer(testFrame(3))
	a.offer(testFrame(4))
	close(analyzer.release)

	for {
		if r := receive(t, results); r.Seq == 4 {
			break
		}
	}

	if got := analyzer.Processed(); !equalSeqs(got, []uint64{1, 4}) {
		t.Errorf("Expected frames [1 4] to be analyzed, got %v", got)
	}
	if got := stats.framesDropped.Load(); got != 2 {
		t.Errorf("Expected 2 dropped frames, got %d", got)
	}
	if got := stats.framesAnalyzed.Load(); got != 2 {
		t.Errorf("Expected 2 analyzed frames, got %d", got)
	}
}

func TestAnalysis_AcquireAllKeepsQueueDepth(t *testing.T) {
	analyzer := newBlockingAnalyzer(1)
	a, results, stats := newTestAnalysis(t, AnalysisConfig{ReaderMode: ReaderAcquireAll, QueueDepth: 2}, analyzer)

	a.offer(testFrame(1))
	receive(t, analyzer.started)

	a.offer(testFrame(2))
	a.offer(testFrame(3))
	a.offer(testFrame(4)) // キューが満杯なので捨てられる
	close(analyzer.release)

	for {
		if r := receive(t, results); r.Seq == 3 {
			break
		}
	}

	if got := analyzer.Processed(); !equalSeqs(got, []uint64{1, 2, 3}) {
		t.Errorf("Expected frames [1 2 3] to be analyzed, got %v", got)
	}
	if got := stats.framesDropped.Load(); got != 1 {
		t.Errorf("Expected 1 dropped frame, got %d", got)
	}
}

func TestAnalysis_IncreasingSubsequenceEndingAtNewest(t *testing.T) {
	const n = 200

	var (
		mu   sync.Mutex
		seen []uint64
	)
	analyzer := AnalyzerFunc(func(f *FrameBuffer) (AnalysisResult, error) {
		time.Sleep(200 * time.Microsecond)
		mu.Lock()
		seen = append(seen, f.Seq)
		mu.Unlock()
		return AnalysisResult{Seq: f.Seq}, nil
	})
	a, results, _ := newTestAnalysis(t, AnalysisConfig{ReaderMode: ReaderLatestOnly}, analyzer)

	for seq := uint64(1); seq <= n; seq++ {
		a.offer(testFrame(seq))
	}

	for {
		if r := receive(t, results); r.Seq == n {
			break
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(seen); i++ {
		if seen[i] <= seen[i-1] {
			t.Fatalf("解析順序が単調増加ではありません: %v", seen)
		}
	}
	if seen[len(seen)-1] != n {
		t.Errorf("Expected last analyzed frame %d, got %d", n, seen[len(seen)-1])
	}
}

func TestAnalysis_MinInterval(t *testing.T) {
	a, results, stats := newTestAnalysis(t, AnalysisConfig{ReaderMode: ReaderLatestOnly, MinInterval: 100 * time.Millisecond}, AnalyzerFunc(func(f *FrameBuffer) (AnalysisResult, error) {
		return AnalysisResult{Seq: f.Seq}, nil
	}))

	at := func(seq uint64, offset time.Duration) *FrameBuffer {
		return NewFrameBuffer(seq, testEpoch.Add(offset), nil, 4, 4)
	}

	a.offer(at(1, 0))
	receive(t, results)

	a.offer(at(2, 10*time.Millisecond))
	a.offer(at(3, 200*time.Millisecond))

	if r := receive(t, results); r.Seq != 3 {
		t.Errorf("Expected frame 3, got %d", r.Seq)
	}
	if got := stats.framesDropped.Load(); got != 1 {
		t.Errorf("Expected 1 throttled frame, got %d", got)
	}
}

func TestAnalysis_ErrorsCountAsDrops(t *testing.T) {
	a, results, stats := newTestAnalysis(t, DefaultAnalysisConfig(), LuminosityAnalyzer{})

	// 壊れたJPEGはデコードに失敗する
	a.offer(NewFrameBuffer(1, testEpoch, []byte{0xFF, 0xD8, 0x00}, 4, 4))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.executor.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if got := stats.analysisErrors.Load(); got != 1 {
		t.Errorf("Expected 1 analysis error, got %d", got)
	}
	if got := stats.framesDropped.Load(); got != 1 {
		t.Errorf("Expected the broken frame to be counted as dropped, got %d", got)
	}

	good, err := EncodeFrameBuffer(2, testEpoch, uniformGray(8, 8, 10), 90)
	if err != nil {
		t.Fatalf("EncodeFrameBuffer failed: %v", err)
	}
	a.offer(good)

	r := receive(t, results)
	if r.Seq != 2 || math.Abs(r.Luminance-10) > 1e-9 {
		t.Errorf("unexpected result: %+v", r)
	}
}

func TestAnalysis_ErrorsAreLogged(t *testing.T) {
	logs := captureLog(t, "info")
	broken := AnalyzerFunc(func(*FrameBuffer) (AnalysisResult, error) {
		return AnalysisResult{}, errors.New("decode failed")
	})
	a, _, stats := newTestAnalysis(t, DefaultAnalysisConfig(), broken)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for seq := uint64(1); seq <= 3; seq++ {
		a.offer(testFrame(seq))
		if err := a.executor.Flush(ctx); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}
	}

	if got := stats.analysisErrors.Load(); got != 3 {
		t.Fatalf("Expected 3 analysis errors, got %d", got)
	}
	// 連続するエラーは最初の1件だけWarnで出る
	if got := strings.Count(logs.String(), "フレーム解析に失敗"); got != 1 {
		t.Errorf("Expected 1 warning, got %d: %q", got, logs.String())
	}
}

func TestAnalysis_BindValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  AnalysisConfig
	}{
		{"unknown mode", AnalysisConfig{ReaderMode: "newest"}},
		{"zero depth", AnalysisConfig{ReaderMode: ReaderAcquireAll}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAnalysisUseCase(tt.cfg, LuminosityAnalyzer{}, discard[AnalysisResult]{}, inlineDispatcher{}, &sessionStats{})
			if err := a.bind(nil, NewSerialExecutor("unused")); err == nil {
				t.Error("Expected bind to fail")
			}
		})
	}
}

func uniformGray(w, h int, v uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

func TestLuminosityAnalyzer(t *testing.T) {
	white := image.NewRGBA(image.Rect(0, 0, 3, 3))
	for y := 0; y < 3; y++ {
		for x := 0; x < 3; x++ {
			white.Set(x, y, color.White)
		}
	}

	half := image.NewGray(image.Rect(0, 0, 2, 2))
	half.Pix = []uint8{0, 100, 100, 200}

	tests := []struct {
		name string
		img  image.Image
		want float64
	}{
		{"gray", uniformGray(16, 16, 128), 128},
		{"mixed gray", half, 100},
		{"rgba white", white, 255},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := meanLuminance(tt.img)
			if err != nil {
				t.Fatalf("meanLuminance failed: %v", err)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}

	if _, err := meanLuminance(image.NewGray(image.Rect(0, 0, 0, 0))); err == nil {
		t.Error("Expected error for empty image")
	}
}

func TestLuminosityAnalyzer_TestPattern(t *testing.T) {
	f, err := EncodeFrameBuffer(7, testEpoch, testPattern(32, 16, 7), 90)
	if err != nil {
		t.Fatalf("EncodeFrameBuffer failed: %v", err)
	}

	r, err := LuminosityAnalyzer{}.Analyze(f)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if r.Seq != 7 || !r.Timestamp.Equal(testEpoch) {
		t.Errorf("unexpected result metadata: %+v", r)
	}
	if r.Luminance <= 0 || r.Luminance >= 255 {
		t.Errorf("Expected luminance within (0,255), got %v", r.Luminance)
	}

	var decodeErr error
	_, decodeErr = LuminosityAnalyzer{}.Analyze(NewFrameBuffer(1, testEpoch, []byte("not a jpeg"), 1, 1))
	if decodeErr == nil || errors.Is(decodeErr, ErrNoFrame) {
		t.Errorf("Expected decode error, got %v", decodeErr)
	}
}
