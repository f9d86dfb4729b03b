package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"labellens/internal/log"
)

// CaptureRequest は1回の撮影要求
type CaptureRequest struct {
	ID          string    `json:"id"`
	Path        string    `json:"path"`
	RequestedAt time.Time `json:"requested_at"`
}

// NewCaptureRequest は新しいCaptureRequestを作成する
func NewCaptureRequest(path string, now time.Time) CaptureRequest {
	return CaptureRequest{
		ID:          uuid.NewString(),
		Path:        path,
		RequestedAt: now,
	}
}

// DefaultCapturePath は <mediaDir>/<エポックミリ秒>.jpg を返す
func DefaultCapturePath(mediaDir string, t time.Time) string {
	return filepath.Join(mediaDir, fmt.Sprintf("%d.jpg", t.UnixMilli()))
}

// SavedImage は保存に成功した画像
type SavedImage struct {
	Path    string    `json:"path"` // 絶対パス
	Size    int64     `json:"size"`
	SavedAt time.Time `json:"saved_at"`
}

// CaptureResult は撮影要求の結果
// ImageとErrのどちらか一方だけが設定される
type CaptureResult struct {
	Request CaptureRequest
	Image   *SavedImage
	Err     *CaptureError
}

// OK は撮影が成功したかを返す
func (r CaptureResult) OK() bool {
	return r.Err == nil
}

// capturePipeline は共有ワーカー上で撮影を1件ずつ処理する
type capturePipeline struct {
	cfg   CaptureConfig
	sink  Sink[CaptureResult]
	ui    Dispatcher
	stats *sessionStats

	mu       sync.Mutex
	handle   *cameraHandle
	executor *SerialExecutor
}

func newCapturePipeline(cfg CaptureConfig, sink Sink[CaptureResult], ui Dispatcher, stats *sessionStats) *capturePipeline {
	return &capturePipeline{
		cfg:   cfg,
		sink:  sink,
		ui:    ui,
		stats: stats,
	}
}

func (p *capturePipeline) name() string { return "capture" }

func (p *capturePipeline) bind(h *cameraHandle, executor *SerialExecutor) error {
	switch p.cfg.Mode {
	case CaptureMinLatency:
	case CaptureMaxQuality:
		if p.cfg.JPEGQuality < 1 || p.cfg.JPEGQuality > 100 {
			return fmt.Errorf("無効なJPEG品質: %d", p.cfg.JPEGQuality)
		}
	default:
		return fmt.Errorf("サポートされていない撮影モード: %q", p.cfg.Mode)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.handle != nil {
		return fmt.Errorf("撮影は既にバインドされています")
	}
	p.handle = h
	p.executor = executor
	return nil
}

func (p *capturePipeline) unbind() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.handle = nil
	p.executor = nil
}

// submit は撮影要求をワーカーのキューに積む
// 受け付けた要求は必ず1件の結果（SavedImageかCaptureError）になる
func (p *capturePipeline) submit(req CaptureRequest) error {
	p.mu.Lock()
	h, executor := p.handle, p.executor
	p.mu.Unlock()

	if h == nil {
		return ErrNotActive
	}

	if !executor.Submit(func() { p.process(h, req) }) {
		return ErrNotActive
	}
	return nil
}

// process はワーカー上で撮影し、結果をUIコンテキストへ渡す
// ワーカーからは表示状態に触れない
func (p *capturePipeline) process(h *cameraHandle, req CaptureRequest) {
	result := CaptureResult{Request: req}

	img, err := p.take(h, req)
	if err != nil {
		var cerr *CaptureError
		if !errors.As(err, &cerr) {
			cerr = &CaptureError{Kind: captureErrorKind(err), Message: "撮影に失敗しました", Cause: err}
		}
		result.Err = cerr
		p.stats.capturesFailed.Add(1)
		log.Error("写真の撮影に失敗", "request", req.ID, "path", req.Path, "kind", cerr.Kind, "error", cerr)
	} else {
		result.Image = img
		p.stats.capturesSaved.Add(1)
		log.Debug("写真の撮影に成功", "request", req.ID, "path", img.Path)
	}

	if !p.ui.Post(func() { p.sink.Deliver(result) }) {
		log.Warn("撮影結果を配送できませんでした", "request", req.ID)
	}
}

// take はフレームを取得してファイルに保存する
func (p *capturePipeline) take(h *cameraHandle, req CaptureRequest) (*SavedImage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout())
	defer cancel()

	frame, err := p.frame(ctx, h)
	if err != nil {
		return nil, err
	}

	data, err := p.encode(frame)
	if err != nil {
		return nil, &CaptureError{Kind: KindCaptureFailed, Message: "画像のエンコードに失敗しました", Cause: err}
	}

	size, err := writeFileAtomic(req.Path, data)
	if err != nil {
		return nil, &CaptureError{Kind: KindFileIO, Message: "画像の保存に失敗しました", Cause: err}
	}

	abs, err := filepath.Abs(req.Path)
	if err != nil {
		abs = req.Path
	}

	return &SavedImage{Path: abs, Size: size, SavedAt: time.Now()}, nil
}

// frame は撮影モードに応じてフレームを選ぶ
// min_latency: 直近のフレーム（まだなければ最初のフレームを待つ）
// max_quality: 要求後に届く新しいフレーム
func (p *capturePipeline) frame(ctx context.Context, h *cameraHandle) (*FrameBuffer, error) {
	latest, err := h.Latest()
	switch {
	case errors.Is(err, ErrNoFrame):
		return h.Next(ctx, 0)
	case err != nil:
		return nil, err
	}

	if p.cfg.Mode == CaptureMaxQuality {
		return h.Next(ctx, latest.Seq)
	}
	return latest, nil
}

// encode はmin_latencyではJPEGをそのまま使い、max_qualityでは高品質で再エンコードする
func (p *capturePipeline) encode(frame *FrameBuffer) ([]byte, error) {
	if p.cfg.Mode != CaptureMaxQuality {
		return frame.Data, nil
	}

	img, err := frame.Image()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: p.cfg.JPEGQuality}); err != nil {
		return nil, fmt.Errorf("JPEGエンコードに失敗: %w", err)
	}
	return buf.Bytes(), nil
}

func (p *capturePipeline) timeout() time.Duration {
	if p.cfg.Timeout > 0 {
		return p.cfg.Timeout
	}
	return 5 * time.Second
}

// writeFileAtomic は同じディレクトリの一時ファイルに書いてからリネームする
func writeFileAtomic(path string, data []byte) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".capture-*.jpg")
	if err != nil {
		return 0, fmt.Errorf("一時ファイルの作成に失敗: %w", err)
	}
	tmpName := tmp.Name()

	n, err := tmp.Write(data)
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("書き込みに失敗: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("クローズに失敗: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("パーミッションの設定に失敗: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("リネームに失敗: %w", err)
	}

	return int64(n), nil
}
