package camera

import (
	"bytes"
	"context"
	"errors"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestHandle(t *testing.T) *cameraHandle {
	t.Helper()
	h, err := openHandle(context.Background(), NewSyntheticDevice("capture-test"), StreamConfig{Width: 16, Height: 16})
	if err != nil {
		t.Fatalf("openHandle failed: %v", err)
	}
	t.Cleanup(func() { _ = h.close() })
	return h
}

func grayFrame(t *testing.T, seq uint64, v uint8) *FrameBuffer {
	t.Helper()
	f, err := EncodeFrameBuffer(seq, testEpoch, uniformGray(16, 16, v), 80)
	if err != nil {
		t.Fatalf("EncodeFrameBuffer failed: %v", err)
	}
	return f
}

func newTestCapture(t *testing.T, cfg CaptureConfig, h *cameraHandle) (*capturePipeline, <-chan CaptureResult, *sessionStats) {
	t.Helper()

	stats := &sessionStats{}
	sink, results := chanSink[CaptureResult](64)
	p := newCapturePipeline(cfg, sink, inlineDispatcher{}, stats)

	executor := NewSerialExecutor("capture-test")
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = executor.Shutdown(ctx)
	})

	if err := p.bind(h, executor); err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	return p, results, stats
}

func TestCapture_SavesLatestFrame(t *testing.T) {
	h := newTestHandle(t)
	frame := grayFrame(t, 1, 50)
	h.publish(frame)

	p, results, stats := newTestCapture(t, DefaultCaptureConfig(), h)

	path := filepath.Join(t.TempDir(), "123.jpg")
	req := NewCaptureRequest(path, time.Now())
	if err := p.submit(req); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	r := receive(t, results)
	if !r.OK() || r.Image == nil {
		t.Fatalf("Expected success, got %v", r.Err)
	}
	if r.Request.ID != req.ID {
		t.Errorf("Expected request %s, got %s", req.ID, r.Request.ID)
	}
	if r.Image.Path != path {
		t.Errorf("Expected path %s, got %s", path, r.Image.Path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !bytes.Equal(data, frame.Data) {
		t.Error("min_latency capture should write the streamed JPEG as-is")
	}
	if r.Image.Size != int64(len(data)) {
		t.Errorf("Expected size %d, got %d", len(data), r.Image.Size)
	}
	if stats.capturesSaved.Load() != 1 {
		t.Errorf("Expected 1 saved capture, got %d", stats.capturesSaved.Load())
	}

	// 一時ファイルが残っていないこと
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("Expected only the saved image in the directory, got %d entries", len(entries))
	}
}

func TestCapture_UnwritablePathKeepsPipelineUsable(t *testing.T) {
	h := newTestHandle(t)
	h.publish(grayFrame(t, 1, 50))
	p, results, stats := newTestCapture(t, DefaultCaptureConfig(), h)

	dir := t.TempDir()
	notDir := filepath.Join(dir, "file")
	if err := os.WriteFile(notDir, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := p.submit(NewCaptureRequest(filepath.Join(notDir, "1.jpg"), time.Now())); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	r := receive(t, results)
	if r.OK() || r.Image != nil {
		t.Fatal("Expected a capture error")
	}
	if r.Err.Kind != KindFileIO {
		t.Errorf("Expected kind %s, got %s", KindFileIO, r.Err.Kind)
	}
	if r.Err.Message == "" || r.Err.Cause == nil {
		t.Errorf("Expected message and cause, got %+v", r.Err)
	}

	ok := filepath.Join(dir, "2.jpg")
	if err := p.submit(NewCaptureRequest(ok, time.Now())); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if r := receive(t, results); !r.OK() {
		t.Fatalf("Expected the next capture to succeed, got %v", r.Err)
	}

	if stats.capturesFailed.Load() != 1 || stats.capturesSaved.Load() != 1 {
		t.Errorf("unexpected stats: failed=%d saved=%d", stats.capturesFailed.Load(), stats.capturesSaved.Load())
	}
}

func TestCapture_ResultsInSubmissionOrder(t *testing.T) {
	h := newTestHandle(t)
	h.publish(grayFrame(t, 1, 50))
	p, results, _ := newTestCapture(t, DefaultCaptureConfig(), h)

	dir := t.TempDir()
	var ids []string
	for i := 0; i < 20; i++ {
		path := filepath.Join(dir, "img"+string(rune('a'+i))+".jpg")
		if i%5 == 4 {
			path = filepath.Join(dir, "missing", "x.jpg") // 一部は失敗させる
		}
		req := NewCaptureRequest(path, time.Now())
		if err := p.submit(req); err != nil {
			t.Fatalf("submit failed: %v", err)
		}
		ids = append(ids, req.ID)
	}

	for i, id := range ids {
		r := receive(t, results)
		if r.Request.ID != id {
			t.Fatalf("result %d: expected request %s, got %s", i, id, r.Request.ID)
		}
		if (r.Image == nil) == (r.Err == nil) {
			t.Fatalf("result %d must carry exactly one of image or error", i)
		}
		if wantErr := i%5 == 4; wantErr != (r.Err != nil) {
			t.Errorf("result %d: unexpected outcome %+v", i, r.Err)
		}
	}

	select {
	case r := <-results:
		t.Fatalf("unexpected extra result: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCapture_MaxQualityWaitsForFreshFrame(t *testing.T) {
	h := newTestHandle(t)
	h.publish(grayFrame(t, 1, 50))

	cfg := DefaultCaptureConfig()
	cfg.Mode = CaptureMaxQuality
	p, results, _ := newTestCapture(t, cfg, h)

	path := filepath.Join(t.TempDir(), "hq.jpg")
	if err := p.submit(NewCaptureRequest(path, time.Now())); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	select {
	case r := <-results:
		t.Fatalf("capture finished before a fresh frame arrived: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}

	h.publish(grayFrame(t, 2, 200))

	r := receive(t, results)
	if !r.OK() {
		t.Fatalf("Expected success, got %v", r.Err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	img, err := jpeg.Decode(file)
	if err != nil {
		t.Fatalf("saved file is not a JPEG: %v", err)
	}
	lum, _ := meanLuminance(img)
	if lum < 150 {
		t.Errorf("Expected the fresh (bright) frame to be saved, luminance=%v", lum)
	}
}

func TestCapture_Failures(t *testing.T) {
	t.Run("camera closed", func(t *testing.T) {
		h := newTestHandle(t)
		p, results, _ := newTestCapture(t, DefaultCaptureConfig(), h)
		_ = h.close()

		if err := p.submit(NewCaptureRequest(filepath.Join(t.TempDir(), "a.jpg"), time.Now())); err != nil {
			t.Fatalf("submit failed: %v", err)
		}
		r := receive(t, results)
		if r.Err == nil || r.Err.Kind != KindCameraClosed {
			t.Errorf("Expected camera_closed, got %+v", r.Err)
		}
		if !errors.Is(r.Err, ErrCameraClosed) {
			t.Error("Expected the cause to be ErrCameraClosed")
		}
	})

	t.Run("no frame before timeout", func(t *testing.T) {
		h := newTestHandle(t)
		cfg := DefaultCaptureConfig()
		cfg.Timeout = 30 * time.Millisecond
		p, results, _ := newTestCapture(t, cfg, h)

		if err := p.submit(NewCaptureRequest(filepath.Join(t.TempDir(), "a.jpg"), time.Now())); err != nil {
			t.Fatalf("submit failed: %v", err)
		}
		r := receive(t, results)
		if r.Err == nil || r.Err.Kind != KindCaptureFailed {
			t.Errorf("Expected capture_failed, got %+v", r.Err)
		}
	})

	t.Run("not bound", func(t *testing.T) {
		p := newCapturePipeline(DefaultCaptureConfig(), discard[CaptureResult]{}, inlineDispatcher{}, &sessionStats{})
		if err := p.submit(NewCaptureRequest("/tmp/x.jpg", time.Now())); !errors.Is(err, ErrNotActive) {
			t.Errorf("Expected ErrNotActive, got %v", err)
		}
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := CaptureConfig{Mode: CaptureMaxQuality, JPEGQuality: 0}
		p := newCapturePipeline(cfg, discard[CaptureResult]{}, inlineDispatcher{}, &sessionStats{})
		if err := p.bind(&cameraHandle{}, nil); err == nil {
			t.Error("Expected bind to fail for quality 0")
		}
	})
}

func TestDefaultCapturePath(t *testing.T) {
	ts := time.UnixMilli(1700000000123)
	if got := DefaultCapturePath("/media", ts); got != "/media/1700000000123.jpg" {
		t.Errorf("unexpected path: %s", got)
	}
}
