package camera

import (
	"context"
	"testing"
	"time"
)

func flushUI(t *testing.T, ui *SerialExecutor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ui.Flush(ctx); err != nil {
		t.Fatalf("UI flush failed: %v", err)
	}
}

func newTestLooper(t *testing.T) *SerialExecutor {
	t.Helper()
	ui := NewLooper()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ui.Shutdown(ctx)
	})
	return ui
}

func TestPreview_SwapDetachesBeforeAttach(t *testing.T) {
	ui := newTestLooper(t)
	display := NewMockDisplay(Rotation90, 640, 480)
	surface := NewMockSurface()
	p := newPreviewPipeline(DefaultPreviewConfig(), display, surface, ui)

	if p.State() != PreviewUnbound {
		t.Fatalf("Expected unbound, got %s", p.State())
	}
	if err := p.bind(&cameraHandle{}, nil); err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	if p.State() != PreviewBound {
		t.Fatalf("Expected bound, got %s", p.State())
	}

	f1 := testFrame(1)
	p.deliver(f1)
	if p.State() != PreviewStreaming {
		t.Fatalf("Expected streaming after first frame, got %s", p.State())
	}
	flushUI(t, ui)

	f2 := testFrame(2)
	p.deliver(f2)
	flushUI(t, ui)

	want := []string{"detach", "attach", "detach", "attach"}
	ops := display.Ops()
	if len(ops) != len(want) {
		t.Fatalf("Expected ops %v, got %v", want, ops)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Fatalf("Expected ops %v, got %v", want, ops)
		}
	}

	if surface.Buffer() != f2 {
		t.Error("Expected surface to hold the latest buffer")
	}
	if !display.IsAttached(surface) {
		t.Error("Expected surface to be attached")
	}

	expected, _ := ComputeTransform(Rotation90, 640, 480)
	if surface.Transform() != expected || p.Transform() != expected {
		t.Errorf("Expected transform %v, got %v", expected, surface.Transform())
	}
	if p.Swaps() != 2 {
		t.Errorf("Expected 2 swaps, got %d", p.Swaps())
	}
}

func TestPreview_CoalescesPendingBuffers(t *testing.T) {
	ui := newTestLooper(t)
	display := NewMockDisplay(Rotation0, 320, 240)
	surface := NewMockSurface()
	p := newPreviewPipeline(DefaultPreviewConfig(), display, surface, ui)
	if err := p.bind(&cameraHandle{}, nil); err != nil {
		t.Fatalf("bind failed: %v", err)
	}

	// UIスレッドを止めている間に届いたバッファは最新だけが使われる
	block := make(chan struct{})
	ui.Post(func() { <-block })

	f3 := testFrame(3)
	p.deliver(testFrame(1))
	p.deliver(testFrame(2))
	p.deliver(f3)
	close(block)
	flushUI(t, ui)

	if p.Swaps() != 1 {
		t.Errorf("Expected 1 swap, got %d", p.Swaps())
	}
	if surface.Buffer() != f3 {
		t.Error("Expected the newest buffer to win")
	}
}

func TestPreview_LayoutChange(t *testing.T) {
	ui := newTestLooper(t)
	display := NewMockDisplay(Rotation0, 640, 480)
	surface := NewMockSurface()
	p := newPreviewPipeline(DefaultPreviewConfig(), display, surface, ui)
	if err := p.bind(&cameraHandle{}, nil); err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	p.deliver(testFrame(1))
	flushUI(t, ui)

	before := p.Transform()

	// 未対応の回転では変換を変えない
	display.SetLayout(Rotation(45), 640, 480)
	p.onLayoutChange()
	flushUI(t, ui)
	if p.Transform() != before {
		t.Errorf("Expected transform to stay %v, got %v", before, p.Transform())
	}

	display.SetLayout(Rotation180, 480, 640)
	p.onLayoutChange()
	flushUI(t, ui)

	expected, _ := ComputeTransform(Rotation180, 480, 640)
	if p.Transform() != expected {
		t.Errorf("Expected %v, got %v", expected, p.Transform())
	}
	if surface.Transform() != expected {
		t.Errorf("Expected surface transform %v, got %v", expected, surface.Transform())
	}
}

func TestPreview_UnbindReleasesSurface(t *testing.T) {
	ui := newTestLooper(t)
	display := NewMockDisplay(Rotation0, 640, 480)
	surface := NewMockSurface()
	p := newPreviewPipeline(DefaultPreviewConfig(), display, surface, ui)
	if err := p.bind(&cameraHandle{}, nil); err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	p.deliver(testFrame(1))
	flushUI(t, ui)

	p.unbind()
	flushUI(t, ui)

	if p.State() != PreviewUnbound {
		t.Errorf("Expected unbound, got %s", p.State())
	}
	if display.IsAttached(surface) {
		t.Error("Expected surface to be detached")
	}
	if surface.Buffer() != nil {
		t.Error("Expected surface buffer to be released")
	}

	// 解放後のフレームは無視される
	p.deliver(testFrame(2))
	flushUI(t, ui)
	if surface.Buffer() != nil || p.State() != PreviewUnbound {
		t.Error("Expected frames after unbind to be ignored")
	}
}

func TestPreview_BindRejectsUnsupportedResolution(t *testing.T) {
	cfg := PreviewConfig{TargetResolution: Resolution{Width: 1920, Height: 1080}}
	p := newPreviewPipeline(cfg, NewMockDisplay(Rotation0, 640, 480), NewMockSurface(), inlineDispatcher{})

	h := &cameraHandle{info: DeviceInfo{Name: "vga", Resolutions: []Resolution{{Width: 640, Height: 480}}}}
	if err := p.bind(h, nil); err == nil {
		t.Fatal("Expected bind to fail")
	}
	if p.State() != PreviewUnbound {
		t.Errorf("Expected unbound after failed bind, got %s", p.State())
	}
}
