package camera

import (
	"context"
	"testing"
)

func TestDeviceFactory(t *testing.T) {
	ctx := context.Background()
	factory := NewDeviceFactory(NewMockDiscovery([]string{"/dev/video0", "/dev/video2"}))

	types := factory.SupportedTypes()
	if len(types) != 3 || types[0] != SourceSynthetic || types[1] != SourceV4L2 || types[2] != SourceX11 {
		t.Fatalf("unexpected supported types: %v", types)
	}

	t.Run("v4l2 default device", func(t *testing.T) {
		dev, err := factory.Create(ctx, SourceV4L2, SourceConfig{})
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if got := dev.Info().Device; got != "/dev/video0" {
			t.Errorf("Expected /dev/video0, got %s", got)
		}
	})

	t.Run("v4l2 explicit device", func(t *testing.T) {
		dev, err := factory.Create(ctx, SourceV4L2, SourceConfig{Device: "/dev/video2", Name: "書画カメラ"})
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if dev.Info().Device != "/dev/video2" || dev.Info().Name != "書画カメラ" {
			t.Errorf("unexpected info: %+v", dev.Info())
		}
	})

	t.Run("v4l2 unknown device", func(t *testing.T) {
		if _, err := factory.Create(ctx, SourceV4L2, SourceConfig{Device: "/dev/video9"}); err == nil {
			t.Error("Expected error for unknown device")
		}
	})

	t.Run("synthetic", func(t *testing.T) {
		dev, err := factory.Create(ctx, SourceSynthetic, SourceConfig{Resolutions: []Resolution{{Width: 320, Height: 240}}})
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if dev.Info().Driver != "synthetic" {
			t.Errorf("Expected synthetic driver, got %s", dev.Info().Driver)
		}
		if dev.Info().Supports(Resolution{Width: 640, Height: 480}) {
			t.Error("Expected 640x480 to be unsupported")
		}
	})

	t.Run("unsupported", func(t *testing.T) {
		if _, err := factory.Create(ctx, SourceType("ipcam"), SourceConfig{}); err == nil {
			t.Error("Expected error for unsupported type")
		}
	})
}
