package camera

import (
	"context"
	"fmt"
	"sort"
)

// SourceType はカメラデバイスの種類
type SourceType string

const (
	SourceV4L2      SourceType = "v4l2"      // USBカメラ（ffmpeg経由）
	SourceSynthetic SourceType = "synthetic" // テストパターン
	SourceX11       SourceType = "x11"       // 画面キャプチャ
)

// SourceConfig はデバイス作成設定
type SourceConfig struct {
	Device      string       // デバイスパスまたはX11ディスプレイ（v4l2で空なら最初に見つかったデバイス）
	Name        string       // 表示名
	Resolutions []Resolution // syntheticで受け付ける解像度（空なら制限なし）
}

// DeviceCreator はデバイス作成関数の型
type DeviceCreator func(ctx context.Context, cfg SourceConfig) (Device, error)

// DeviceFactory はソースタイプからDeviceを作成する
type DeviceFactory struct {
	creators map[SourceType]DeviceCreator
}

// NewDeviceFactory はv4l2・synthetic・x11を登録したファクトリーを作成する
func NewDeviceFactory(discovery Discovery) *DeviceFactory {
	f := &DeviceFactory{creators: make(map[SourceType]DeviceCreator)}

	f.Register(SourceV4L2, func(ctx context.Context, cfg SourceConfig) (Device, error) {
		return newV4L2DeviceFromConfig(ctx, discovery, cfg)
	})
	f.Register(SourceSynthetic, func(_ context.Context, cfg SourceConfig) (Device, error) {
		name := cfg.Name
		if name == "" {
			name = "テストパターン"
		}
		return NewSyntheticDevice(name, cfg.Resolutions...), nil
	})
	f.Register(SourceX11, func(ctx context.Context, cfg SourceConfig) (Device, error) {
		display := cfg.Device
		if display == "" {
			display = ":0.0"
		}
		if !X11Available(ctx, display) {
			return nil, fmt.Errorf("X11ディスプレイ %s に接続できません", display)
		}
		return NewX11ScreenDevice(display), nil
	})

	return f
}

// Register はデバイス作成関数を登録する
func (f *DeviceFactory) Register(sourceType SourceType, creator DeviceCreator) {
	f.creators[sourceType] = creator
}

// Create はデバイスを作成する
func (f *DeviceFactory) Create(ctx context.Context, sourceType SourceType, cfg SourceConfig) (Device, error) {
	creator, ok := f.creators[sourceType]
	if !ok {
		return nil, fmt.Errorf("サポートされていないソースタイプ: %s", sourceType)
	}
	return creator(ctx, cfg)
}

// SupportedTypes は登録済みのソースタイプを名前順で返す
func (f *DeviceFactory) SupportedTypes() []SourceType {
	types := make([]SourceType, 0, len(f.creators))
	for t := range f.creators {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

func newV4L2DeviceFromConfig(ctx context.Context, discovery Discovery, cfg SourceConfig) (Device, error) {
	if cfg.Device == "" {
		info, err := FirstDevice(ctx, discovery)
		if err != nil {
			return nil, fmt.Errorf("カメラの検出に失敗: %w", err)
		}
		return NewV4L2Device(*info), nil
	}

	info, err := discovery.GetDeviceInfo(ctx, cfg.Device)
	if err != nil {
		return nil, err
	}
	if cfg.Name != "" {
		info.Name = cfg.Name
	}
	return NewV4L2Device(*info), nil
}
