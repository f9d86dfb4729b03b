package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"
)

// SyntheticDevice はテストパターンを生成する仮想カメラ
// FPSが0の場合は自動生成せず、Emitで1フレームずつ送る
type SyntheticDevice struct {
	info    DeviceInfo
	quality int

	mu      sync.Mutex
	running bool
	cfg     StreamConfig
	seq     uint64
	frames  chan *FrameBuffer
	stopCh  chan struct{}
	wg      sync.WaitGroup
	opened  int
}

// NewSyntheticDevice は新しいSyntheticDeviceを作成する
func NewSyntheticDevice(name string, resolutions ...Resolution) *SyntheticDevice {
	return &SyntheticDevice{
		info: DeviceInfo{
			Device:      "synthetic://" + name,
			Name:        name,
			Driver:      "synthetic",
			Resolutions: resolutions,
		},
		quality: 80,
	}
}

// Info はデバイス情報を返す
func (d *SyntheticDevice) Info() DeviceInfo {
	return d.info
}

// Open はテストパターンの生成を開始する
func (d *SyntheticDevice) Open(ctx context.Context, cfg StreamConfig) (<-chan *FrameBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return nil, fmt.Errorf("デバイス %s は既にオープンされています", d.info.Device)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("無効な解像度: %dx%d", cfg.Width, cfg.Height)
	}

	d.running = true
	d.cfg = cfg
	d.frames = make(chan *FrameBuffer, 1)
	d.stopCh = make(chan struct{})
	d.opened++

	if cfg.FPS > 0 {
		d.wg.Add(1)
		go d.generate(ctx, d.frames, d.stopCh, time.Second/time.Duration(cfg.FPS))
	}

	return d.frames, nil
}

// Close は生成を停止してチャンネルをクローズする
func (d *SyntheticDevice) Close() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	close(d.stopCh)
	d.mu.Unlock()

	d.wg.Wait()

	d.mu.Lock()
	close(d.frames)
	d.mu.Unlock()
	return nil
}

// IsOpen はデバイスがオープン中かを返す
func (d *SyntheticDevice) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// OpenCount はOpenが成功した回数を返す
func (d *SyntheticDevice) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened
}

// Emit は1フレームを生成して送る（チャンネルに空きが出るまでブロックする）
func (d *SyntheticDevice) Emit(ctx context.Context) (*FrameBuffer, error) {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil, errors.New("デバイスはオープンされていません")
	}
	frames, stopCh := d.frames, d.stopCh
	d.wg.Add(1)
	d.mu.Unlock()
	defer d.wg.Done()

	f, err := d.next()
	if err != nil {
		return nil, err
	}

	select {
	case frames <- f:
		return f, nil
	case <-stopCh:
		return nil, errors.New("デバイスはクローズされました")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// next は連番を進めて次のテストパターンを作る
func (d *SyntheticDevice) next() (*FrameBuffer, error) {
	d.mu.Lock()
	d.seq++
	seq := d.seq
	w, h := d.cfg.Width, d.cfg.Height
	d.mu.Unlock()

	return EncodeFrameBuffer(seq, time.Now(), testPattern(w, h, seq), d.quality)
}

// generate は一定間隔でフレームを生成する
// 受信側が遅い場合は古いフレームを捨てて最新を送る
func (d *SyntheticDevice) generate(ctx context.Context, frames chan *FrameBuffer, stopCh chan struct{}, interval time.Duration) {
	defer d.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			f, err := d.next()
			if err != nil {
				continue
			}

			select {
			case frames <- f:
			default:
				select {
				case <-frames:
				default:
				}
				select {
				case frames <- f:
				case <-stopCh:
					return
				}
			}
		}
	}
}

// testPattern は連番に応じて明るさが変わる縦グラデーションを作る
func testPattern(width, height int, seq uint64) *image.YCbCr {
	img := image.NewYCbCr(image.Rect(0, 0, width, height), image.YCbCrSubsampleRatio420)

	offset := int(seq*8) % 256
	for y := 0; y < height; y++ {
		v := uint8((y*255/max(height-1, 1) + offset) % 256)
		row := img.Y[y*img.YStride : y*img.YStride+width]
		for x := range row {
			row[x] = v
		}
	}
	for i := range img.Cb {
		img.Cb[i] = 128
	}
	for i := range img.Cr {
		img.Cr[i] = 128
	}
	return img
}
