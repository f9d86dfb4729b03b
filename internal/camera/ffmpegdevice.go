package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"labellens/internal/log"
)

var (
	jpegStart = []byte{0xFF, 0xD8}
	jpegEnd   = []byte{0xFF, 0xD9}
)

// FFmpegDevice はffmpegのMJPEG出力（image2pipe）からフレームを読み取る
// 入力はV4L2デバイスかX11画面
type FFmpegDevice struct {
	info  DeviceInfo
	input func(cfg StreamConfig, fps int) []string // -i までの入力引数

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	cmd     *exec.Cmd
	wg      sync.WaitGroup
}

// NewV4L2Device はV4L2デバイスを入力とするFFmpegDeviceを作成する
func NewV4L2Device(info DeviceInfo) *FFmpegDevice {
	return &FFmpegDevice{
		info: info,
		input: func(cfg StreamConfig, fps int) []string {
			return []string{
				"-f", "v4l2",
				"-video_size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
				"-framerate", strconv.Itoa(fps),
				"-i", info.Device,
			}
		},
	}
}

// NewX11ScreenDevice はX11画面（例: ":0.0"）を入力とするFFmpegDeviceを作成する
func NewX11ScreenDevice(display string) *FFmpegDevice {
	return &FFmpegDevice{
		info: DeviceInfo{
			Device: display,
			Name:   fmt.Sprintf("画面キャプチャ (%s)", display),
			Driver: "x11grab",
		},
		input: func(cfg StreamConfig, fps int) []string {
			return []string{
				"-f", "x11grab",
				"-video_size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
				"-r", strconv.Itoa(fps),
				"-i", display,
				"-vf", "format=yuv420p",
			}
		},
	}
}

// X11Available はxdpyinfoでX11ディスプレイに接続できるかを返す
func X11Available(ctx context.Context, display string) bool {
	return exec.CommandContext(ctx, "xdpyinfo", "-display", display).Run() == nil
}

// Info はデバイス情報を返す
func (d *FFmpegDevice) Info() DeviceInfo {
	return d.info
}

// Open はffmpegを起動してフレームの読み取りを開始する
func (d *FFmpegDevice) Open(ctx context.Context, cfg StreamConfig) (<-chan *FrameBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return nil, fmt.Errorf("デバイス %s は既にオープンされています", d.info.Device)
	}

	fps := cfg.FPS
	if fps <= 0 {
		fps = 15
	}

	args := append(d.input(cfg, fps), "-f", "image2pipe", "-c:v", "mjpeg", "-q:v", "3", "-")

	streamCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(streamCtx, "ffmpeg", args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdoutパイプの作成に失敗: %w", err)
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpegの起動に失敗: %w", err)
	}

	frames := make(chan *FrameBuffer, 1)
	d.running = true
	d.cancel = cancel
	d.cmd = cmd

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(frames)

		d.readFrames(streamCtx, stdout, frames, cfg)

		// コンテキストキャンセル時のエラーは無視する
		if err := cmd.Wait(); err != nil && streamCtx.Err() == nil {
			log.Warn("ffmpegが終了しました", "device", d.info.Device, "error", err, "stderr", stderr.String())
		}
	}()

	return frames, nil
}

// Close はffmpegを停止して読み取りゴルーチンの終了を待つ
func (d *FFmpegDevice) Close() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()

	d.wg.Wait()
	return nil
}

// readFrames はパイプからJPEGを切り出してフレームとして送る
func (d *FFmpegDevice) readFrames(ctx context.Context, r io.Reader, frames chan *FrameBuffer, cfg StreamConfig) {
	buf := make([]byte, 64*1024)
	var pending []byte
	var seq uint64

	for {
		n, err := r.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)

			var chunks [][]byte
			chunks, pending = splitJPEGFrames(pending)
			for _, data := range chunks {
				seq++
				sendLatest(ctx, frames, NewFrameBuffer(seq, time.Now(), data, cfg.Width, cfg.Height))
			}
		}

		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Warn("フレーム読み取りエラー", "device", d.info.Device, "error", err)
			}
			return
		}
	}
}

// sendLatest はチャンネルが詰まっていれば古いフレームを捨てて送る
func sendLatest(ctx context.Context, frames chan *FrameBuffer, f *FrameBuffer) {
	select {
	case frames <- f:
		return
	default:
	}

	select {
	case <-frames:
	default:
	}

	select {
	case frames <- f:
	case <-ctx.Done():
	}
}

// splitJPEGFrames はバッファから完全なJPEGを切り出し、残りを返す
// 開始マーカーより前のゴミは捨てる
func splitJPEGFrames(data []byte) ([][]byte, []byte) {
	var frames [][]byte

	for {
		start := bytes.Index(data, jpegStart)
		if start == -1 {
			// 末尾の0xFFは次の読み取りで開始マーカーになり得る
			if len(data) > 0 && data[len(data)-1] == 0xFF {
				return frames, data[len(data)-1:]
			}
			return frames, nil
		}

		end := bytes.Index(data[start+len(jpegStart):], jpegEnd)
		if end == -1 {
			return frames, data[start:]
		}
		end += start + len(jpegStart) + len(jpegEnd)

		frame := make([]byte, end-start)
		copy(frame, data[start:end])
		frames = append(frames, frame)

		data = data[end:]
	}
}
