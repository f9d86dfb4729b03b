package camera

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"time"
)

// FrameBuffer はカメラが生成した1フレーム
// 表示・解析の呼び出し中だけ借用され、フレームをまたいで保持されない
type FrameBuffer struct {
	Seq       uint64    // デバイス内の連番（1始まり）
	Timestamp time.Time // 生成時刻
	Width     int
	Height    int
	Data      []byte // JPEGデータ

	once sync.Once
	img  image.Image
	err  error
}

// NewFrameBuffer はJPEGデータからFrameBufferを作成する
func NewFrameBuffer(seq uint64, ts time.Time, data []byte, width, height int) *FrameBuffer {
	return &FrameBuffer{
		Seq:       seq,
		Timestamp: ts,
		Width:     width,
		Height:    height,
		Data:      data,
	}
}

// EncodeFrameBuffer は画像をJPEGにエンコードしてFrameBufferを作成する
// デコード済み画像も保持するため、解析時の再デコードは発生しない
func EncodeFrameBuffer(seq uint64, ts time.Time, img image.Image, quality int) (*FrameBuffer, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("JPEGエンコードに失敗: %w", err)
	}

	b := img.Bounds()
	f := NewFrameBuffer(seq, ts, buf.Bytes(), b.Dx(), b.Dy())
	f.once.Do(func() { f.img = img })
	return f, nil
}

// Image はデコード済みの画像を返す（初回のみデコードする）
func (f *FrameBuffer) Image() (image.Image, error) {
	f.once.Do(func() {
		f.img, f.err = jpeg.Decode(bytes.NewReader(f.Data))
		if f.err != nil {
			f.err = fmt.Errorf("フレーム %d のデコードに失敗: %w", f.Seq, f.err)
		}
	})
	return f.img, f.err
}
