package display

import (
	"errors"
	"fmt"
	"sync"

	"labellens/internal/camera"
)

var (
	// ErrDuplicate は同じサーフェスが既にアタッチされている
	ErrDuplicate = errors.New("サーフェスは既にアタッチされています")

	// ErrInvalidLayout はレイアウトの値が不正
	ErrInvalidLayout = errors.New("無効なレイアウトです")
)

// Layout はコンテナの回転とサイズ
type Layout struct {
	Rotation camera.Rotation `json:"rotation"`
	Width    int             `json:"width"`
	Height   int             `json:"height"`
}

// Container はサーフェスを保持するビューの入れ物
// camera.Displayを実装する
type Container struct {
	mu       sync.RWMutex
	layout   Layout
	attached []camera.Surface
}

// NewContainer は新しいContainerを作成する
func NewContainer(layout Layout) *Container {
	return &Container{layout: layout}
}

// Attach はサーフェスを子として追加する
func (c *Container) Attach(s camera.Surface) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.indexOf(s) >= 0 {
		return ErrDuplicate
	}
	c.attached = append(c.attached, s)
	return nil
}

// Detach はサーフェスを外す。アタッチされていなければ何もしない
func (c *Container) Detach(s camera.Surface) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i := c.indexOf(s); i >= 0 {
		c.attached = append(c.attached[:i], c.attached[i+1:]...)
	}
	return nil
}

func (c *Container) indexOf(s camera.Surface) int {
	for i, a := range c.attached {
		if a == s {
			return i
		}
	}
	return -1
}

// IsAttached はサーフェスがアタッチされているかを返す
func (c *Container) IsAttached(s camera.Surface) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.indexOf(s) >= 0
}

// CurrentRotation は現在の回転角を返す
func (c *Container) CurrentRotation() camera.Rotation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.layout.Rotation
}

// Width はビューの幅を返す
func (c *Container) Width() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.layout.Width
}

// Height はビューの高さを返す
func (c *Container) Height() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.layout.Height
}

// Layout は現在のレイアウトを返す
func (c *Container) Layout() Layout {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.layout
}

// SetLayout はレイアウトを更新する
// 回転角は変換を計算できる値のみ受け付ける
func (c *Container) SetLayout(l Layout) error {
	if l.Width <= 0 || l.Height <= 0 {
		return fmt.Errorf("%w: サイズ %dx%d", ErrInvalidLayout, l.Width, l.Height)
	}
	if _, ok := camera.ComputeTransform(l.Rotation, float64(l.Width), float64(l.Height)); !ok {
		return fmt.Errorf("%w: 回転角 %d", ErrInvalidLayout, l.Rotation)
	}

	c.mu.Lock()
	c.layout = l
	c.mu.Unlock()
	return nil
}
