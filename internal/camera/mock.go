package camera

import (
	"errors"
	"sync"
)

// MockPermissions はテスト用の権限コラボレーター
// RequestPermissionsのコールバックはRespondを呼ぶまで保留される
type MockPermissions struct {
	mu        sync.Mutex
	granted   bool
	requests  int
	requested []Permission
	callback  func(map[Permission]bool)
}

// NewMockPermissions は新しいMockPermissionsを作成する
func NewMockPermissions(granted bool) *MockPermissions {
	return &MockPermissions{granted: granted}
}

// CheckGranted は事前に設定された許可状態を返す
func (m *MockPermissions) CheckGranted(_ []Permission) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.granted
}

// RequestPermissions は要求を記録してコールバックを保留する
func (m *MockPermissions) RequestPermissions(perms []Permission, callback func(map[Permission]bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests++
	m.requested = append([]Permission(nil), perms...)
	m.callback = callback
}

// Respond は保留中の要求にユーザーの回答を返す
// 保留中の要求がなければfalseを返す
func (m *MockPermissions) Respond(granted bool) bool {
	m.mu.Lock()
	callback, perms := m.callback, m.requested
	m.callback = nil
	if granted {
		m.granted = true
	}
	m.mu.Unlock()

	if callback == nil {
		return false
	}

	grants := make(map[Permission]bool, len(perms))
	for _, p := range perms {
		grants[p] = granted
	}
	callback(grants)
	return true
}

// RequestCount はRequestPermissionsが呼ばれた回数を返す
func (m *MockPermissions) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

// Requested は最後に要求された権限を返す
func (m *MockPermissions) Requested() []Permission {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Permission(nil), m.requested...)
}

// ErrAlreadyAttached は同じサーフェスを二重にアタッチした
var ErrAlreadyAttached = errors.New("サーフェスは既にアタッチされています")

// MockDisplay はテスト用の表示コラボレーター
// attach/detachの呼び出し順をOpsに記録する
type MockDisplay struct {
	mu       sync.Mutex
	rotation Rotation
	width    int
	height   int
	attached map[Surface]bool
	ops      []string
}

// NewMockDisplay は新しいMockDisplayを作成する
func NewMockDisplay(rotation Rotation, width, height int) *MockDisplay {
	return &MockDisplay{
		rotation: rotation,
		width:    width,
		height:   height,
		attached: make(map[Surface]bool),
	}
}

func (d *MockDisplay) Attach(s Surface) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.ops = append(d.ops, "attach")
	if d.attached[s] {
		return ErrAlreadyAttached
	}
	d.attached[s] = true
	return nil
}

func (d *MockDisplay) Detach(s Surface) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.ops = append(d.ops, "detach")
	delete(d.attached, s)
	return nil
}

func (d *MockDisplay) CurrentRotation() Rotation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rotation
}

func (d *MockDisplay) Width() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.width
}

func (d *MockDisplay) Height() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.height
}

// SetLayout は回転とサイズを変更する
func (d *MockDisplay) SetLayout(rotation Rotation, width, height int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rotation, d.width, d.height = rotation, width, height
}

// IsAttached はサーフェスがアタッチ中かを返す
func (d *MockDisplay) IsAttached(s Surface) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attached[s]
}

// Ops は記録された操作のコピーを返す
func (d *MockDisplay) Ops() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.ops...)
}

// MockSurface はテスト用のサーフェス
type MockSurface struct {
	mu         sync.Mutex
	buffer     *FrameBuffer
	transform  Transform
	buffers    int
	transforms int
}

// NewMockSurface は新しいMockSurfaceを作成する
func NewMockSurface() *MockSurface {
	return &MockSurface{transform: Identity()}
}

func (s *MockSurface) SetBuffer(buf *FrameBuffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer = buf
	if buf != nil {
		s.buffers++
	}
}

func (s *MockSurface) SetTransform(t Transform) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transform = t
	s.transforms++
}

// Buffer は現在のバッファを返す
func (s *MockSurface) Buffer() *FrameBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer
}

// Transform は現在の変換を返す
func (s *MockSurface) Transform() Transform {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transform
}

// BufferCount はnil以外のバッファが割り当てられた回数を返す
func (s *MockSurface) BufferCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffers
}

// TransformCount は変換が適用された回数を返す
func (s *MockSurface) TransformCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transforms
}
