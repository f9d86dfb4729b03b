package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"labellens/internal/log"
)

// ErrManagerNotStarted はStart前に操作した
var ErrManagerNotStarted = errors.New("セッションマネージャーが開始されていません")

// Manager は画面に対応するセッションを1つだけ保持する
// Openは既存のセッションを再利用せず、終了を待ってから作り直す
type Manager struct {
	factory   *DeviceFactory
	source    SourceType
	sourceCfg SourceConfig
	template  Options // Device以外の構成

	mu      sync.RWMutex
	base    context.Context // 各セッションのライフサイクルの親
	current *Session
	opened  int
}

// NewManager は新しいManagerを作成する
func NewManager(factory *DeviceFactory, source SourceType, sourceCfg SourceConfig, template Options) *Manager {
	return &Manager{
		factory:   factory,
		source:    source,
		sourceCfg: sourceCfg,
		template:  template,
	}
}

// Start はセッションの親ライフサイクルを設定する
// ctxがキャンセルされると全てのセッションが終了する
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.base != nil {
		return errors.New("セッションマネージャーは既に開始されています")
	}
	m.base = ctx
	return nil
}

// Open は現在のセッションを終了させてから新しいセッションを作成する
func (m *Manager) Open(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.base == nil {
		return nil, ErrManagerNotStarted
	}

	if m.current != nil {
		if err := endAndWait(ctx, m.current); err != nil {
			return nil, err
		}
		m.current = nil
	}

	device, err := m.factory.Create(ctx, m.source, m.sourceCfg)
	if err != nil {
		return nil, fmt.Errorf("カメラデバイスの作成に失敗: %w", err)
	}

	opts := m.template
	opts.Device = device

	s, err := NewSession(m.base, opts)
	if err != nil {
		return nil, fmt.Errorf("セッションの作成に失敗: %w", err)
	}

	m.current = s
	m.opened++
	log.Info("セッションを開きました", "session", s.ID(), "source", m.source, "device", device.Info().Device)
	return s, nil
}

// Current は現在のセッションを返す
func (m *Manager) Current() (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.current == nil {
		return nil, false
	}
	return m.current, true
}

// End は現在のセッションを終了させ、終了処理の完了を待つ
func (m *Manager) End(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return nil
	}
	if err := endAndWait(ctx, m.current); err != nil {
		return err
	}
	m.current = nil
	return nil
}

// Stop は現在のセッションを終了させる
func (m *Manager) Stop(ctx context.Context) error {
	return m.End(ctx)
}

// Opened はこれまでに作成したセッション数を返す
func (m *Manager) Opened() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.opened
}

func endAndWait(ctx context.Context, s *Session) error {
	s.Close()
	select {
	case <-s.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("セッション %s の終了待ちが中断されました: %w", s.ID(), ctx.Err())
	}
}
