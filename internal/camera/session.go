package camera

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"labellens/internal/log"
)

const defaultDrainTimeout = 10 * time.Second

// Options はセッションの構成
type Options struct {
	Device      Device
	Permissions Permissions
	Display     Display
	Surface     Surface
	UI          Dispatcher

	Analyzer     Analyzer             // 省略時はLuminosityAnalyzer
	CaptureSink  Sink[CaptureResult]  // 省略時は破棄
	AnalysisSink Sink[AnalysisResult] // 省略時は破棄
	Notices      Sink[Notice]         // 省略時は破棄

	Preview  PreviewConfig
	Capture  CaptureConfig
	Analysis AnalysisConfig

	FPS          int           // 0ならデバイスの既定値
	DrainTimeout time.Duration // 終了時に撮影キューの完了を待つ上限
}

func (o *Options) validate() error {
	switch {
	case o.Device == nil:
		return errors.New("カメラデバイスが指定されていません")
	case o.Permissions == nil:
		return errors.New("権限コラボレーターが指定されていません")
	case o.Display == nil || o.Surface == nil:
		return errors.New("表示先が指定されていません")
	case o.UI == nil:
		return errors.New("UIディスパッチャーが指定されていません")
	}
	return nil
}

func (o *Options) setDefaults() {
	if o.Analyzer == nil {
		o.Analyzer = LuminosityAnalyzer{}
	}
	if o.CaptureSink == nil {
		o.CaptureSink = discard[CaptureResult]{}
	}
	if o.AnalysisSink == nil {
		o.AnalysisSink = discard[AnalysisResult]{}
	}
	if o.Notices == nil {
		o.Notices = discard[Notice]{}
	}
	if o.Preview == (PreviewConfig{}) {
		o.Preview = DefaultPreviewConfig()
	}
	if o.Capture == (CaptureConfig{}) {
		o.Capture = DefaultCaptureConfig()
	}
	if o.Analysis == (AnalysisConfig{}) {
		o.Analysis = DefaultAnalysisConfig()
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = defaultDrainTimeout
	}
}

// sessionStats はパイプラインが更新するカウンター
type sessionStats struct {
	framesDelivered atomic.Uint64
	framesAnalyzed  atomic.Uint64
	framesDropped   atomic.Uint64
	analysisErrors  atomic.Uint64
	capturesSaved   atomic.Uint64
	capturesFailed  atomic.Uint64
	bindAttempts    atomic.Uint64
}

// Stats はセッションの統計情報
type Stats struct {
	FramesDelivered uint64 `json:"frames_delivered"`
	FramesAnalyzed  uint64 `json:"frames_analyzed"`
	FramesDropped   uint64 `json:"frames_dropped"`
	AnalysisErrors  uint64 `json:"analysis_errors"`
	CapturesSaved   uint64 `json:"captures_saved"`
	CapturesFailed  uint64 `json:"captures_failed"`
	BindAttempts    uint64 `json:"bind_attempts"`
	PreviewSwaps    uint64 `json:"preview_swaps"`
}

// useCase はセッションのハンドルにバインドされるパイプライン
type useCase interface {
	name() string
	bind(h *cameraHandle, executor *SerialExecutor) error
	unbind()
}

// Session はプレビュー・撮影・解析の3つのユースケースを1つのカメラに束ねる
// ライフサイクル（ctx）が終わると全てのリソースを解放する
type Session struct {
	id     string
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc
	stats  sessionStats

	preview  *previewPipeline
	capture  *capturePipeline
	analysis *analysisUseCase

	mu         sync.Mutex
	state      SessionState
	permission PermissionState

	// startMuはバインドと終了処理を直列化する
	startMu  sync.Mutex
	handle   *cameraHandle
	executor *SerialExecutor
	pumpDone chan struct{}

	done chan struct{}
}

// NewSession は新しいセッションを作成する
// lifecycleがキャンセルされるとセッションは終了する
func NewSession(lifecycle context.Context, opts Options) (*Session, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts.setDefaults()

	ctx, cancel := context.WithCancel(lifecycle)
	s := &Session{
		id:         uuid.NewString(),
		opts:       opts,
		ctx:        ctx,
		cancel:     cancel,
		state:      StateAwaitingPermission,
		permission: PermissionUnrequested,
		done:       make(chan struct{}),
	}
	s.preview = newPreviewPipeline(opts.Preview, opts.Display, opts.Surface, opts.UI)
	s.capture = newCapturePipeline(opts.Capture, opts.CaptureSink, opts.UI, &s.stats)
	s.analysis = newAnalysisUseCase(opts.Analysis, opts.Analyzer, opts.AnalysisSink, opts.UI, &s.stats)

	go s.watchLifecycle()

	log.Debug("セッションを作成", "session", s.id, "device", opts.Device.Info().Device)
	return s, nil
}

// ID はセッションIDを返す
func (s *Session) ID() string {
	return s.id
}

// OnViewReady は表示の準備ができたときに呼ぶ
// 権限があればUIコンテキストでカメラを開始し、なければ権限を要求する
func (s *Session) OnViewReady() {
	s.mu.Lock()
	if s.state != StateAwaitingPermission || s.permission == PermissionDenied {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if s.opts.Permissions.CheckGranted(requiredPermissions) {
		s.mu.Lock()
		if s.permission == PermissionUnrequested {
			s.permission = PermissionGranted
		}
		s.mu.Unlock()

		s.postStart()
		return
	}

	log.Debug("カメラ権限を要求", "session", s.id)
	s.opts.Permissions.RequestPermissions(requiredPermissions, s.OnPermissionResult)
}

// OnPermissionResult は権限ダイアログの結果を受け取る
// 一度決まった権限状態は変わらない
func (s *Session) OnPermissionResult(grants map[Permission]bool) {
	granted := true
	for _, p := range requiredPermissions {
		if !grants[p] {
			granted = false
			break
		}
	}

	s.mu.Lock()
	if s.permission != PermissionUnrequested {
		s.mu.Unlock()
		log.Debug("権限の結果を無視", "session", s.id, "permission", s.permission)
		return
	}
	ended := s.state == StateTornDown
	if granted {
		s.permission = PermissionGranted
	} else {
		s.permission = PermissionDenied
	}
	s.mu.Unlock()

	if !granted {
		log.Warn("カメラ権限が拒否されました", "session", s.id)
		s.notify(NoticePermission, "権限がユーザーによって許可されませんでした")
		return
	}
	if ended {
		log.Debug("終了済みのセッションへの権限許可", "session", s.id)
		return
	}

	s.postStart()
}

// postStart はUIコンテキストでカメラを開始する
func (s *Session) postStart() {
	if !s.opts.UI.Post(s.startFromUI) {
		log.Warn("カメラの開始要求を配送できませんでした", "session", s.id)
	}
}

func (s *Session) startFromUI() {
	err := s.StartCamera()
	switch {
	case err == nil:
	case errors.Is(err, ErrSessionEnded):
		// 開始を待つ間にライフサイクルが終わった
		log.Debug("終了済みのセッションは開始しません", "session", s.id)
	default:
		log.Error("カメラの開始に失敗", "session", s.id, "error", err)
		s.notify(NoticeError, "カメラを開始できませんでした")
	}
}

// StartCamera は3つのユースケースをまとめてバインドする
// Starting/Active中の呼び出しは何もしない
func (s *Session) StartCamera() error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.Lock()
	switch {
	case s.state == StateStarting || s.state == StateActive:
		s.mu.Unlock()
		return nil
	case s.state == StateTornDown:
		s.mu.Unlock()
		return &BindingError{UseCase: "lifecycle", Err: ErrSessionEnded}
	case s.permission != PermissionGranted:
		s.mu.Unlock()
		return ErrPermissionDenied
	}
	s.state = StateStarting
	s.mu.Unlock()

	s.stats.bindAttempts.Add(1)

	if err := s.bindToLifecycle(); err != nil {
		s.setState(StateAwaitingPermission)
		return err
	}

	s.setState(StateActive)
	log.Info("カメラを開始しました", "session", s.id, "device", s.handle.info.Device)
	return nil
}

// bindToLifecycle はカメラを開いて全ユースケースをバインドする
// 途中で失敗した場合はバインド済みのものを全て戻す
func (s *Session) bindToLifecycle() error {
	if s.ctx.Err() != nil {
		return &BindingError{UseCase: "lifecycle", Err: ErrSessionEnded}
	}

	res := s.opts.Preview.TargetResolution
	cfg := StreamConfig{Width: res.Width, Height: res.Height, FPS: s.opts.FPS}

	// デバイスはライフサイクル終了ではなく終了処理のcloseで止める
	handle, err := openHandle(context.WithoutCancel(s.ctx), s.opts.Device, cfg)
	if err != nil {
		return &BindingError{UseCase: "camera", Err: err}
	}
	executor := NewSerialExecutor("camera-" + s.id[:8])

	useCases := []useCase{s.preview, s.capture, s.analysis}
	for i, uc := range useCases {
		if err := uc.bind(handle, executor); err != nil {
			for j := i - 1; j >= 0; j-- {
				useCases[j].unbind()
			}
			s.release(executor, handle)
			return &BindingError{UseCase: uc.name(), Err: err}
		}
	}

	s.handle = handle
	s.executor = executor
	s.pumpDone = make(chan struct{})
	go s.pump(handle, s.pumpDone)

	return nil
}

// pump はデバイスのフレームをプレビューと解析に配る
func (s *Session) pump(h *cameraHandle, done chan struct{}) {
	defer close(done)

	for f := range h.frames {
		h.publish(f)
		s.preview.deliver(f)
		s.analysis.offer(f)
		s.stats.framesDelivered.Add(1)
	}

	if s.ctx.Err() == nil {
		log.Warn("フレームの配信が停止しました", "session", s.id)
	}
}

// release はワーカーのキューを実行し終えてからカメラを閉じる
func (s *Session) release(executor *SerialExecutor, h *cameraHandle) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.DrainTimeout)
	defer cancel()

	if err := executor.Shutdown(ctx); err != nil {
		log.Warn("ワーカーの停止待ちを打ち切りました", "session", s.id, "error", err)
	}
	if err := h.close(); err != nil {
		log.Warn("カメラのクローズに失敗", "session", s.id, "error", err)
	}
}

func (s *Session) watchLifecycle() {
	<-s.ctx.Done()
	s.teardown()
}

// teardown は全ユースケースを解放してTornDownにする
func (s *Session) teardown() {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.setState(StateTornDown)

	if s.handle != nil {
		s.preview.unbind()
		s.capture.unbind()
		s.analysis.unbind()

		s.release(s.executor, s.handle)
		<-s.pumpDone

		s.handle = nil
		s.executor = nil
	}

	stats := s.Stats()
	log.Info("セッションを終了しました", "session", s.id,
		"frames", stats.FramesDelivered,
		"analyzed", stats.FramesAnalyzed,
		"dropped", stats.FramesDropped,
		"captures", stats.CapturesSaved,
	)
	close(s.done)
}

// Capture は撮影要求をキューに積む
// pathが空なら <MediaDir>/<エポックミリ秒>.jpg に保存する
func (s *Session) Capture(path string) (CaptureRequest, error) {
	s.mu.Lock()
	state, perm := s.state, s.permission
	s.mu.Unlock()

	if perm != PermissionGranted {
		return CaptureRequest{}, ErrPermissionDenied
	}
	if state != StateActive || s.preview.State() == PreviewUnbound {
		return CaptureRequest{}, ErrNotActive
	}

	now := time.Now()
	if path == "" {
		// 作成に失敗しても書き込み時のfile_ioとして結果に載る
		if err := os.MkdirAll(s.opts.Capture.MediaDir, 0o755); err != nil {
			log.Warn("保存先ディレクトリの作成に失敗", "session", s.id, "dir", s.opts.Capture.MediaDir, "error", err)
		}
		path = DefaultCapturePath(s.opts.Capture.MediaDir, now)
	}

	req := NewCaptureRequest(path, now)
	if err := s.capture.submit(req); err != nil {
		return CaptureRequest{}, err
	}
	return req, nil
}

// OnLayoutChange は表示サイズや回転が変わったときに呼ぶ
func (s *Session) OnLayoutChange() {
	s.preview.onLayoutChange()
}

// Close はライフサイクルを終了させる。完了はDoneで待つ
func (s *Session) Close() {
	s.cancel()
}

// Done は終了処理が完了するとクローズされる
// カメラとワーカーはクローズ前に解放済み。サーフェスのデタッチとバッファの解放は
// UIコンテキストに積まれ、Doneの後に実行される。UIはFIFOなので次のセッションの
// アタッチより先に行われる
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Permission() PermissionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permission
}

func (s *Session) PreviewState() PreviewState {
	return s.preview.State()
}

// Transform は最後にプレビューへ適用した変換を返す
func (s *Session) Transform() Transform {
	return s.preview.Transform()
}

// Stats は統計情報のスナップショットを返す
func (s *Session) Stats() Stats {
	return Stats{
		FramesDelivered: s.stats.framesDelivered.Load(),
		FramesAnalyzed:  s.stats.framesAnalyzed.Load(),
		FramesDropped:   s.stats.framesDropped.Load(),
		AnalysisErrors:  s.stats.analysisErrors.Load(),
		CapturesSaved:   s.stats.capturesSaved.Load(),
		CapturesFailed:  s.stats.capturesFailed.Load(),
		BindAttempts:    s.stats.bindAttempts.Load(),
		PreviewSwaps:    s.preview.Swaps(),
	}
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// notify はUIコンテキストで通知を届ける
func (s *Session) notify(kind NoticeKind, message string) {
	n := Notice{Kind: kind, Message: message, Time: time.Now()}
	if !s.opts.UI.Post(func() { s.opts.Notices.Deliver(n) }) {
		log.Warn("通知を配送できませんでした", "session", s.id, "message", message)
	}
}
