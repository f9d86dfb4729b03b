package camera

import (
	"context"
	"time"
)

// Rotation はディスプレイの回転角（度）を表す
type Rotation int

const (
	Rotation0   Rotation = 0
	Rotation90  Rotation = 90
	Rotation180 Rotation = 180
	Rotation270 Rotation = 270
)

// Permission はセッションに必要な権限を表す
type Permission string

// PermissionCamera はカメラへのアクセス権限
const PermissionCamera Permission = "camera"

// requiredPermissions はセッション開始に必要な権限一覧
var requiredPermissions = []Permission{PermissionCamera}

// PermissionState は権限の取得状態を表す
type PermissionState string

const (
	PermissionUnrequested PermissionState = "unrequested" // まだ確認していない
	PermissionGranted     PermissionState = "granted"     // 許可済み
	PermissionDenied      PermissionState = "denied"      // 拒否された
)

// SessionState はセッションの状態を表す
type SessionState string

const (
	StateAwaitingPermission SessionState = "awaiting_permission" // 権限待ち
	StateStarting           SessionState = "starting"            // バインド中
	StateActive             SessionState = "active"              // 動作中
	StateTornDown           SessionState = "torn_down"           // 終了済み
)

// PreviewState はプレビューパイプラインの状態を表す
type PreviewState string

const (
	PreviewUnbound   PreviewState = "unbound"
	PreviewBound     PreviewState = "bound"
	PreviewStreaming PreviewState = "streaming"
)

// CaptureMode は撮影モードを表す
type CaptureMode string

const (
	CaptureMinLatency CaptureMode = "min_latency" // 速度優先
	CaptureMaxQuality CaptureMode = "max_quality" // 画質優先
)

// ReaderMode は解析用フレームの取得方式を表す
type ReaderMode string

const (
	ReaderLatestOnly ReaderMode = "latest_only" // 最新フレームのみ
	ReaderAcquireAll ReaderMode = "acquire_all" // キュー深さまで全フレーム
)

// Resolution は解像度を表す
type Resolution struct {
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
}

// PreviewConfig はプレビューの設定
type PreviewConfig struct {
	TargetResolution Resolution `yaml:"target_resolution" json:"target_resolution"`
}

// CaptureConfig は静止画撮影の設定
type CaptureConfig struct {
	Mode        CaptureMode   `yaml:"mode" json:"mode"`
	MediaDir    string        `yaml:"media_dir" json:"media_dir"`       // 保存先ディレクトリ
	JPEGQuality int           `yaml:"jpeg_quality" json:"jpeg_quality"` // max_quality時の再エンコード品質
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`           // フレーム待ちのタイムアウト
}

// AnalysisConfig はフレーム解析の設定
type AnalysisConfig struct {
	ReaderMode  ReaderMode    `yaml:"reader_mode" json:"reader_mode"`
	QueueDepth  int           `yaml:"queue_depth" json:"queue_depth"`   // acquire_all時のキュー深さ
	MinInterval time.Duration `yaml:"min_interval" json:"min_interval"` // 解析間隔の下限（0で無制限）
}

// StreamConfig はデバイスを開く際のストリーム設定
type StreamConfig struct {
	Width  int
	Height int
	FPS    int
}

// DefaultPreviewConfig はデフォルトのプレビュー設定を返す
func DefaultPreviewConfig() PreviewConfig {
	return PreviewConfig{TargetResolution: Resolution{Width: 640, Height: 480}}
}

// DefaultCaptureConfig はデフォルトの撮影設定を返す
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		Mode:        CaptureMinLatency,
		MediaDir:    "media",
		JPEGQuality: 95,
		Timeout:     5 * time.Second,
	}
}

// DefaultAnalysisConfig はデフォルトの解析設定を返す
func DefaultAnalysisConfig() AnalysisConfig {
	return AnalysisConfig{
		ReaderMode: ReaderLatestOnly,
		QueueDepth: 6,
	}
}

// DeviceInfo はカメラデバイスの詳細情報を表す
type DeviceInfo struct {
	Device      string       // デバイスパス
	Name        string       // デバイス名
	Driver      string       // ドライバー名
	Resolutions []Resolution // サポートされる解像度（空なら制限なし）
}

// Supports は指定解像度をサポートするか判定する
func (i DeviceInfo) Supports(res Resolution) bool {
	if len(i.Resolutions) == 0 {
		return true
	}
	for _, r := range i.Resolutions {
		if r == res {
			return true
		}
	}
	return false
}

// Device はカメラハードウェアを表すインターフェース
// 同時に開けるのは1セッションのみ
type Device interface {
	// Open はストリームを開始し、フレームを流すチャンネルを返す
	// チャンネルはClose後にクローズされる
	Open(ctx context.Context, cfg StreamConfig) (<-chan *FrameBuffer, error)

	// Close はストリームを停止してデバイスを解放する
	Close() error

	// Info はデバイス情報を返す
	Info() DeviceInfo
}

// Discovery はカメラデバイスの検出機能を提供する
type Discovery interface {
	// ScanDevices はシステム内の利用可能なカメラデバイスをスキャンする
	ScanDevices(ctx context.Context) ([]string, error)

	// IsDeviceAvailable は指定されたデバイスが利用可能かチェックする
	IsDeviceAvailable(ctx context.Context, device string) bool

	// GetDeviceInfo はデバイスの詳細情報を取得する
	GetDeviceInfo(ctx context.Context, device string) (*DeviceInfo, error)
}

// Permissions は権限確認を担う外部コラボレーター
type Permissions interface {
	// CheckGranted は全ての権限が許可済みかを同期的に返す
	CheckGranted(perms []Permission) bool

	// RequestPermissions はユーザーに権限を要求し、結果をcallbackで返す
	RequestPermissions(perms []Permission, callback func(grants map[Permission]bool))
}

// Surface はフレームを表示する面（テクスチャ）
type Surface interface {
	SetBuffer(buf *FrameBuffer)
	SetTransform(t Transform)
}

// Display はSurfaceを保持する表示側のコラボレーター
// 全てのメソッドはUIコンテキストから呼ばれる
type Display interface {
	Attach(s Surface) error
	Detach(s Surface) error
	CurrentRotation() Rotation
	Width() int
	Height() int
}

// Dispatcher はUIコンテキストへ処理を投げる
type Dispatcher interface {
	// Post はfnをキューに積む。受け付けられなかった場合はfalseを返す
	Post(fn func()) bool
}

// Sink は1件ずつ結果を受け取る
type Sink[T any] interface {
	Deliver(result T)
}

// SinkFunc は関数をSinkとして扱うためのアダプター
type SinkFunc[T any] func(result T)

// Deliver はfを呼び出す
func (f SinkFunc[T]) Deliver(result T) {
	f(result)
}

// discard は結果を捨てるSink
type discard[T any] struct{}

func (discard[T]) Deliver(T) {}

// NoticeKind はユーザー通知の種類
type NoticeKind string

const (
	NoticePermission NoticeKind = "permission"
	NoticeCapture    NoticeKind = "capture"
	NoticeError      NoticeKind = "error"
)

// Notice はユーザーに表示する短い通知（トースト相当）
type Notice struct {
	Kind    NoticeKind `json:"kind"`
	Message string     `json:"message"`
	Time    time.Time  `json:"time"`
}
