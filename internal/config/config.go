package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"labellens/internal/camera"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Camera  CameraConfig  `yaml:"camera"`
	Session SessionConfig `yaml:"session"`
	Display DisplayConfig `yaml:"display"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // 読み込みタイムアウト
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // 書き込みタイムアウト
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // グレースフルシャットダウンの上限
}

// CameraConfig はカメラデバイスの設定
type CameraConfig struct {
	Source string `yaml:"source"` // v4l2 / synthetic / x11
	Device string `yaml:"device"` // デバイスパス (例: /dev/video0)。空なら自動検出
	Name   string `yaml:"name"`   // 表示名
	FPS    int    `yaml:"fps"`    // フレームレート (fps)
}

// SessionConfig はカメラセッションの設定
type SessionConfig struct {
	Preview  camera.PreviewConfig  `yaml:"preview"`
	Capture  camera.CaptureConfig  `yaml:"capture"`
	Analysis camera.AnalysisConfig `yaml:"analysis"`

	// 起動時点で権限が許可済みかどうか（falseなら初回に確認ダイアログを出す）
	PreGranted   bool          `yaml:"pre_granted"`
	DrainTimeout time.Duration `yaml:"drain_timeout"` // 終了時に撮影を待つ上限
}

// DisplayConfig はビューファインダーの初期レイアウト
type DisplayConfig struct {
	Width    int             `yaml:"width"`
	Height   int             `yaml:"height"`
	Rotation camera.Rotation `yaml:"rotation"`
}

// LogConfig はログの設定
type LogConfig struct {
	Level string `yaml:"level"` // debug / info / warn / error
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    0, // ストリーミング用にタイムアウト無効化
			ShutdownTimeout: 5 * time.Second,
		},
		Camera: CameraConfig{
			Source: string(camera.SourceV4L2),
			FPS:    15,
		},
		Session: SessionConfig{
			Preview:      camera.DefaultPreviewConfig(),
			Capture:      camera.DefaultCaptureConfig(),
			Analysis:     camera.DefaultAnalysisConfig(),
			DrainTimeout: 10 * time.Second,
		},
		Display: DisplayConfig{
			Width:    640,
			Height:   480,
			Rotation: camera.Rotation0,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load は設定を読み込む
// デフォルト値 → YAMLファイル（pathが空なら省略）→ 環境変数 の順に上書きする
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// applyEnv は環境変数で設定を上書きする
func (c *Config) applyEnv() {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("PORT", c.Server.Port)
	c.Camera.Source = getEnvOrDefault("CAMERA_SOURCE", c.Camera.Source)
	c.Camera.Device = getEnvOrDefault("CAMERA_DEVICE", c.Camera.Device)
	c.Session.Capture.MediaDir = getEnvOrDefault("MEDIA_DIR", c.Session.Capture.MediaDir)
	c.Log.Level = getEnvOrDefault("LOG_LEVEL", c.Log.Level)
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("無効なポート番号: %d", c.Server.Port))
	}

	switch camera.SourceType(c.Camera.Source) {
	case camera.SourceV4L2, camera.SourceSynthetic, camera.SourceX11:
	default:
		errs = append(errs, fmt.Errorf("無効なカメラソース: %q", c.Camera.Source))
	}
	if c.Camera.FPS < 0 {
		errs = append(errs, fmt.Errorf("無効なフレームレート: %d", c.Camera.FPS))
	}

	res := c.Session.Preview.TargetResolution
	if res.Width <= 0 || res.Height <= 0 {
		errs = append(errs, fmt.Errorf("無効なプレビュー解像度: %dx%d", res.Width, res.Height))
	}

	switch c.Session.Capture.Mode {
	case camera.CaptureMinLatency, camera.CaptureMaxQuality:
	default:
		errs = append(errs, fmt.Errorf("無効な撮影モード: %q", c.Session.Capture.Mode))
	}
	if q := c.Session.Capture.JPEGQuality; q < 1 || q > 100 {
		errs = append(errs, fmt.Errorf("無効なJPEG品質: %d", q))
	}
	if c.Session.Capture.MediaDir == "" {
		errs = append(errs, errors.New("保存先ディレクトリが指定されていません"))
	}

	switch c.Session.Analysis.ReaderMode {
	case camera.ReaderLatestOnly:
	case camera.ReaderAcquireAll:
		if c.Session.Analysis.QueueDepth < 1 {
			errs = append(errs, fmt.Errorf("無効なキュー深さ: %d", c.Session.Analysis.QueueDepth))
		}
	default:
		errs = append(errs, fmt.Errorf("無効な読み取りモード: %q", c.Session.Analysis.ReaderMode))
	}

	if c.Display.Width <= 0 || c.Display.Height <= 0 {
		errs = append(errs, fmt.Errorf("無効な表示サイズ: %dx%d", c.Display.Width, c.Display.Height))
	}
	if _, ok := camera.ComputeTransform(c.Display.Rotation, 1, 1); !ok {
		errs = append(errs, fmt.Errorf("無効な回転角: %d", c.Display.Rotation))
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("無効なログレベル: %q", c.Log.Level))
	}

	return errors.Join(errs...)
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// SourceConfig はカメラデバイスの作成設定を返す
func (c *Config) SourceConfig() camera.SourceConfig {
	return camera.SourceConfig{
		Device: c.Camera.Device,
		Name:   c.Camera.Name,
	}
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
