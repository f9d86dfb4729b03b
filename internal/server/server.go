package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"labellens/internal/camera"
	"labellens/internal/config"
	"labellens/internal/display"
	"labellens/internal/log"
)

// Server はHTTPサーバーとカメラセッションのUI側を管理する構造体
type Server struct {
	config     *config.Config
	httpServer *http.Server
	engine     *gin.Engine

	manager   *camera.Manager
	ui        *camera.SerialExecutor // UIコンテキスト
	container *display.Container
	view      *display.TextureView
	dialog    *PermissionDialog
	events    *EventHub
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, factory *camera.DeviceFactory) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		config: cfg,
		engine: gin.New(),
		ui:     camera.NewLooper(),
		container: display.NewContainer(display.Layout{
			Rotation: cfg.Display.Rotation,
			Width:    cfg.Display.Width,
			Height:   cfg.Display.Height,
		}),
		view:   display.NewTextureView(),
		events: NewEventHub(),
	}
	s.dialog = NewPermissionDialog(cfg.Session.PreGranted, s.onPermissionRequest)

	template := camera.Options{
		Permissions:  s.dialog,
		Display:      s.container,
		Surface:      s.view,
		UI:           s.ui,
		CaptureSink:  camera.SinkFunc[camera.CaptureResult](s.onCaptureResult),
		AnalysisSink: camera.SinkFunc[camera.AnalysisResult](s.onAnalysisResult),
		Notices:      camera.SinkFunc[camera.Notice](s.onNotice),
		Preview:      cfg.Session.Preview,
		Capture:      cfg.Session.Capture,
		Analysis:     cfg.Session.Analysis,
		FPS:          cfg.Camera.FPS,
		DrainTimeout: cfg.Session.DrainTimeout,
	}
	s.manager = camera.NewManager(factory, camera.SourceType(cfg.Camera.Source), cfg.SourceConfig(), template)

	s.httpServer = &http.Server{
		Addr:         cfg.ServerAddress(),
		Handler:      s.engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	s.setupRoutes()
	return s
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	s.engine.Use(gin.Recovery(), requestLogger())

	s.engine.GET("/", s.handleRoot)
	s.engine.GET("/health", s.handleHealth)

	api := s.engine.Group("/api")
	{
		api.GET("/status", s.handleStatus)

		api.POST("/session", s.handleOpenSession)
		api.DELETE("/session", s.handleEndSession)
		api.POST("/session/permission", s.handlePermission)
		api.POST("/session/capture", s.handleCapture)

		api.PUT("/display", s.handleDisplay)

		api.GET("/preview", s.handlePreviewSnapshot)
		api.GET("/preview/stream", s.handlePreviewStream)

		api.GET("/events", s.events.ServeWS)
	}
}

// requestLogger はリクエストごとにアクセスログを出す
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Debug("HTTPリクエスト",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// Handler はHTTPハンドラーを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start はサーバーを起動する
// ctxのキャンセルかシグナルでグレースフルにシャットダウンする
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// セッションのライフサイクルはサーバーのctxに従う
	if err := s.manager.Start(ctx); err != nil {
		return fmt.Errorf("セッションマネージャーの開始に失敗: %w", err)
	}

	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		log.Info("HTTPサーバーを起動しています", "address", s.config.ServerAddress())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// コンテキストかシグナルを待つ
	select {
	case <-ctx.Done():
		log.Info("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		log.Info("シグナルを受信しました", "signal", sig.String())
	case err := <-shutdownCh:
		s.shutdownSessions()
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はセッションを終了させてからサーバーをシャットダウンする
func (s *Server) Shutdown() error {
	log.Info("サーバーをシャットダウンしています")

	s.shutdownSessions()

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	log.Info("サーバーが正常にシャットダウンされました")
	return nil
}

// shutdownSessions は現在のセッションの終了を待ち、UIとイベント配信を止める
func (s *Server) shutdownSessions() {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
	defer cancel()

	if err := s.manager.Stop(ctx); err != nil {
		log.Warn("セッションの終了待ちに失敗", "error", err)
	}
	if err := s.ui.Shutdown(ctx); err != nil {
		log.Warn("UIルーパーの停止に失敗", "error", err)
	}
	s.events.Close()
}

func (s *Server) shutdownTimeout() time.Duration {
	if s.config.Server.ShutdownTimeout > 0 {
		return s.config.Server.ShutdownTimeout
	}
	return 5 * time.Second
}

// onPermissionRequest は権限要求をクライアントへ知らせる
func (s *Server) onPermissionRequest(perms []camera.Permission) {
	s.events.Broadcast(EventPermissionRequest, gin.H{"permissions": perms})
}

// onCaptureResult は撮影結果をクライアントへ知らせる（UIコンテキスト）
func (s *Server) onCaptureResult(r camera.CaptureResult) {
	s.events.Broadcast(EventCapture, newCaptureEvent(r))

	if r.OK() {
		s.onNotice(camera.Notice{
			Kind:    camera.NoticeCapture,
			Message: "写真を保存しました: " + r.Image.Path,
			Time:    r.Image.SavedAt,
		})
		return
	}
	s.onNotice(camera.Notice{
		Kind:    camera.NoticeCapture,
		Message: "写真の撮影に失敗しました: " + r.Err.Message,
		Time:    time.Now(),
	})
}

// onAnalysisResult は解析結果をクライアントへ知らせる（UIコンテキスト）
func (s *Server) onAnalysisResult(r camera.AnalysisResult) {
	s.events.Broadcast(EventAnalysis, r)
}

// onNotice は通知をクライアントへ知らせる（UIコンテキスト）
func (s *Server) onNotice(n camera.Notice) {
	log.Info("通知", "kind", n.Kind, "message", n.Message)
	s.events.Broadcast(EventNotice, n)
}
