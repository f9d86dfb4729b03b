package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"labellens/internal/camera"
	"labellens/internal/display"
	"labellens/internal/log"
)

// セッションの作成と終了を待つ上限
const sessionOpTimeout = 15 * time.Second

// errorResponse はエラー時のレスポンス
type errorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorResponse{
		Error:     code,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// sessionInfo はセッションの状態
type sessionInfo struct {
	ID         string                 `json:"id"`
	State      camera.SessionState    `json:"state"`
	Permission camera.PermissionState `json:"permission"`
	Preview    camera.PreviewState    `json:"preview"`
	Transform  string                 `json:"transform"` // CSSのmatrix()表記
	Degrees    float64                `json:"degrees"`
	Stats      camera.Stats           `json:"stats"`
}

func newSessionInfo(s *camera.Session) *sessionInfo {
	t := s.Transform()
	return &sessionInfo{
		ID:         s.ID(),
		State:      s.State(),
		Permission: s.Permission(),
		Preview:    s.PreviewState(),
		Transform:  t.String(),
		Degrees:    t.Degrees(),
		Stats:      s.Stats(),
	}
}

// statusResponse はシステム状態
type statusResponse struct {
	Status            string         `json:"status"`
	Source            string         `json:"source"`
	Session           *sessionInfo   `json:"session,omitempty"`
	Display           display.Layout `json:"display"`
	PermissionPending bool           `json:"permission_pending"`
	Events            EventStats     `json:"events"`
	Timestamp         time.Time      `json:"timestamp"`
}

// captureEvent は撮影結果のイベント
type captureEvent struct {
	Request camera.CaptureRequest `json:"request"`
	Image   *camera.SavedImage    `json:"image,omitempty"`
	Error   *captureErrorInfo     `json:"error,omitempty"`
}

type captureErrorInfo struct {
	Kind    camera.CaptureErrorKind `json:"kind"`
	Message string                  `json:"message"`
	Cause   string                  `json:"cause,omitempty"`
}

func newCaptureEvent(r camera.CaptureResult) captureEvent {
	ev := captureEvent{Request: r.Request, Image: r.Image}
	if r.Err != nil {
		ev.Error = &captureErrorInfo{Kind: r.Err.Kind, Message: r.Err.Message}
		if r.Err.Cause != nil {
			ev.Error.Cause = r.Err.Cause.Error()
		}
	}
	return ev
}

// handleHealth はヘルスチェックエンドポイント
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

// handleStatus はステータス確認エンドポイント
func (s *Server) handleStatus(c *gin.Context) {
	resp := statusResponse{
		Status:            "running",
		Source:            s.config.Camera.Source,
		Display:           s.container.Layout(),
		PermissionPending: s.dialog.Pending(),
		Events:            s.events.Stats(),
		Timestamp:         time.Now(),
	}
	if session, ok := s.manager.Current(); ok {
		resp.Session = newSessionInfo(session)
	}

	c.JSON(http.StatusOK, resp)
}

// handleOpenSession は新しいセッションを作成して表示準備完了を通知する
// 既存のセッションは終了させてから作り直す
func (s *Server) handleOpenSession(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), sessionOpTimeout)
	defer cancel()

	session, err := s.manager.Open(ctx)
	if err != nil {
		log.Error("セッションの作成に失敗", "error", err)
		respondError(c, http.StatusServiceUnavailable, "session_open_failed", err.Error())
		return
	}

	session.OnViewReady()
	s.events.Broadcast(EventSession, gin.H{"id": session.ID(), "state": "opened"})

	c.JSON(http.StatusCreated, newSessionInfo(session))
}

// handleEndSession は現在のセッションを終了させる
func (s *Server) handleEndSession(c *gin.Context) {
	session, ok := s.manager.Current()
	if !ok {
		respondError(c, http.StatusNotFound, "session_not_found", "セッションがありません")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), sessionOpTimeout)
	defer cancel()

	if err := s.manager.End(ctx); err != nil {
		respondError(c, http.StatusInternalServerError, "session_end_failed", err.Error())
		return
	}

	s.events.Broadcast(EventSession, gin.H{"id": session.ID(), "state": "ended"})
	c.Status(http.StatusNoContent)
}

type permissionRequest struct {
	Granted *bool `json:"granted" binding:"required"`
}

// handlePermission は保留中の権限要求に回答する
func (s *Server) handlePermission(c *gin.Context) {
	var req permissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if !s.dialog.Respond(*req.Granted) {
		respondError(c, http.StatusConflict, "no_pending_request", "回答待ちの権限要求がありません")
		return
	}

	c.JSON(http.StatusOK, gin.H{"granted": *req.Granted})
}

type captureRequest struct {
	Path string `json:"path"`
}

// handleCapture は撮影要求を受け付ける
// 結果はイベントで通知する
func (s *Server) handleCapture(c *gin.Context) {
	var req captureRequest
	// ボディなしは保存先の自動決定として扱う
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
	}

	session, ok := s.manager.Current()
	if !ok {
		respondError(c, http.StatusNotFound, "session_not_found", "セッションがありません")
		return
	}

	captureReq, err := session.Capture(req.Path)
	switch {
	case errors.Is(err, camera.ErrPermissionDenied):
		respondError(c, http.StatusForbidden, "permission_denied", err.Error())
		return
	case errors.Is(err, camera.ErrNotActive):
		respondError(c, http.StatusConflict, "session_not_active", err.Error())
		return
	case err != nil:
		respondError(c, http.StatusInternalServerError, "capture_failed", err.Error())
		return
	}

	c.JSON(http.StatusAccepted, captureReq)
}

// handleDisplay はビューのレイアウトを更新して変換を再計算させる
// レイアウトの変更はUIコンテキストで行う
func (s *Server) handleDisplay(c *gin.Context) {
	var layout display.Layout
	if err := c.ShouldBindJSON(&layout); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	errCh := make(chan error, 1)
	posted := s.ui.Post(func() {
		if err := s.container.SetLayout(layout); err != nil {
			errCh <- err
			return
		}
		if session, ok := s.manager.Current(); ok {
			session.OnLayoutChange()
		}
		errCh <- nil
	})
	if !posted {
		respondError(c, http.StatusServiceUnavailable, "ui_stopped", "UIが停止しています")
		return
	}

	select {
	case err := <-errCh:
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid_layout", err.Error())
			return
		}
	case <-c.Request.Context().Done():
		return
	}

	c.JSON(http.StatusOK, s.container.Layout())
}

// handlePreviewSnapshot は現在のプレビュー画像を返す
func (s *Server) handlePreviewSnapshot(c *gin.Context) {
	buf := s.view.Buffer()
	if buf == nil {
		respondError(c, http.StatusNotFound, "no_preview", "プレビュー画像がありません")
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Preview-Transform", s.view.Transform().String())
	c.Data(http.StatusOK, "image/jpeg", buf.Data)
}

// handlePreviewStream はプレビューをMJPEGストリームで配信する
func (s *Server) handlePreviewStream(c *gin.Context) {
	// レスポンスヘッダーを設定
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")

	writer := c.Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	frames, unsubscribe := s.view.Subscribe()
	defer unsubscribe()

	// クライアント切断を検知するためのコンテキスト
	clientGone := c.Request.Context().Done()

	if buf := s.view.Buffer(); buf != nil {
		if err := writeMJPEGPart(writer, buf.Data); err != nil {
			return
		}
		flusher.Flush()
	}

	for {
		select {
		case <-clientGone:
			return

		case buf, ok := <-frames:
			if !ok {
				return
			}
			if err := writeMJPEGPart(writer, buf.Data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeMJPEGPart はmultipartの1パートを書き込む
func writeMJPEGPart(w http.ResponseWriter, jpeg []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpeg)); err != nil {
		return err
	}
	if _, err := w.Write(jpeg); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

// handleRoot はルートパスのハンドラ
func (s *Server) handleRoot(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(indexHTML))
}

const indexHTML = `<!DOCTYPE html>
<html lang="ja">
<head>
    <meta charset="UTF-8">
    <title>labellens</title>
    <style>
        #viewfinder { overflow: hidden; background: #000; }
        #preview { transform-origin: 0 0; }
        #notices li { font-family: monospace; }
    </style>
</head>
<body>
    <h1>labellens</h1>
    <p>
        <button id="open">セッション開始</button>
        <button id="end">セッション終了</button>
        <button id="allow">権限を許可</button>
        <button id="deny">権限を拒否</button>
        <button id="capture">撮影</button>
    </p>
    <div id="viewfinder"><img id="preview" src="/api/preview/stream" alt="preview"></div>
    <ul id="notices"></ul>
    <p>ステータス: <a href="/api/status">/api/status</a> / ヘルスチェック: <a href="/health">/health</a></p>
    <script>
        const post = (path, body, method = "POST") =>
            fetch(path, { method, headers: { "Content-Type": "application/json" }, body: body ? JSON.stringify(body) : undefined });
        document.getElementById("open").onclick = () => post("/api/session");
        document.getElementById("end").onclick = () => post("/api/session", null, "DELETE");
        document.getElementById("allow").onclick = () => post("/api/session/permission", { granted: true });
        document.getElementById("deny").onclick = () => post("/api/session/permission", { granted: false });
        document.getElementById("capture").onclick = () => post("/api/session/capture", {});

        const preview = document.getElementById("preview");
        const notices = document.getElementById("notices");
        const applyTransform = async () => {
            const status = await (await fetch("/api/status")).json();
            if (status.session) preview.style.transform = status.session.transform;
        };
        const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/api/events");
        ws.onmessage = (ev) => {
            const msg = JSON.parse(ev.data);
            if (msg.type === "notice") {
                const li = document.createElement("li");
                li.textContent = msg.data.message;
                notices.prepend(li);
            }
            if (msg.type === "session") applyTransform();
        };
        setInterval(applyTransform, 2000);
    </script>
</body>
</html>`
