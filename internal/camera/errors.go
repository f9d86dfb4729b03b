package camera

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied はカメラ権限が許可されていない
	ErrPermissionDenied = errors.New("カメラの権限が許可されていません")

	// ErrBindingFailure はユースケースのバインドに失敗した
	ErrBindingFailure = errors.New("ユースケースのバインドに失敗")

	// ErrNotActive はセッションがアクティブではない
	ErrNotActive = errors.New("セッションがアクティブではありません")

	// ErrSessionEnded はライフサイクルが終了している
	ErrSessionEnded = errors.New("セッションは終了しています")

	// ErrCameraClosed はカメラハンドルがクローズ済み
	ErrCameraClosed = errors.New("カメラがクローズされています")

	// ErrNoFrame はまだフレームが届いていない
	ErrNoFrame = errors.New("フレームがまだ取得されていません")
)

// BindingError はバインド失敗の詳細
type BindingError struct {
	UseCase string // 失敗したユースケース
	Err     error
}

func (e *BindingError) Error() string {
	return fmt.Sprintf("%s のバインドに失敗: %v", e.UseCase, e.Err)
}

// Unwrap はErrBindingFailureと原因の両方を返す
func (e *BindingError) Unwrap() []error {
	return []error{ErrBindingFailure, e.Err}
}

// CaptureErrorKind は撮影エラーの分類
type CaptureErrorKind string

const (
	KindUnknown       CaptureErrorKind = "unknown"
	KindFileIO        CaptureErrorKind = "file_io"
	KindCameraClosed  CaptureErrorKind = "camera_closed"
	KindCaptureFailed CaptureErrorKind = "capture_failed"
)

// CaptureError は1件の撮影の失敗を表す
type CaptureError struct {
	Kind    CaptureErrorKind
	Message string
	Cause   error
}

func (e *CaptureError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *CaptureError) Unwrap() error {
	return e.Cause
}

// captureErrorKind は原因エラーから分類を決める
func captureErrorKind(err error) CaptureErrorKind {
	switch {
	case errors.Is(err, ErrCameraClosed):
		return KindCameraClosed
	case errors.Is(err, ErrNoFrame), errors.Is(err, context.DeadlineExceeded):
		return KindCaptureFailed
	default:
		return KindUnknown
	}
}
