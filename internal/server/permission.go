package server

import (
	"sync"

	"labellens/internal/camera"
)

// PermissionDialog はブラウザ越しにカメラ権限を確認する
// camera.Permissionsを実装する
type PermissionDialog struct {
	preGranted bool
	onRequest  func(perms []camera.Permission)

	mu       sync.Mutex
	granted  bool // 一度許可されたら以降のセッションでも有効
	pending  func(grants map[camera.Permission]bool)
	askedFor []camera.Permission
}

// NewPermissionDialog は新しいPermissionDialogを作成する
// onRequestは権限の要求が出たときに呼ばれる
func NewPermissionDialog(preGranted bool, onRequest func(perms []camera.Permission)) *PermissionDialog {
	return &PermissionDialog{
		preGranted: preGranted,
		onRequest:  onRequest,
	}
}

// CheckGranted は許可済みかを返す
func (d *PermissionDialog) CheckGranted(_ []camera.Permission) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.preGranted || d.granted
}

// RequestPermissions は要求を保留してユーザーの回答を待つ
// 未回答の要求は新しい要求で置き換える
func (d *PermissionDialog) RequestPermissions(perms []camera.Permission, callback func(grants map[camera.Permission]bool)) {
	d.mu.Lock()
	d.pending = callback
	d.askedFor = append([]camera.Permission(nil), perms...)
	d.mu.Unlock()

	if d.onRequest != nil {
		d.onRequest(perms)
	}
}

// Respond は保留中の要求に回答する
// 保留中の要求がなければfalseを返す
func (d *PermissionDialog) Respond(granted bool) bool {
	d.mu.Lock()
	callback, perms := d.pending, d.askedFor
	d.pending = nil
	d.askedFor = nil
	if callback != nil && granted {
		d.granted = true
	}
	d.mu.Unlock()

	if callback == nil {
		return false
	}

	grants := make(map[camera.Permission]bool, len(perms))
	for _, p := range perms {
		grants[p] = granted
	}
	callback(grants)
	return true
}

// Pending は回答待ちの要求があるかを返す
func (d *PermissionDialog) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending != nil
}
