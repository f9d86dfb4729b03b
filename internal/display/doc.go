// Package display はカメラセッションの表示側コラボレーターを提供する
//
// Containerはcamera.Displayとして回転とサイズを持ち、
// TextureViewはcamera.Surfaceとしてプレビューのバッファと表示変換を保持する。
// TextureViewに届いたバッファは購読者へ最新優先で配られる。
package display
