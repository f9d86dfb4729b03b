// Package server は、カメラセッションのUI側をHTTPで提供します。
//
// このパッケージは、ブラウザを表示・権限ダイアログ・通知の受け手として
// カメラセッションに接続します。
//
// 責務:
//   - HTTPサーバーの起動とグレースフルシャットダウン
//   - セッションの開始・終了と権限ダイアログへの回答
//   - 撮影要求の受け付け
//   - ビューのレイアウト変更（回転とサイズ）
//   - プレビューのMJPEG配信
//   - 通知・撮影結果・解析結果のWebSocket配信
//
// 仕様:
//   - ルーティングはgin-gonic/ginを使用
//   - WebSocketはgorilla/websocketを使用
//   - 表示の変更と結果の配送はUIルーパー（camera.SerialExecutor）上で行う
//   - 配信が追いつかないクライアントには古いデータを捨てて最新を送る
//
// エンドポイント:
//
//	GET    /health                  ヘルスチェック
//	GET    /api/status              セッション状態・表示変換・統計
//	POST   /api/session             セッション作成（既存は終了させて作り直す）
//	DELETE /api/session             セッション終了
//	POST   /api/session/permission  権限要求への回答 {"granted": bool}
//	POST   /api/session/capture     撮影要求 {"path": "..."}（省略時は自動）
//	PUT    /api/display             レイアウト変更 {"rotation", "width", "height"}
//	GET    /api/preview             現在のプレビュー画像
//	GET    /api/preview/stream      プレビューのMJPEGストリーム
//	GET    /api/events              イベントのWebSocket
package server
