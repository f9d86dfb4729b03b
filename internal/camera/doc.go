// Package camera カメラセッションの中核を担う
//
// # 責務
// - 1台のカメラに対するプレビュー・静止画撮影・フレーム解析の3ユースケースの統合
// - 権限確認からカメラ開始までの状態遷移の管理
// - ディスプレイの回転に合わせたプレビュー変換の計算
// - ライフサイクル終了時のカメラとワーカーの解放
//
// # 使い分け
// このパッケージは以下の場合に使用する：
// - カメラ映像を表示面に流しながら撮影と解析を同時に行いたい
// - 撮影結果や解析結果をUI側のコンテキストで受け取りたい
//
// # 仕様
// - Session: 権限待ち → バインド中 → 動作中 → 終了 の状態機械
// - バインドは全か無か。途中で失敗したら全て戻してBindingErrorを返す
// - 撮影と解析は1本のワーカー（SerialExecutor）を共有する
// - 撮影は提出順に1件ずつ処理し、要求ごとに必ず1件の結果を返す
// - 解析は最新フレームのみを処理し、古いフレームは捨てる
// - プレビューはバッファごとにデタッチ→アタッチしてから変換を再計算する
// - 表示面の操作と結果の通知は全てDispatcher（UIコンテキスト）経由で行う
//
// # 前提要件
//   - ffmpeg: V4L2デバイスからのMJPEG取得に使用
//     Ubuntu/Debian: sudo apt install ffmpeg
//   - v4l-utils: カメラ名と対応解像度の取得に使用
//     Ubuntu/Debian: sudo apt install v4l-utils
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package camera
