package main

import (
	"context"
	"os"

	"labellens/internal/camera"
	"labellens/internal/config"
	"labellens/internal/log"
	"labellens/internal/server"
)

func main() {
	// 設定を読み込む
	cfg, err := config.Load(os.Getenv("LABELLENS_CONFIG"))
	if err != nil {
		log.Error("設定の読み込みに失敗しました", "error", err)
		os.Exit(1)
	}

	log.Init(cfg.Log.Level)

	// サーバーを作成
	srv := server.New(cfg, camera.NewDeviceFactory(camera.NewLinuxDiscovery()))

	// サーバーを起動
	if err := srv.Start(context.Background()); err != nil {
		log.Error("サーバーの起動に失敗しました", "error", err)
		os.Exit(1)
	}
}
