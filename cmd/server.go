// Package main はlabellensサーバーコマンドの実装です
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"labellens/internal/camera"
	"labellens/internal/config"
	"labellens/internal/log"
	"labellens/internal/server"
)

func main() {
	// コマンドラインオプション
	var (
		configPath = flag.String("config", "", "設定ファイル (YAML)")
		host       = flag.String("host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
		port       = flag.Int("port", 0, "サーバーのポート (デフォルト: 8080)")
		source     = flag.String("source", "", "カメラソース (v4l2 / synthetic / x11)")
		device     = flag.String("device", "", "カメラデバイス (例: /dev/video0)。空なら自動検出")
		help       = flag.Bool("help", false, "ヘルプを表示")
	)

	flag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("labellens")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  server [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	// 設定を読み込む
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "設定の読み込みに失敗しました: %v\n", err)
		os.Exit(1)
	}

	// コマンドラインオプションで設定を上書き
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *source != "" {
		cfg.Camera.Source = *source
	}
	if *device != "" {
		cfg.Camera.Device = *device
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "設定が無効です: %v\n", err)
		os.Exit(1)
	}

	log.Init(cfg.Log.Level)

	factory := camera.NewDeviceFactory(camera.NewLinuxDiscovery())
	srv := server.New(cfg, factory)

	log.Info("labellens サーバーを起動します",
		"address", cfg.ServerAddress(),
		"source", cfg.Camera.Source,
		"media_dir", cfg.Session.Capture.MediaDir,
	)
	if err := srv.Start(context.Background()); err != nil {
		log.Error("サーバーの起動に失敗しました", "error", err)
		os.Exit(1)
	}
}
