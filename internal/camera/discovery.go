package camera

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	deviceNumberPattern = regexp.MustCompile(`^/dev/video(\d+)$`)
	frameSizePattern    = regexp.MustCompile(`Size:\s+Discrete\s+(\d+)x(\d+)`)
)

// ErrNoDevice は利用可能なカメラが見つからない
var ErrNoDevice = errors.New("利用可能なカメラが見つかりません")

// LinuxDiscovery は /dev/video* とv4l2-ctlでカメラを検出する
type LinuxDiscovery struct {
	timeout time.Duration // v4l2-ctl 1回あたりの上限
}

// NewLinuxDiscovery は新しいLinuxDiscoveryを作成する
func NewLinuxDiscovery() *LinuxDiscovery {
	return &LinuxDiscovery{timeout: 5 * time.Second}
}

// ScanDevices はカラー映像を出せるデバイスを番号順に返す
// 同じカメラの複数ノード（メタデータ用など）は最小番号のみ残す
func (d *LinuxDiscovery) ScanDevices(ctx context.Context) ([]string, error) {
	matches, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool {
		return extractDeviceNumber(matches[i]) < extractDeviceNumber(matches[j])
	})

	var devices []string
	seen := make(map[string]bool) // カード名
	for _, device := range matches {
		if err := ctx.Err(); err != nil {
			return devices, err
		}
		if !d.IsDeviceAvailable(ctx, device) {
			continue
		}

		formats, err := d.v4l2ctl(ctx, device, "--list-formats-ext")
		if err != nil || !hasColorFormat(formats) {
			continue
		}

		if info, err := d.v4l2ctl(ctx, device, "--info"); err == nil {
			if card := parseCardType(info); card != "" {
				if seen[card] {
					continue
				}
				seen[card] = true
			}
		}

		devices = append(devices, device)
	}

	return devices, nil
}

// IsDeviceAvailable はデバイスファイルが存在し読み取れるかを返す
func (d *LinuxDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	if !deviceNumberPattern.MatchString(device) {
		return false
	}

	file, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	_ = file.Close()
	return true
}

// GetDeviceInfo はv4l2-ctlからカード名と対応解像度を取得する
func (d *LinuxDiscovery) GetDeviceInfo(ctx context.Context, device string) (*DeviceInfo, error) {
	if !d.IsDeviceAvailable(ctx, device) {
		return nil, fmt.Errorf("デバイスが利用できません: %s", device)
	}

	info := &DeviceInfo{
		Device: device,
		Name:   fmt.Sprintf("カメラ %d", extractDeviceNumber(device)),
		Driver: "v4l2",
	}

	if out, err := d.v4l2ctl(ctx, device, "--info"); err == nil {
		if card := parseCardType(out); card != "" {
			info.Name = card
		}
		if driver := parseField(out, "Driver name"); driver != "" {
			info.Driver = driver
		}
	}

	// 取得できなければ制限なしとして扱う
	if out, err := d.v4l2ctl(ctx, device, "--list-formats-ext"); err == nil {
		info.Resolutions = parseFrameSizes(out)
	}

	return info, nil
}

func (d *LinuxDiscovery) v4l2ctl(ctx context.Context, device string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "v4l2-ctl", append([]string{"--device", device}, args...)...)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("v4l2-ctl %s: %w", strings.Join(args, " "), err)
	}
	return string(out), nil
}

// FirstDevice は最初に見つかったデバイスの情報を返す
func FirstDevice(ctx context.Context, d Discovery) (*DeviceInfo, error) {
	devices, err := d.ScanDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, ErrNoDevice
	}
	return d.GetDeviceInfo(ctx, devices[0])
}

// hasColorFormat はグレースケール専用でないかを判定する
func hasColorFormat(formats string) bool {
	return strings.Contains(formats, "YUYV") || strings.Contains(formats, "MJPG")
}

func parseCardType(info string) string {
	return parseField(info, "Card type")
}

// parseField は "Key : Value" 形式の行から値を取り出す
func parseField(out, key string) string {
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, key) {
			continue
		}
		if _, v, ok := strings.Cut(line, ":"); ok {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// parseFrameSizes は --list-formats-ext の出力から重複のない解像度一覧を返す
func parseFrameSizes(formats string) []Resolution {
	var sizes []Resolution
	seen := make(map[Resolution]bool)

	for _, m := range frameSizePattern.FindAllStringSubmatch(formats, -1) {
		w, _ := strconv.Atoi(m[1])
		h, _ := strconv.Atoi(m[2])
		r := Resolution{Width: w, Height: h}
		if !seen[r] {
			seen[r] = true
			sizes = append(sizes, r)
		}
	}
	return sizes
}

// extractDeviceNumber は /dev/videoN のNを返す
func extractDeviceNumber(device string) int {
	m := deviceNumberPattern.FindStringSubmatch(device)
	if len(m) < 2 {
		return 0
	}
	num, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return num
}

// MockDiscovery はテスト用のDiscovery実装
type MockDiscovery struct {
	mu          sync.Mutex
	devices     []string
	deviceInfos map[string]*DeviceInfo
}

// NewMockDiscovery は新しいMockDiscoveryを作成する
func NewMockDiscovery(devices []string) *MockDiscovery {
	m := &MockDiscovery{deviceInfos: make(map[string]*DeviceInfo)}
	for _, device := range devices {
		m.AddDevice(device)
	}
	return m
}

// ScanDevices はモックデバイス一覧を返す
func (m *MockDiscovery) ScanDevices(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.devices...), nil
}

// IsDeviceAvailable はモックデバイスが登録されているかを返す
func (m *MockDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.deviceInfos[device]
	return ok
}

// GetDeviceInfo はモックデバイス情報のコピーを返す
func (m *MockDiscovery) GetDeviceInfo(_ context.Context, device string) (*DeviceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.deviceInfos[device]
	if !ok {
		return nil, fmt.Errorf("デバイスが見つかりません: %s", device)
	}
	result := *info
	return &result, nil
}

// AddDevice はデバイスを追加する（重複は無視）
func (m *MockDiscovery) AddDevice(device string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.deviceInfos[device]; ok {
		return
	}
	m.devices = append(m.devices, device)
	m.deviceInfos[device] = &DeviceInfo{
		Device: device,
		Name:   fmt.Sprintf("テストカメラ %d", len(m.devices)),
		Driver: "mock",
		Resolutions: []Resolution{
			{Width: 640, Height: 480},
			{Width: 1280, Height: 720},
		},
	}
}

// RemoveDevice はデバイスを削除する
func (m *MockDiscovery) RemoveDevice(device string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, d := range m.devices {
		if d == device {
			m.devices = append(m.devices[:i], m.devices[i+1:]...)
			break
		}
	}
	delete(m.deviceInfos, device)
}
