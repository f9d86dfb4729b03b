package camera

import (
	"math"
	"testing"
)

const epsilon = 1e-9

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < epsilon
}

// normalizeDegrees は角度を [-180, 180) に正規化する
func normalizeDegrees(d float64) float64 {
	return math.Mod(d+540, 360) - 180
}

func TestComputeTransform_QuarterTurns(t *testing.T) {
	viewports := []struct {
		width, height float64
	}{
		{640, 480},
		{1080, 1920},
		{1, 1},
		{333, 17},
	}

	for _, rotation := range []Rotation{Rotation0, Rotation90, Rotation180, Rotation270} {
		for _, vp := range viewports {
			tr, ok := ComputeTransform(rotation, vp.width, vp.height)
			if !ok {
				t.Fatalf("rotation %d: 変換が計算されませんでした", rotation)
			}

			// 回転角が -rotation であること
			want := normalizeDegrees(-float64(rotation))
			if got := tr.Degrees(); !almostEqual(got, want) {
				t.Errorf("rotation %d (%vx%v): 角度 %v, want %v", rotation, vp.width, vp.height, got, want)
			}

			// 中心が不動点であること
			cx, cy := vp.width/2, vp.height/2
			x, y := tr.Apply(cx, cy)
			if !almostEqual(x, cx) || !almostEqual(y, cy) {
				t.Errorf("rotation %d (%vx%v): 中心 (%v, %v) が (%v, %v) に移動しました", rotation, vp.width, vp.height, cx, cy, x, y)
			}

			// 純粋な回転（拡大縮小なし）であること
			if det := tr.A*tr.D - tr.B*tr.C; !almostEqual(det, 1) {
				t.Errorf("rotation %d: 行列式 %v, want 1", rotation, det)
			}
		}
	}
}

func TestComputeTransform_Rotation90Viewport640x480(t *testing.T) {
	tr, ok := ComputeTransform(Rotation90, 640, 480)
	if !ok {
		t.Fatal("変換が計算されませんでした")
	}

	want := Transform{A: 0, B: -1, C: 1, D: 0, E: 80, F: 560}
	if tr != want {
		t.Errorf("got %+v, want %+v", tr, want)
	}

	// (320+100, 240) は -90度回転で (320, 240-100) へ
	x, y := tr.Apply(420, 240)
	if !almostEqual(x, 320) || !almostEqual(y, 140) {
		t.Errorf("Apply(420, 240) = (%v, %v), want (320, 140)", x, y)
	}
}

func TestComputeTransform_Unsupported(t *testing.T) {
	for _, rotation := range []Rotation{-90, 45, 360, 1, -1} {
		if _, ok := ComputeTransform(rotation, 640, 480); ok {
			t.Errorf("rotation %d: 未対応の回転で変換が返されました", rotation)
		}
	}
}

func TestTransform_IdentityAndString(t *testing.T) {
	tr, _ := ComputeTransform(Rotation0, 640, 480)
	if tr != Identity() {
		t.Errorf("rotation 0 は恒等変換のはず: %+v", tr)
	}

	if got := Identity().String(); got != "matrix(1, 0, 0, 1, 0, 0)" {
		t.Errorf("String() = %q", got)
	}
}
