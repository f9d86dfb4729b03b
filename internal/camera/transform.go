package camera

import (
	"fmt"
	"math"
)

// Transform は2次元アフィン変換を表す
//
//	x' = A*x + C*y + E
//	y' = B*x + D*y + F
//
// 並びはCSSのmatrix()と同じ
type Transform struct {
	A, B, C, D, E, F float64
}

// Identity は恒等変換を返す
func Identity() Transform {
	return Transform{A: 1, D: 1}
}

// quarterTurns は -rotation 回転の行列成分 (A, B, C, D)
// 90度単位は誤差が出ないよう定数で持つ
var quarterTurns = map[Rotation][4]float64{
	Rotation0:   {1, 0, 0, 1},
	Rotation90:  {0, -1, 1, 0},
	Rotation180: {-1, 0, 0, -1},
	Rotation270: {0, 1, -1, 0},
}

// ComputeTransform はディスプレイの回転を打ち消す変換を計算する
// ビューポート中心 (width/2, height/2) を軸に -rotation 度回転させる
// 未対応の回転値ではfalseを返し、呼び出し側は直前の変換を維持する
func ComputeTransform(rotation Rotation, width, height float64) (Transform, bool) {
	m, ok := quarterTurns[rotation]
	if !ok {
		return Transform{}, false
	}

	cx := width / 2
	cy := height / 2

	return Transform{
		A: m[0],
		B: m[1],
		C: m[2],
		D: m[3],
		E: cx - m[0]*cx - m[2]*cy,
		F: cy - m[1]*cx - m[3]*cy,
	}, true
}

// Apply は点 (x, y) を変換する
func (t Transform) Apply(x, y float64) (float64, float64) {
	return t.A*x + t.C*y + t.E, t.B*x + t.D*y + t.F
}

// Degrees は回転成分の角度を [-180, 180) の範囲で返す
func (t Transform) Degrees() float64 {
	deg := math.Atan2(t.B, t.A) * 180 / math.Pi
	if deg >= 180 {
		deg -= 360
	}
	return deg
}

// String はCSSのmatrix()表記を返す
func (t Transform) String() string {
	return fmt.Sprintf("matrix(%g, %g, %g, %g, %g, %g)", t.A, t.B, t.C, t.D, t.E, t.F)
}
