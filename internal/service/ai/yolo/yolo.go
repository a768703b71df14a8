// Package yolo decodes raw YOLOv8-style detection tensors.
//
// The network output is laid out as [1, C, N]: for each of N anchors, rows
// 0..3 hold cx, cy, w, h; rows 4..4+nc-1 hold per-class scores; oriented-box
// models append one more row with the rotation angle in radians.
package yolo

import (
	"bufio"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"strings"
)

// Candidate is one anchor above the score threshold, in source-image pixels.
type Candidate struct {
	ClassID int
	Score   float32
	Box     image.Rectangle
	Angle   float64
}

// Layout describes an output tensor.
type Layout struct {
	Channels   int // C
	Anchors    int // N
	NumClasses int
}

// Oriented reports whether the tensor carries an angle row.
func (l Layout) Oriented() bool {
	return l.Channels == 4+l.NumClasses+1
}

// ErrUnknownClassCount is returned by NewLayout without a class count: C-4 and
// C-5 classes are both valid readings of the same tensor.
var ErrUnknownClassCount = errors.New("class count is required to read the output layout")

// NewLayout validates tensor dimensions [1, C, N] against the class count.
func NewLayout(dims []int, numClasses int) (Layout, error) {
	if len(dims) != 3 || dims[0] != 1 {
		return Layout{}, fmt.Errorf("unexpected output shape %v", dims)
	}
	if numClasses <= 0 {
		return Layout{}, ErrUnknownClassCount
	}
	l := Layout{Channels: dims[1], Anchors: dims[2], NumClasses: numClasses}
	if l.Channels != 4+l.NumClasses && !l.Oriented() {
		return Layout{}, fmt.Errorf("output shape %v does not match %d classes", dims, numClasses)
	}
	return l, nil
}

// Decode extracts candidates scoring at least threshold. xScale and yScale map
// network input coordinates back to the source image.
func Decode(values []float32, l Layout, threshold float32, xScale, yScale float64) ([]Candidate, error) {
	if len(values) < l.Channels*l.Anchors {
		return nil, fmt.Errorf("output has %d values, want %d", len(values), l.Channels*l.Anchors)
	}

	n := l.Anchors
	at := func(row, col int) float32 { return values[row*n+col] }

	var out []Candidate
	for i := 0; i < n; i++ {
		bestClass, bestScore := -1, float32(0)
		for c := 0; c < l.NumClasses; c++ {
			if s := at(4+c, i); s > bestScore {
				bestClass, bestScore = c, s
			}
		}
		if bestClass < 0 || bestScore < threshold {
			continue
		}

		cx, cy := float64(at(0, i)), float64(at(1, i))
		w, h := float64(at(2, i)), float64(at(3, i))
		box := image.Rect(
			int(math.Round((cx-w/2)*xScale)),
			int(math.Round((cy-h/2)*yScale)),
			int(math.Round((cx+w/2)*xScale)),
			int(math.Round((cy+h/2)*yScale)),
		)

		cand := Candidate{ClassID: bestClass, Score: bestScore, Box: box}
		if l.Oriented() {
			cand.Angle = float64(at(4+l.NumClasses, i))
		}
		out = append(out, cand)
	}
	return out, nil
}

// ReadClassNames reads one class name per line; blank lines and lines
// starting with '#' are skipped.
func ReadClassNames(r io.Reader) ([]string, error) {
	var names []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		names = append(names, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read class names: %w", err)
	}
	return names, nil
}

// ClassName maps a class id to its name, falling back to the numeric id.
func ClassName(names []string, id int) string {
	if id >= 0 && id < len(names) {
		return names[id]
	}
	return fmt.Sprintf("%d", id)
}

// Corners returns the four corners of a box rotated by angle around its center.
func Corners(box image.Rectangle, angle float64) [4]image.Point {
	cx := float64(box.Min.X+box.Max.X) / 2
	cy := float64(box.Min.Y+box.Max.Y) / 2
	hw := float64(box.Dx()) / 2
	hh := float64(box.Dy()) / 2
	sin, cos := math.Sincos(angle)

	var pts [4]image.Point
	for i, d := range [4][2]float64{{-hw, -hh}, {hw, -hh}, {hw, hh}, {-hw, hh}} {
		x := cx + d[0]*cos - d[1]*sin
		y := cy + d[0]*sin + d[1]*cos
		pts[i] = image.Pt(int(math.Round(x)), int(math.Round(y)))
	}
	return pts
}
