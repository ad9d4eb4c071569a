package dibr

import "testing"

// columnImage gives every column a distinct colour: blue carries x, green
// carries y and red is fixed, so any pixel's source column can be read back.
func columnImage(w, h int) *Image {
	m := NewImage(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			m.Set(x, y, [3]uint8{uint8(x), uint8(y), 200})
		}
	}
	return m
}

func solidImage(w, h int, bgr [3]uint8) *Image {
	m := NewImage(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			m.Set(x, y, bgr)
		}
	}
	return m
}

// sourceColumns returns the blue channel of each pixel in row y, which is the
// source column for images built by columnImage.
func sourceColumns(m *Image, y int) []int {
	out := make([]int, m.Width)
	for x := 0; x < m.Width; x++ {
		out[x] = int(m.At(x, y)[Blue])
	}
	return out
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func mustRender(t *testing.T, src *Image, depth *DepthMap, opts Options) *Result {
	t.Helper()
	res, err := Render(src, depth, opts)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	return res
}
