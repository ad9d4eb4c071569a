//go:build !gocv
// +build !gocv

package dibr

import (
	"errors"
	"testing"
)

func TestTeleaFillerWithoutGoCV(t *testing.T) {
	_, err := TeleaFiller{Radius: 1}.Fill(canvasRows([]int{1, -1, 2}))
	if !errors.Is(err, ErrComputation) || !errors.Is(err, ErrGoCVRequired) {
		t.Fatalf("error = %v; want ErrComputation wrapping ErrGoCVRequired", err)
	}
}

func TestParseTeleaWithoutGoCV(t *testing.T) {
	for _, name := range []string{"telea", "inpaint"} {
		f, err := ParseFillStrategy(name, 2)
		if !errors.Is(err, ErrInvalidInput) || !errors.Is(err, ErrGoCVRequired) {
			t.Errorf("ParseFillStrategy(%q, 2) error = %v; want ErrInvalidInput wrapping ErrGoCVRequired", name, err)
		}
		if f != nil {
			t.Errorf("ParseFillStrategy(%q, 2) returned %T", name, f)
		}
	}
}
