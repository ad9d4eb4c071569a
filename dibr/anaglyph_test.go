package dibr

import (
	"errors"
	"testing"
)

func TestCompositePureCopiesChannels(t *testing.T) {
	left := columnImage(7, 3)
	right := NewImage(7, 3)
	for i := range right.Pix {
		right.Pix[i] = uint8(255 - i%251)
	}
	out, err := Composite(left, right, ModePure)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < len(out.Pix); i += Channels {
		if out.Pix[i+Blue] != right.Pix[i+Blue] || out.Pix[i+Green] != right.Pix[i+Green] {
			t.Fatalf("pixel %d blue/green not taken from the right view", i/Channels)
		}
		if out.Pix[i+Red] != left.Pix[i+Red] {
			t.Fatalf("pixel %d red not taken from the left view", i/Channels)
		}
	}
}

func TestDuboisMatricesInWorkingOrder(t *testing.T) {
	tests := []struct {
		name     string
		m        matrix
		out, in  int
		expected float64
	}{
		{"left red from red", duboisLeft, Red, Red, 0.437},
		{"left red from blue", duboisLeft, Red, Blue, 0.164},
		{"left blue from red", duboisLeft, Blue, Red, -0.048},
		{"right blue from blue", duboisRight, Blue, Blue, 1.234},
		{"right blue from green", duboisRight, Blue, Green, -0.093},
		{"right green from green", duboisRight, Green, Green, 0.761},
		{"right green from blue", duboisRight, Green, Blue, 0.009},
	}
	for _, tt := range tests {
		if got := tt.m[tt.out][tt.in]; got != tt.expected {
			t.Errorf("%s = %v; want %v", tt.name, got, tt.expected)
		}
	}
}

func TestCompositeOptimized(t *testing.T) {
	tests := []struct {
		name        string
		left, right [3]uint8 // B,G,R
		want        [3]uint8
	}{
		{"black", [3]uint8{}, [3]uint8{}, [3]uint8{}},
		// 0.437*255 = 111.4 in red, the negative rows clamp to zero
		{"red left only", [3]uint8{0, 0, 255}, [3]uint8{}, [3]uint8{0, 0, 111}},
		// blue 1.234*255 clamps, green 0.009*255 = 2.3
		{"blue right only", [3]uint8{}, [3]uint8{255, 0, 0}, [3]uint8{255, 2, 0}},
		// green 0.761*255 = 194.1, blue -0.093*255 clamps, red -0.032*255 clamps
		{"green right only", [3]uint8{}, [3]uint8{0, 255, 0}, [3]uint8{0, 194, 0}},
		// each row of the pair sums to about one
		{"white", [3]uint8{255, 255, 255}, [3]uint8{255, 255, 255}, [3]uint8{255, 255, 255}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Composite(solidImage(2, 2, tt.left), solidImage(2, 2, tt.right), ModeOptimized)
			if err != nil {
				t.Fatal(err)
			}
			if got := out.At(1, 1); got != tt.want {
				t.Errorf("Composite() = %v; want %v", got, tt.want)
			}
		})
	}
}

func TestCompositeInvalid(t *testing.T) {
	a := NewImage(4, 4)
	if _, err := Composite(a, NewImage(4, 3), ModePure); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("size mismatch error = %v; want ErrInvalidInput", err)
	}
	if _, err := Composite(a, a, Mode(9)); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("bad mode error = %v; want ErrInvalidInput", err)
	}
	if _, err := Composite(nil, a, ModePure); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("nil image error = %v; want ErrInvalidInput", err)
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"pure", ModePure, false},
		{"", ModePure, false},
		{"optimized", ModeOptimized, false},
		{"Optimised", ModeOptimized, false},
		{"dubois", ModeOptimized, false},
		{"half-colour", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("ParseMode(%q) error = %v; want ErrInvalidInput", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseMode(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
	if ModeOptimized.String() != "optimized" || Mode(5).String() != "Mode(5)" {
		t.Errorf("unexpected Mode.String() output")
	}
}
