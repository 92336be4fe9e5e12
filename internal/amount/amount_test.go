package amount

import (
	"errors"
	"math/big"
	"testing"
)

func TestToBase(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in       string
		decimals int32
		want     string
		wantErr  bool
	}{
		{in: "10", decimals: 18, want: "10000000000000000000"},
		{in: "9.9", decimals: 18, want: "9900000000000000000"},
		{in: "0.1", decimals: 6, want: "100000"},
		{in: "1.0000001", decimals: 6, wantErr: true},
		{in: "-1", decimals: 18, wantErr: true},
		{in: "abc", decimals: 18, wantErr: true},
		{in: "", decimals: 18, wantErr: true},
	}
	for _, tc := range cases {
		got, err := ToBase(tc.in, tc.decimals)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidAmount) {
				t.Fatalf("ToBase(%q): got err %v want ErrInvalidAmount", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ToBase(%q): %v", tc.in, err)
		}
		if got.String() != tc.want {
			t.Fatalf("ToBase(%q): got %s want %s", tc.in, got, tc.want)
		}
	}
}

func TestString(t *testing.T) {
	t.Parallel()

	v, _ := new(big.Int).SetString("3900000000000000000", 10)
	if got := String(v, 18); got != "3.9" {
		t.Fatalf("String: got %s want 3.9", got)
	}
	if got := String(nil, 18); got != "0" {
		t.Fatalf("String(nil): got %s want 0", got)
	}
}
