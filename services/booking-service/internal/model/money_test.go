package model

import "testing"

func TestSplitFee(t *testing.T) {
	cases := []struct {
		total    int64
		fee      int64
		earnings int64
	}{
		{10000, 1000, 9000},
		{0, 0, 0},
		{1, 0, 1},     // 0.1 cents rounds down
		{5, 1, 4},     // 0.5 cents rounds up
		{9999, 1000, 8999},
		{12345, 1235, 11110},
	}
	for _, c := range cases {
		fee, earnings := SplitFee(c.total)
		if fee != c.fee || earnings != c.earnings {
			t.Fatalf("SplitFee(%d) = (%d, %d), want (%d, %d)", c.total, fee, earnings, c.fee, c.earnings)
		}
	}
}

func TestSplitFeeSumsExactly(t *testing.T) {
	for total := int64(0); total <= 100000; total++ {
		fee, earnings := SplitFee(total)
		if fee+earnings != total {
			t.Fatalf("SplitFee(%d): fee %d + earnings %d != total", total, fee, earnings)
		}
		if fee < 0 || earnings < 0 {
			t.Fatalf("SplitFee(%d): negative component (%d, %d)", total, fee, earnings)
		}
	}
}

func TestPriceFor(t *testing.T) {
	cases := []struct {
		rate  int64
		mins  int
		total int64
	}{
		{12000, 60, 12000},
		{12000, 30, 6000},
		{12000, 45, 9000},
		{10000, 20, 3333}, // 3333.33 rounds down
		{10000, 25, 4167}, // 4166.66 rounds up
		{0, 60, 0},
	}
	for _, c := range cases {
		if got := PriceFor(c.rate, c.mins); got != c.total {
			t.Fatalf("PriceFor(%d, %d) = %d, want %d", c.rate, c.mins, got, c.total)
		}
	}
}
