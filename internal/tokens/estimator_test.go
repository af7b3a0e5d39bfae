package tokens

import "testing"

func TestEstimator_Count(t *testing.T) {
	e := NewEstimator()

	if got := e.Count(""); got != 0 {
		t.Errorf("Count(empty) = %d, want 0", got)
	}

	short := e.Count("hello")
	if short <= 0 {
		t.Errorf("Count(hello) = %d, want > 0", short)
	}

	long := e.Count("hello there, this is a considerably longer message with many more words")
	if long <= short {
		t.Errorf("Count(long) = %d, want > %d", long, short)
	}
}

func TestEstimator_ConcurrentUse(t *testing.T) {
	e := NewEstimator()
	done := make(chan int, 8)
	for i := 0; i < 8; i++ {
		go func() { done <- e.Count("some shared message text") }()
	}
	first := <-done
	for i := 1; i < 8; i++ {
		if got := <-done; got != first {
			t.Errorf("Count() = %d, want %d on every goroutine", got, first)
		}
	}
}

func TestFallbackCount(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"abcd", 1},
		{"abcde", 2},
		{"abcdefgh", 2},
		{"héllo wörld", 3}, // runes, not bytes
	}
	for _, tt := range tests {
		if got := fallbackCount(tt.text); got != tt.want {
			t.Errorf("fallbackCount(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}
