package bufpool

import "testing"

func TestGetReturnsUsableBuffer(t *testing.T) {
	p := New(64)
	buf := p.Get()
	if cap(buf) < 64 {
		t.Fatalf("expected capacity at least 64, got %d", cap(buf))
	}
	if len(buf) != 0 {
		t.Fatalf("expected zero length, got %d", len(buf))
	}
}

func TestPutResetsLength(t *testing.T) {
	p := New(8)
	buf := p.Get()
	buf = append(buf, 1, 2, 3)
	p.Put(buf)

	again := p.Get()
	if len(again) != 0 {
		t.Fatalf("expected reused buffer to have zero length, got %d", len(again))
	}
}
