package bufpool

import "testing"

func TestGetReturnsRequestedSize(t *testing.T) {
	p := New(8)
	buf := p.Get()
	if len(buf) != 8 {
		t.Fatalf("Get() len = %d, want 8", len(buf))
	}
}

func TestPutThenGetReusesSlice(t *testing.T) {
	p := New(8)
	buf := p.Get()
	buf[0] = 'x'
	p.Put(buf)

	got := p.Get()
	if len(got) != 8 {
		t.Fatalf("Get() len = %d, want 8", len(got))
	}
}

func TestPutDropsMismatchedCapacity(t *testing.T) {
	p := New(8)
	wrongSize := make([]byte, 4)
	p.Put(wrongSize) // must not panic, must not be recycled

	for i := 0; i < 8; i++ {
		buf := p.Get()
		if len(buf) != 8 {
			t.Fatalf("Get() len = %d, want 8", len(buf))
		}
	}
}
