package sab

import "testing"

func TestInMemoryProviderReadWrite(t *testing.T) {
	provider := NewInMemoryProvider(64)
	defer provider.Close()

	data := []byte{1, 2, 3, 4, 5}
	if err := provider.WriteAt(8, data); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	read := make([]byte, len(data))
	if err := provider.ReadAt(8, read); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	for i, v := range data {
		if read[i] != v {
			t.Fatalf("unexpected byte at %d: %d != %d", i, read[i], v)
		}
	}
}

func TestInMemoryProviderAtomic(t *testing.T) {
	provider := NewInMemoryProvider(16)
	defer provider.Close()

	if err := provider.AtomicStore32(4, 10); err != nil {
		t.Fatalf("store failed: %v", err)
	}
	val, err := provider.AtomicLoad32(4)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if val != 10 {
		t.Fatalf("expected 10, got %d", val)
	}
	newVal, err := provider.AtomicAdd32(4, 5)
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if newVal != 15 {
		t.Fatalf("expected 15, got %d", newVal)
	}
}

func TestInMemoryProviderMisaligned(t *testing.T) {
	provider := NewInMemoryProvider(16)
	defer provider.Close()

	if _, err := provider.AtomicLoad32(2); err != ErrMisaligned {
		t.Fatalf("expected misaligned error, got %v", err)
	}
}

func TestInMemoryProviderBounds(t *testing.T) {
	provider := NewInMemoryProvider(16)

	if err := provider.WriteAt(0xFFFFFFF0, make([]byte, 32)); err != ErrOutOfBounds {
		t.Fatalf("expected out of bounds on wrapping offset, got %v", err)
	}
	if _, err := provider.AtomicLoad32(16); err != ErrOutOfBounds {
		t.Fatalf("expected out of bounds, got %v", err)
	}

	provider.Close()
	if err := provider.ReadAt(0, make([]byte, 4)); err != ErrClosed {
		t.Fatalf("expected closed error, got %v", err)
	}
}

func TestInMemoryProviderSlice(t *testing.T) {
	provider := NewInMemoryProvider(64)
	defer provider.Close()

	window, err := provider.Slice(8, 8)
	if err != nil {
		t.Fatalf("slice failed: %v", err)
	}
	window[0] = 0xAB

	read := make([]byte, 1)
	if err := provider.ReadAt(8, read); err != nil || read[0] != 0xAB {
		t.Fatalf("slice is not a view of provider memory: %v %x", err, read)
	}
}
