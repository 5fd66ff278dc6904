// ABOUTME: Tests for the ring buffer
// ABOUTME: FIFO law, refused operations and concurrent producer/consumer
package ringbuf

import (
	"bytes"
	"math/rand"
	"sync"
	"testing"
)

func TestSequence(t *testing.T) {
	b := New(8)

	steps := []struct {
		op       string
		n        int
		wantOK   bool
		occupied int
	}{
		{"append", 4, true, 4},
		{"append", 2, true, 6},
		{"consume", 3, true, 3},
		{"append", 5, true, 8},
		{"append", 1, false, 8},
		{"reset", 0, true, 0},
		{"consume", 1, false, 0},
	}

	for i, s := range steps {
		var ok bool
		switch s.op {
		case "append":
			ok = b.Append(bytes.Repeat([]byte{byte(i)}, s.n))
		case "consume":
			_, ok = b.Consume(s.n)
		case "reset":
			b.Reset()
			ok = true
		}

		if ok != s.wantOK {
			t.Errorf("step %d (%s %d): expected ok=%v, got %v", i, s.op, s.n, s.wantOK, ok)
		}
		if got := b.Occupied(); got != s.occupied {
			t.Errorf("step %d (%s %d): expected occupied %d, got %d", i, s.op, s.n, s.occupied, got)
		}
		if got := b.FreeSpace(); got != b.Cap()-s.occupied {
			t.Errorf("step %d: expected free %d, got %d", i, b.Cap()-s.occupied, got)
		}
	}
}

func TestWrapAround(t *testing.T) {
	b := New(8)

	b.Append([]byte("abcdef"))
	if got, _ := b.Consume(5); string(got) != "abcde" {
		t.Fatalf("expected abcde, got %q", got)
	}

	// tail is at 6, so this write wraps
	if !b.Append([]byte("ghijklm")) {
		t.Fatal("expected wrapped append to succeed")
	}
	if b.FreeSpace() != 0 {
		t.Errorf("expected full buffer, got %d free", b.FreeSpace())
	}

	got, ok := b.Consume(8)
	if !ok {
		t.Fatal("expected consume of full buffer to succeed")
	}
	if string(got) != "fghijklm" {
		t.Errorf("expected fghijklm, got %q", got)
	}
	if b.Occupied() != 0 {
		t.Errorf("expected empty buffer, got %d occupied", b.Occupied())
	}
}

func TestRefusedOperationsLeaveStateUnchanged(t *testing.T) {
	b := New(10)
	b.Append([]byte("0123456"))
	b.Consume(2)

	if b.Append([]byte("toolong")) {
		t.Error("expected append beyond free space to fail")
	}
	if _, ok := b.Consume(6); ok {
		t.Error("expected consume beyond occupied to fail")
	}
	if _, ok := b.Consume(-1); ok {
		t.Error("expected negative consume to fail")
	}

	got, ok := b.Consume(5)
	if !ok || string(got) != "23456" {
		t.Errorf("expected 23456 after refused operations, got %q (ok=%v)", got, ok)
	}
}

func TestFIFOLaw(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 200; trial++ {
		capacity := 1 + rng.Intn(64)
		b := New(capacity)

		var model []byte
		var next byte

		for op := 0; op < 100; op++ {
			if rng.Intn(2) == 0 {
				n := rng.Intn(capacity + 1)
				data := make([]byte, n)
				for i := range data {
					data[i] = next
					next++
				}
				ok := b.Append(data)
				if fits := len(model)+n <= capacity; ok != fits {
					t.Fatalf("trial %d: append %d with %d/%d stored: expected ok=%v", trial, n, len(model), capacity, fits)
				}
				if ok {
					model = append(model, data...)
				}
			} else {
				n := rng.Intn(capacity + 1)
				got, ok := b.Consume(n)
				if avail := n <= len(model); ok != avail {
					t.Fatalf("trial %d: consume %d with %d stored: expected ok=%v", trial, n, len(model), avail)
				}
				if ok {
					if !bytes.Equal(got, model[:n]) {
						t.Fatalf("trial %d: expected %v, got %v", trial, model[:n], got)
					}
					model = model[n:]
				}
			}

			if b.Occupied() != len(model) {
				t.Fatalf("trial %d: expected occupied %d, got %d", trial, len(model), b.Occupied())
			}
		}
	}
}

func TestConcurrentProducerConsumer(t *testing.T) {
	const total = 64 * 1024
	b := New(1024)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		var next byte
		for written := 0; written < total; {
			chunk := make([]byte, 100)
			for i := range chunk {
				chunk[i] = next + byte(i)
			}
			if written+len(chunk) > total {
				chunk = chunk[:total-written]
			}
			if b.Append(chunk) {
				next += byte(len(chunk))
				written += len(chunk)
			}
		}
	}()

	var received []byte
	go func() {
		defer wg.Done()
		p := make([]byte, 64)
		for len(received) < total {
			want := len(p)
			if total-len(received) < want {
				want = total - len(received)
			}
			if b.ConsumeInto(p[:want]) {
				received = append(received, p[:want]...)
			}
		}
	}()

	wg.Wait()

	for i, v := range received {
		if v != byte(i) {
			t.Fatalf("byte %d: expected %d, got %d", i, byte(i), v)
		}
	}
}
