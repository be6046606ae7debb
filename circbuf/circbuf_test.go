package circbuf

import "testing"

func TestFillDrainWraps(t *testing.T) {
	b := New(4)
	for round := 0; round < 3; round++ {
		for i := 0; i < 4; i++ {
			b.WriteByte(byte(round*4 + i))
		}
		if !b.Full() || b.Len() != 4 {
			t.Fatalf("round %d: full=%v len=%d", round, b.Full(), b.Len())
		}
		for i := 0; i < 4; i++ {
			if got := b.ReadByte(); got != byte(round*4+i) {
				t.Fatalf("round %d: read %d, want %d", round, got, round*4+i)
			}
		}
		if !b.Empty() {
			t.Fatalf("round %d: buffer not empty after drain", round)
		}
	}
}

func TestInterleavedReadWrite(t *testing.T) {
	b := New(3)
	b.WriteByte(1)
	b.WriteByte(2)
	if b.ReadByte() != 1 {
		t.Fatal("fifo order broken")
	}
	b.WriteByte(3)
	b.WriteByte(4)
	if !b.Full() {
		t.Fatal("expected full after refill")
	}
	for want := byte(2); want <= 4; want++ {
		if got := b.ReadByte(); got != want {
			t.Fatalf("read %d, want %d", got, want)
		}
	}
}

func TestWriteFullPanics(t *testing.T) {
	b := New(1)
	b.WriteByte(9)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic writing into a full buffer")
		}
	}()
	b.WriteByte(10)
}

func TestReadEmptyPanics(t *testing.T) {
	b := New(1)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic reading from an empty buffer")
		}
	}()
	b.ReadByte()
}
