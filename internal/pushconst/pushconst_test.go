package pushconst

import (
	"errors"
	"testing"
)

func TestPackBufferRoundTrip(t *testing.T) {
	for index := uint32(0); index <= MaxIndex; index += 257 {
		for element := uint32(0); element <= MaxIndex; element += 331 {
			gotIndex, gotElement := UnpackBuffer(PackBuffer(index, element))
			if gotIndex != index || gotElement != element {
				t.Fatalf("unpack(pack(%d, %d)) = (%d, %d)", index, element, gotIndex, gotElement)
			}
		}
	}

	// Boundaries.
	edges := []uint32{0, 1, 0x7FFF, 0x8000, 0xFFFE, MaxIndex}
	for _, index := range edges {
		for _, element := range edges {
			gotIndex, gotElement := UnpackBuffer(PackBuffer(index, element))
			if gotIndex != index || gotElement != element {
				t.Errorf("unpack(pack(%d, %d)) = (%d, %d)", index, element, gotIndex, gotElement)
			}
		}
	}
}

func TestPackBufferTruncatesElement(t *testing.T) {
	_, element := UnpackBuffer(PackBuffer(3, 0x1_0005))
	if element != 5 {
		t.Errorf("element = %d, want 5", element)
	}
}

func TestPackIndexOverflowPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("PackIndex(0x10000) did not panic")
		}
	}()
	PackIndex(0x10000)
}

func TestNewLayout(t *testing.T) {
	tests := []struct {
		name    string
		size    uint32
		slots   []Slot
		wantErr error
	}{
		{
			name: "valid",
			size: 16,
			slots: []Slot{
				{Name: "material", Offset: 0, Kind: SlotConstants},
				{Name: "albedo", Offset: 4, Kind: SlotTexture},
				{Name: "albedo_sampler", Offset: 8, Kind: SlotSampler},
			},
		},
		{
			name:    "misaligned",
			size:    16,
			slots:   []Slot{{Name: "a", Offset: 2}},
			wantErr: ErrMisaligned,
		},
		{
			name:    "out of range",
			size:    8,
			slots:   []Slot{{Name: "a", Offset: 8}},
			wantErr: ErrOutOfRange,
		},
		{
			name:    "overlap",
			size:    8,
			slots:   []Slot{{Name: "a", Offset: 4}, {Name: "b", Offset: 4}},
			wantErr: ErrOverlap,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := NewLayout(tt.size, tt.slots)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewLayout: %v", err)
			}
			if l.Size() != tt.size {
				t.Errorf("Size() = %d, want %d", l.Size(), tt.size)
			}
			slots := l.Slots()
			for i := 1; i < len(slots); i++ {
				if slots[i-1].Offset >= slots[i].Offset {
					t.Errorf("Slots() not ordered by offset: %+v", slots)
				}
			}
			if _, ok := l.Lookup("missing"); ok {
				t.Error("Lookup(missing) reported a slot")
			}
		})
	}
}

func TestNewLayoutOversizedPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("NewLayout(132) did not panic")
		}
	}()
	_, _ = NewLayout(MaxSize+4, nil)
}

func TestBlock(t *testing.T) {
	var b Block
	b.Reset(12)
	b.Put(0, PackBuffer(7, 2))
	b.Put(8, PackIndex(9))

	if got := len(b.Bytes()); got != 12 {
		t.Fatalf("len(Bytes()) = %d, want 12", got)
	}
	if idx, el := UnpackBuffer(b.Get(0)); idx != 7 || el != 2 {
		t.Errorf("slot 0 = (%d, %d), want (7, 2)", idx, el)
	}
	if got := b.Get(4); got != 0 {
		t.Errorf("unwritten slot = %d, want 0", got)
	}
	if got := b.Get(8); got != 9 {
		t.Errorf("slot 8 = %d, want 9", got)
	}

	b.Reset(4)
	if got := b.Get(0); got != 0 {
		t.Errorf("after Reset slot 0 = %d, want 0", got)
	}
}

func TestBlockPutOutsidePanics(t *testing.T) {
	var b Block
	b.Reset(4)
	defer func() {
		if recover() == nil {
			t.Fatal("Put outside block did not panic")
		}
	}()
	b.Put(4, 1)
}
