package thermal

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildFrame assembles a wire frame whose pixel raster holds value base in
// every slot except pixel (0,0)=lo and the last pixel=hi.
func buildFrame(base, lo, hi uint16, jpeg, status []byte) []byte {
	thermal := make([]byte, thermalDataSkip+FrameHeight*rowStrideBytes)
	half := FrameWidth / 2
	for row := 0; row < FrameHeight; row++ {
		for col := 0; col < FrameWidth; col++ {
			off := thermalDataSkip + row*rowStrideBytes + col*2
			if col >= half {
				off += 4
			}
			v := base
			if row == 0 && col == 0 {
				v = lo
			}
			if row == FrameHeight-1 && col == FrameWidth-1 {
				v = hi
			}
			binary.LittleEndian.PutUint16(thermal[off:off+2], v)
		}
	}

	payload := append(append(append([]byte{}, thermal...), jpeg...), status...)

	var buf bytes.Buffer
	buf.Write(frameMagic)
	var header [24]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(thermal)))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(jpeg)))
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(status)))
	buf.Write(header[:])
	buf.Write(payload)
	return buf.Bytes()
}

func TestParseSingleFrame(t *testing.T) {
	p := &FrameParser{}
	frames := p.Push(buildFrame(1000, 400, 9000, []byte{0xFF, 0xD8}, []byte(`{"camState":"ready"}`)))

	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	f := frames[0]
	if f.Width != FrameWidth || f.Height != FrameHeight {
		t.Errorf("dims = %dx%d", f.Width, f.Height)
	}
	if len(f.Pixels) != FrameWidth*FrameHeight {
		t.Fatalf("pixel count = %d", len(f.Pixels))
	}
	if f.Min != 400 || f.Max != 9000 {
		t.Errorf("min/max = %d/%d, want 400/9000", f.Min, f.Max)
	}
	if f.Pixels[0] != 400 {
		t.Errorf("pixel (0,0) = %d, want 400", f.Pixels[0])
	}
	if f.Pixels[len(f.Pixels)-1] != 9000 {
		t.Errorf("last pixel = %d, want 9000", f.Pixels[len(f.Pixels)-1])
	}
	// Stride gap must not leak into pixel values.
	if f.Pixels[40] != 1000 {
		t.Errorf("pixel after the mid-row gap = %d, want 1000", f.Pixels[40])
	}
	if !bytes.Equal(f.Jpeg, []byte{0xFF, 0xD8}) {
		t.Errorf("jpeg section = %x", f.Jpeg)
	}
}

func TestParseSkipsGarbagePrefix(t *testing.T) {
	p := &FrameParser{}
	data := append(bytes.Repeat([]byte{0xAB}, 500), buildFrame(1000, 1000, 1000, nil, nil)...)
	frames := p.Push(data)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
}

func TestParseAcrossPushes(t *testing.T) {
	p := &FrameParser{}
	frame := buildFrame(1000, 1000, 1000, nil, nil)

	var frames []*Frame
	for i := 0; i < len(frame); i += 1000 {
		end := i + 1000
		if end > len(frame) {
			end = len(frame)
		}
		frames = append(frames, p.Push(frame[i:end])...)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames across pushes, want 1", len(frames))
	}
}

func TestParseMultipleFrames(t *testing.T) {
	p := &FrameParser{}
	data := append(buildFrame(1000, 1000, 1000, nil, nil), buildFrame(2000, 2000, 2000, nil, nil)...)
	frames := p.Push(data)
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[1].Min != 2000 {
		t.Errorf("second frame min = %d", frames[1].Min)
	}
}

func TestParseDropsGarbageWithoutMagic(t *testing.T) {
	p := &FrameParser{}
	if frames := p.Push(bytes.Repeat([]byte{0x42}, 5000)); len(frames) != 0 {
		t.Fatalf("garbage produced %d frames", len(frames))
	}
	if len(p.buf) > magicLen {
		t.Errorf("garbage buffer not dropped, %d bytes kept", len(p.buf))
	}
}

func TestParseRejectsUnknownVariant(t *testing.T) {
	// A declared thermal region too small for the fixed raster is a
	// different sensor variant; the frame must be dropped, not decoded.
	frame := buildFrame(1000, 1000, 1000, nil, nil)
	binary.LittleEndian.PutUint32(frame[8:12], 100) // shrink thermalSize

	p := &FrameParser{}
	if frames := p.Push(frame); len(frames) != 0 {
		t.Fatalf("variant frame decoded into %d frames", len(frames))
	}
	if p.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", p.Dropped())
	}
}

func TestFFCSuppression(t *testing.T) {
	p := &FrameParser{}

	before := buildFrame(1000, 1000, 1000, nil, []byte(`{"ffcState":"FFC_IN_PROGRESS"}`))
	after := buildFrame(2000, 2000, 2000, nil, []byte(`{"ffcState":"FFC_DONE"}`))
	clean := buildFrame(3000, 3000, 3000, nil, []byte(`{"ffcState":"FFC_DONE"}`))

	frames := p.Push(before)
	if len(frames) != 1 {
		t.Fatalf("FFC-in-progress frame dropped, want it delivered")
	}

	// The first frame after the FFC completes is suppressed.
	frames = p.Push(after)
	if len(frames) != 0 {
		t.Fatalf("post-FFC frame delivered, want suppressed")
	}

	frames = p.Push(clean)
	if len(frames) != 1 || frames[0].Min != 3000 {
		t.Fatalf("steady-state frame after FFC not delivered")
	}
}

func TestEncodeWire(t *testing.T) {
	f := &Frame{Width: 2, Height: 1, Pixels: []uint16{500, 60000}, Min: 500, Max: 60000}
	out := f.EncodeWire()

	if len(out) != 12+4 {
		t.Fatalf("wire length = %d", len(out))
	}
	if binary.LittleEndian.Uint16(out[0:2]) != 2 || binary.LittleEndian.Uint16(out[2:4]) != 1 {
		t.Error("wire dims wrong")
	}
	if binary.LittleEndian.Uint32(out[4:8]) != 500 || binary.LittleEndian.Uint32(out[8:12]) != 60000 {
		t.Error("wire min/max wrong")
	}
	if binary.LittleEndian.Uint16(out[12:14]) != 500 || binary.LittleEndian.Uint16(out[14:16]) != 60000 {
		t.Error("wire pixels wrong")
	}
}
