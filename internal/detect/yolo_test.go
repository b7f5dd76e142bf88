package detect

import (
	"image"
	"testing"

	"github.com/stretchr/testify/require"
)

// pack lays candidates out attribute-major the way the network does.
func pack(cands [][]float32) []float32 {
	attrs := len(cands[0])
	n := len(cands)
	out := make([]float32, attrs*n)
	for i, c := range cands {
		for a, v := range c {
			out[a*n+i] = v
		}
	}
	return out
}

func TestDecode(t *testing.T) {
	data := pack([][]float32{
		{320, 320, 100, 50, 0.9, 0.1},
		{322, 320, 100, 50, 0.8, 0.0},
		{100, 100, 40, 40, 0.2, 0.3},
		{500, 100, 40, 20, 0.1, 0.7},
	})

	got := DefaultDecoder().Decode(data, 6, 4, 1280, 640)
	require.Len(t, got, 2)

	require.Equal(t, ClassContainerNumber, got[0].Class)
	require.Equal(t, "cn-11", got[0].Label)
	require.InDelta(t, 0.9, got[0].Confidence, 1e-6)
	require.Equal(t, image.Rect(540, 295, 740, 345), got[0].Box)

	require.Equal(t, ClassISOType, got[1].Class)
	require.Equal(t, "iso-type", got[1].Label)
	require.Equal(t, image.Rect(960, 90, 1040, 110), got[1].Box)
}

func TestDecodeRejectsShortBuffers(t *testing.T) {
	d := DefaultDecoder()
	require.Nil(t, d.Decode(nil, 6, 4, 640, 640))
	require.Nil(t, d.Decode(make([]float32, 10), 6, 4, 640, 640))
	require.Nil(t, d.Decode(make([]float32, 16), 4, 4, 640, 640))
}

func TestDecodeClipsToFrame(t *testing.T) {
	data := pack([][]float32{{10, 10, 40, 40, 0.95, 0}})
	got := DefaultDecoder().Decode(data, 6, 1, 640, 640)
	require.Len(t, got, 1)
	require.Equal(t, image.Rect(0, 0, 30, 30), got[0].Box)
}

func TestNMSKeepsOtherClasses(t *testing.T) {
	box := image.Rect(0, 0, 100, 100)
	dets := []Detection{
		{Class: ClassContainerNumber, Box: box, Confidence: 0.6},
		{Class: ClassISOType, Box: box, Confidence: 0.7},
		{Class: ClassContainerNumber, Box: box.Add(image.Pt(5, 0)), Confidence: 0.9},
	}
	got := NMS(dets, 0.45)
	require.Len(t, got, 2)
	require.InDelta(t, 0.9, got[0].Confidence, 1e-9)
	require.Equal(t, ClassISOType, got[1].Class)
}

func TestIoU(t *testing.T) {
	tests := []struct {
		name string
		a, b image.Rectangle
		want float64
	}{
		{"identical", image.Rect(0, 0, 10, 10), image.Rect(0, 0, 10, 10), 1},
		{"disjoint", image.Rect(0, 0, 10, 10), image.Rect(20, 20, 30, 30), 0},
		{"half overlap", image.Rect(0, 0, 10, 10), image.Rect(5, 0, 15, 10), 50.0 / 150.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.InDelta(t, tt.want, IoU(tt.a, tt.b), 1e-9)
		})
	}
}

func TestClassLabel(t *testing.T) {
	require.Equal(t, "cn-11", ClassContainerNumber.Label())
	require.Equal(t, "iso-type", ClassISOType.Label())
	require.Equal(t, "class-7", Class(7).Label())
}
