package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPCMFloatRoundTrip(t *testing.T) {
	t.Parallel()

	samples := []int16{0, 1, -1, 100, -100, 3277, -3277, 32767, -32768}

	back := Float32ToPCM(PCMToFloat32(samples))
	require.Len(t, back, len(samples))
	for i, want := range samples {
		diff := int(back[i]) - int(want)
		if diff < 0 {
			diff = -diff
		}
		assert.LessOrEqual(t, diff, 1, "sample %d: got %d want %d", i, back[i], want)
	}
}

func TestMulawRoundTripSilence(t *testing.T) {
	t.Parallel()

	// Encoded zero must decode back to (near) zero
	encoded := PCMToMulaw([]int16{0, 0, 0})
	decoded := MulawToPCM(encoded)
	for _, s := range decoded {
		assert.InDelta(t, 0, s, 8)
	}
}

func TestMulawEncodeMinSample(t *testing.T) {
	t.Parallel()

	// The most negative sample clips like its neighbor instead of
	// wrapping positive
	got := MulawToPCM(PCMToMulaw([]int16{-32768, -32767}))
	require.Len(t, got, 2)
	assert.Equal(t, got[1], got[0])
	assert.Equal(t, int16(-32124), got[0])
}

func TestAlawRoundTrip(t *testing.T) {
	t.Parallel()

	// Expected values are the segment midpoints of the codec, so a second
	// round trip must be exact
	cases := []struct {
		name string
		in   int16
		want int16
	}{
		{"zero", 0, 8},
		{"small positive", 100, 104},
		{"segment boundary", 256, 264},
		{"mid positive", 1000, 1008},
		{"mid negative", -1000, -1008},
		{"loud positive", 8000, 8064},
		{"loud negative", -8000, -8064},
		{"near max", 32000, 32256},
		{"max", 32767, 32256},
		{"min clamps", -32768, -32256},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := AlawToPCM(PCMToAlaw([]int16{tc.in}))
			require.Len(t, got, 1)
			assert.Equal(t, tc.want, got[0])

			again := AlawToPCM(PCMToAlaw(got))
			assert.Equal(t, got[0], again[0])
		})
	}
}

func TestConvertLinearToAlaw(t *testing.T) {
	t.Parallel()

	pcm := PCMToBytes(make([]int16, 160))
	out, err := Convert(pcm, "linear16", 8000, "alaw", 8000)
	require.NoError(t, err)
	require.Len(t, out, 160)
	for _, b := range out {
		assert.Equal(t, byte(0xD5), b, "alaw silence byte")
	}
}

func TestConvertMulawToLinear(t *testing.T) {
	t.Parallel()

	mulaw := make([]byte, 160) // 20ms at 8kHz
	for i := range mulaw {
		mulaw[i] = 0xFF
	}

	out, err := Convert(mulaw, "mulaw", 8000, "linear16", 8000)
	require.NoError(t, err)
	assert.Len(t, out, 320, "linear16 doubles the byte count")
}

func TestConvertRejectsUnknownCodec(t *testing.T) {
	t.Parallel()

	_, err := Convert([]byte{1, 2}, "opus", 8000, "linear16", 8000)
	require.Error(t, err)
}

func TestResampleChangesLength(t *testing.T) {
	t.Parallel()

	input := make([]int16, 80)
	out := Resample(input, 8000, 16000)
	assert.Len(t, out, 160)

	out = Resample(input, 16000, 8000)
	assert.Len(t, out, 40)
}

func TestBytesToPCMRejectsOddLength(t *testing.T) {
	t.Parallel()

	_, err := BytesToPCM([]byte{1, 2, 3})
	require.Error(t, err)
}
