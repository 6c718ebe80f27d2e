package uapi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDescriptorFlags(t *testing.T) {
	d := Descriptor{Flags: DescFNext | DescFWrite}
	require.True(t, d.HasNext())
	require.True(t, d.IsWriteOnly())
	require.False(t, d.IsIndirect())
}

func TestInflightHeaderRoundTrip(t *testing.T) {
	h := InflightHeaderABI{Version: InflightRegionVersion, DescNum: 1024, UsedIdx: 7, OldUsedIdx: 6}
	buf := MarshalInflightHeader(&h)
	require.Len(t, buf, 64)

	got, err := UnmarshalInflightHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestInflightDescRoundTrip(t *testing.T) {
	d := InflightDescABI{Inflight: 1, Counter: 42, Num: 3}
	buf := MarshalInflightDesc(&d)
	require.Len(t, buf, 24)

	got, err := UnmarshalInflightDesc(buf)
	require.NoError(t, err)
	require.Equal(t, d, got)
}

func TestBlkHeaderRoundTrip(t *testing.T) {
	h := BlkHeader{Type: BlkTypeOut, Sector: 128}
	buf := MarshalBlkHeader(&h)
	require.Len(t, buf, 16)

	got, err := UnmarshalBlkHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestUnmarshalInsufficientData(t *testing.T) {
	_, err := UnmarshalInflightHeader(make([]byte, 8))
	require.ErrorIs(t, err, ErrInsufficientData)

	_, err = UnmarshalInflightDesc(make([]byte, 4))
	require.ErrorIs(t, err, ErrInsufficientData)

	_, err = UnmarshalBlkHeader(make([]byte, 4))
	require.ErrorIs(t, err, ErrInsufficientData)
}
