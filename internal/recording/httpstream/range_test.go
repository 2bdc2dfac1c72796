package httpstream

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRangeAbsentHeaderServesWhole(t *testing.T) {
	r, has, err := ParseRange("", 1000)
	require.NoError(t, err)
	require.False(t, has)
	require.Zero(t, r)
}

func TestParseRangeStartEnd(t *testing.T) {
	r, has, err := ParseRange("bytes=0-99", 1000)
	require.NoError(t, err)
	require.True(t, has)
	require.Equal(t, ByteRange{Start: 0, End: 99}, r)
	require.Equal(t, int64(100), r.Length())
}

func TestParseRangeOpenEndedClampsToTotal(t *testing.T) {
	r, has, err := ParseRange("bytes=900-", 1000)
	require.NoError(t, err)
	require.True(t, has)
	require.Equal(t, ByteRange{Start: 900, End: 999}, r)
}

func TestParseRangeSuffix(t *testing.T) {
	r, has, err := ParseRange("bytes=-500", 1000)
	require.NoError(t, err)
	require.True(t, has)
	require.Equal(t, ByteRange{Start: 500, End: 999}, r)
}

func TestParseRangeSuffixLargerThanTotalClamps(t *testing.T) {
	r, has, err := ParseRange("bytes=-5000", 1000)
	require.NoError(t, err)
	require.True(t, has)
	require.Equal(t, ByteRange{Start: 0, End: 999}, r)
}

func TestParseRangeEndClampsToTotal(t *testing.T) {
	r, has, err := ParseRange("bytes=0-5000", 1000)
	require.NoError(t, err)
	require.True(t, has)
	require.Equal(t, ByteRange{Start: 0, End: 999}, r)
}

func TestParseRangeMalformedMissingPrefix(t *testing.T) {
	_, _, err := ParseRange("0-99", 1000)
	require.ErrorIs(t, err, ErrMalformedRange)
}

func TestParseRangeMalformedNoDash(t *testing.T) {
	_, _, err := ParseRange("bytes=abc", 1000)
	require.ErrorIs(t, err, ErrMalformedRange)
}

func TestParseRangeMalformedMultipleRanges(t *testing.T) {
	_, _, err := ParseRange("bytes=0-10,20-30", 1000)
	require.ErrorIs(t, err, ErrMalformedRange)
}

func TestParseRangeUnsatisfiableStartBeyondTotal(t *testing.T) {
	_, _, err := ParseRange("bytes=2000-3000", 1000)
	require.ErrorIs(t, err, ErrUnsatisfiableRange)
}

func TestParseRangeUnsatisfiableZeroLengthFile(t *testing.T) {
	_, _, err := ParseRange("bytes=0-0", 0)
	require.ErrorIs(t, err, ErrUnsatisfiableRange)
}

func TestParseRangeUnsatisfiableZeroSuffix(t *testing.T) {
	_, _, err := ParseRange("bytes=-0", 1000)
	require.ErrorIs(t, err, ErrUnsatisfiableRange)
}
