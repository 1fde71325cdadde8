package flags

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	tests := [][]string{
		{},
		{Seen},
		{Seen, Deleted},
		{Answered, Flagged, Draft, MDNSent, Forwarded},
		{SubmitPending, Submitted, Junk, NonJunk},
		{Label1, Label2, Label3, Label4, Label5},
		{HasAttachment, HasNoAttachment},
		{Seen, Deleted, Answered, Flagged, Draft, MDNSent, Forwarded, SubmitPending,
			Submitted, Junk, NonJunk, Label1, Label2, Label3, Label4, Label5,
			HasAttachment, HasNoAttachment},
	}

	for _, names := range tests {
		s := NewSet(names...)
		require.ElementsMatch(t, names, Unpack(Pack(s)).ToSlice())
	}
}

func TestPackDropsUnknownFlags(t *testing.T) {
	s := NewSet(Seen, "BOGUS", "CUSTOM-X-FLAG")

	require.Equal(t, Bits(1), Pack(s))
}

func TestRegistryValues(t *testing.T) {
	require.Equal(t, Bits(1), registry[Seen])
	require.Equal(t, Bits(2), registry[Deleted])
	require.Equal(t, Bits(4), registry[Answered])
	require.Equal(t, Bits(8), registry[Flagged])
	require.Equal(t, Bits(16), registry[Draft])
	require.Equal(t, Bits(32), registry[MDNSent])
	require.Equal(t, Bits(64), registry[Forwarded])
	require.Equal(t, Bits(128), registry[SubmitPending])
	require.Equal(t, Bits(256), registry[Submitted])
	require.Equal(t, Bits(512), registry[Junk])
	require.Equal(t, Bits(1024), registry[NonJunk])
	require.Equal(t, Bits(2048), registry[Label1])
	require.Equal(t, Bits(4096), registry[Label2])
	require.Equal(t, Bits(8192), registry[Label3])
	require.Equal(t, Bits(16384), registry[Label4])
	require.Equal(t, Bits(32768), registry[Label5])
	require.Equal(t, Bits(65536), registry[HasAttachment])
	require.Equal(t, Bits(131072), registry[HasNoAttachment])
}

func TestHasWithWithout(t *testing.T) {
	var bits Bits

	require.False(t, Has(bits, Seen))

	bits = With(bits, Seen)
	require.True(t, Has(bits, Seen))
	require.Equal(t, Bits(1), bits)

	bits = With(bits, "BOGUS")
	require.Equal(t, Bits(1), bits, "unknown flag must not change the bitmap")

	bits = Without(bits, Seen)
	require.False(t, Has(bits, Seen))
	require.Equal(t, Bits(0), bits)
}

func TestKnown(t *testing.T) {
	require.True(t, Known(Seen))
	require.True(t, Known(HasNoAttachment))
	require.False(t, Known("BOGUS"))
	require.False(t, Known(""))
}
