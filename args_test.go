package duraq

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type sampleArgs struct {
	CustomerID int    `json:"customer_id"`
	Kind       string `json:"kind"`
}

func (sampleArgs) Worker() string { return "sample_worker" }

func TestEncodeDecodeArgsRoundTrip(t *testing.T) {
	t.Parallel()

	in := sampleArgs{CustomerID: 7, Kind: "welcome"}
	raw, err := encodeArgs(in)
	require.NoError(t, err)

	var out sampleArgs
	require.NoError(t, decodeArgs(raw, &out))
	require.Equal(t, in, out)
}

func TestDecodeArgsEmptyRawDefaultsToEmptyObject(t *testing.T) {
	t.Parallel()

	var out sampleArgs
	require.NoError(t, decodeArgs(nil, &out))
	require.Equal(t, sampleArgs{}, out)
}

func TestDecodeArgsInvalidJSON(t *testing.T) {
	t.Parallel()

	var out sampleArgs
	err := decodeArgs([]byte(`{not json`), &out)
	require.Error(t, err)
}
