package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashToCurve_Vectors(t *testing.T) {
	tests := []struct {
		msg  string
		want string
	}{
		{
			msg:  "0000000000000000000000000000000000000000000000000000000000000000",
			want: "024cce997d3b518f739663b757deaec95bcd9473c30a14ac2fd04023a739d1a725",
		},
		{
			msg:  "0000000000000000000000000000000000000000000000000000000000000001",
			want: "022e7158e11c9506f1aa4248bf531298daa7febd6194f003edcd9b93ade6253acf",
		},
	}

	for _, tt := range tests {
		msg, err := hex.DecodeString(tt.msg)
		require.NoError(t, err)
		pk, err := HashToCurve(msg)
		require.NoError(t, err)
		assert.Equal(t, tt.want, hex.EncodeToString(pk.SerializeCompressed()))
	}
}

func TestYHex(t *testing.T) {
	a, err := YHex("secret-a")
	require.NoError(t, err)
	again, err := DefaultDeriver("secret-a")
	require.NoError(t, err)
	b, err := YHex("secret-b")
	require.NoError(t, err)

	assert.Len(t, a, 66)
	assert.Equal(t, "02", a[:2])
	assert.Equal(t, a, again)
	assert.NotEqual(t, a, b)
}
