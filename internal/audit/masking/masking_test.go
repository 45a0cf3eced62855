package masking

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMaskMetadata(t *testing.T) {
	out := MaskMetadata(map[string]any{
		"reference": "01HZX3Q7Y0ABCDEF",
		"amount":    "10.0000",
		"payment": map[string]any{
			"receipt_number": "RC-99812",
		},
		"": "dropped",
	})

	require.Equal(t, "****CDEF", out["reference"])
	require.Equal(t, "10.0000", out["amount"])
	require.Equal(t, "****9812", out["payment"].(map[string]any)["receipt_number"])
	require.NotContains(t, out, "")
}

func TestMaskSecretShortValue(t *testing.T) {
	require.Equal(t, "****", MaskSecret("abc"))
	require.Equal(t, "", MaskSecret("  "))
}
