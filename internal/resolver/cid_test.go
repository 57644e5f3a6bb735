package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/savedplaces/internal/places"
)

func TestDecodeCID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		ref  string
		want uint64
	}{
		{"takeout url", "https://www.google.com/maps/place/Joe's+Pizza/data=!4m2!3m1!1s0x89c25992a2c1d2e3:0x1f2a3b4c5d6e7f80", 2245672563368689536},
		{"trailing query", "https://maps.google.com/?q=x&ftid=0x0:0xff?hl=en", 255},
		{"upper hex digits", "https://maps/0xABC", 2748},
		{"max uint64", "https://maps/0xffffffffffffffff", 18446744073709551615},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeCID(tc.ref)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDecodeCIDErrors(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"https://www.google.com/maps/place/NoHexHere": "missing 0x segment",
		"https://maps/0x1:0x":                          "empty CID segment",
		"https://maps/0xzz":                            "empty CID segment",
		"https://maps/0x1ffffffffffffffff":             "CID overflows 64 bits",
	}
	for ref, reason := range cases {
		t.Run(reason, func(t *testing.T) {
			_, err := DecodeCID(ref)
			var resErr *places.ResolutionError
			require.ErrorAs(t, err, &resErr)
			assert.Equal(t, reason, resErr.Reason)
			assert.Equal(t, ref, resErr.Ref)
		})
	}
}
