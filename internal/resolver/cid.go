package resolver

import (
	"errors"
	"strconv"
	"strings"

	"github.com/JakeFAU/savedplaces/internal/places"
)

// DecodeCID extracts the numeric content ID from the hexadecimal run that
// follows the last "0x" in a saved-place URL.
func DecodeCID(ref string) (uint64, error) {
	idx := strings.LastIndex(ref, "0x")
	if idx < 0 {
		return 0, &places.ResolutionError{Ref: ref, Reason: "missing 0x segment"}
	}
	run := ref[idx+2:]
	end := 0
	for end < len(run) && isHex(run[end]) {
		end++
	}
	if end == 0 {
		return 0, &places.ResolutionError{Ref: ref, Reason: "empty CID segment"}
	}
	cid, err := strconv.ParseUint(run[:end], 16, 64)
	if err != nil {
		reason := "invalid CID segment"
		if errors.Is(err, strconv.ErrRange) {
			reason = "CID overflows 64 bits"
		}
		return 0, &places.ResolutionError{Ref: ref, Reason: reason, Err: err}
	}
	return cid, nil
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}
