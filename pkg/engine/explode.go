package engine

import (
	"strconv"
	"strings"
)

// ExplodeIDs parses an embedded material id list such as "1,2,3", "[1,2,3]" or
// `["1","2","3"]` into ids in first-occurrence order without duplicates.
//
// Everything except digits and commas is dropped before splitting, so malformed
// input never fails: "12a3" reads as 123 and negative signs are lost. Tokens that
// overflow int64 are skipped.
func ExplodeIDs(raw string) []int64 {
	if raw == "" {
		return nil
	}

	var b strings.Builder
	b.Grow(len(raw))
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if (c >= '0' && c <= '9') || c == ',' {
			b.WriteByte(c)
		}
	}

	var ids []int64
	seen := make(map[int64]struct{})
	for _, tok := range strings.Split(b.String(), ",") {
		if tok == "" {
			continue
		}
		id, err := strconv.ParseInt(tok, 10, 64)
		if err != nil {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}
