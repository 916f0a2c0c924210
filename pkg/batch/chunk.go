package batch

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Chunk splits identifiers into consecutive groups of at most size. The
// final chunk may be smaller; input order is preserved and no identifier is
// dropped or duplicated.
func Chunk(identifiers []string, size int) [][]string {
	if size <= 0 || len(identifiers) == 0 {
		return nil
	}

	chunks := make([][]string, 0, (len(identifiers)+size-1)/size)
	for start := 0; start < len(identifiers); start += size {
		end := start + size
		if end > len(identifiers) {
			end = len(identifiers)
		}
		chunks = append(chunks, identifiers[start:end])
	}
	return chunks
}

// Fingerprint derives the content fingerprint of a batch: the same set of
// identifiers always yields the same fingerprint regardless of order, so a
// re-run of the same input finds its previous checkpoint.
func Fingerprint(identifiers []string) string {
	sorted := append([]string(nil), identifiers...)
	sort.Strings(sorted)

	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])[:16]
}

// normalize trims and deduplicates raw input, preserving first-seen order.
// Extra occurrences of an identifier are returned separately so the caller
// can account for every input position.
func normalize(identifiers []string) (unique, repeats []string) {
	seen := make(map[string]bool, len(identifiers))
	for _, raw := range identifiers {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		if seen[id] {
			repeats = append(repeats, id)
			continue
		}
		seen[id] = true
		unique = append(unique, id)
	}
	return unique, repeats
}
