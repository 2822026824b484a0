package symtab

import (
	"sort"
	"strings"
)

const (
	// DefaultTolerance bounds the offset for ordinary nearest-symbol lookups.
	DefaultTolerance uint64 = 0x10000 // 64 KiB
	// SignatureTolerance bounds the offset for signature-derived symbols.
	SignatureTolerance uint64 = 0x1000 // 4 KiB
)

// Origin tags where a signature-resolved symbol came from.
type Origin string

const (
	OriginKernel    Origin = "kernel_function"
	OriginExtension Origin = "extension_function"
)

// Resolution is the outcome of resolving one address. An unresolved address
// is expected behavior, not an error: Found is false and Address carries the
// raw value.
type Resolution struct {
	Found   bool   `json:"found"`
	Address uint64 `json:"address"`
	Symbol  string `json:"symbol,omitempty"`
	Offset  uint64 `json:"offset,omitempty"`
	Origin  Origin `json:"origin,omitempty"`
}

// Resolve looks up addr in the table: exact hit first, then the rightmost
// entry at or below addr within tolerance.
func (t *Table) Resolve(addr, tolerance uint64) Resolution {
	if name, ok := t.byAddr[addr]; ok {
		return Resolution{Found: true, Address: addr, Symbol: name}
	}
	// rightmost entry with entry.Address <= addr
	idx := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].Address > addr }) - 1
	if idx < 0 {
		return Resolution{Address: addr}
	}
	e := t.entries[idx]
	// strictly below tolerance: an offset of exactly the tolerance is unknown
	if off := addr - e.Address; off < tolerance {
		return Resolution{Found: true, Address: addr, Symbol: e.Name, Offset: off}
	}
	return Resolution{Address: addr}
}

// ResolveSignature resolves addr with the tighter signature tolerance and
// tags the result by origin. Symbols carrying a kext qualifier (Name::func
// or a reverse-DNS bundle prefix) count as extension functions.
func (t *Table) ResolveSignature(addr uint64) Resolution {
	res := t.Resolve(addr, SignatureTolerance)
	if res.Found {
		if strings.Contains(res.Symbol, "::") || strings.HasPrefix(res.Symbol, "com.apple.") {
			res.Origin = OriginExtension
		} else {
			res.Origin = OriginKernel
		}
	}
	return res
}

// MatchesVersion reports whether the table's version key applies to the
// requested OS version. Selection is first-match: either string containing
// the other is accepted.
func (t *Table) MatchesVersion(osVersion string) bool {
	if t.Version == "" || osVersion == "" {
		return false
	}
	return strings.Contains(osVersion, t.Version) || strings.Contains(t.Version, osVersion)
}
