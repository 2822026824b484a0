package cache

import (
	"fmt"
	"strings"
	"unicode"
)

// Key building: canonical cache keys are "device|version|build". A request
// may arrive with an inconsistent triple (build guessed differently, device
// spelled with underscores), so lookups walk an ordered candidate list
// instead of a single key.

// CanonicalKey builds the canonical cache key for an identity triple.
func CanonicalKey(device, version, build string) string {
	return fmt.Sprintf("%s|%s|%s", device, version, build)
}

// Candidate is one cache key to try, with a confidence score so callers can
// tell an exact hit from a heuristic one.
type Candidate struct {
	Key        string  `json:"key"`
	Confidence float64 `json:"confidence"`
}

// Candidates returns the ordered list of cache keys to try for a request.
// The fallbackBuilds escape hatch papers over callers that cannot name the
// build for a device+version; it is configuration, not production policy.
func Candidates(device, version, build string, fallbackBuilds []string) []Candidate {
	var cands []Candidate
	if build != "" {
		cands = append(cands, Candidate{Key: CanonicalKey(device, version, build), Confidence: 1.0})
	}
	cands = append(cands, Candidate{Key: CanonicalKey(device, version, ""), Confidence: 0.8})
	for _, fb := range fallbackBuilds {
		if fb == build {
			continue
		}
		cands = append(cands,
			Candidate{Key: CanonicalKey(device, version, fb), Confidence: 0.3},
			Candidate{Key: CanonicalKey(device, fb, "unknown"), Confidence: 0.3},
		)
	}
	return cands
}

// AliasKeys returns every key a freshly extracted table should be registered
// under: the requested triple plus the identity the firmware itself declared.
func AliasKeys(device, version, build, extractedVersion, extractedBuild string) []string {
	seen := make(map[string]struct{})
	var keys []string
	add := func(k string) {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	add(CanonicalKey(device, version, ""))
	if extractedBuild != "" {
		add(CanonicalKey(device, version, extractedBuild))
		add(CanonicalKey(device, extractedBuild, "unknown"))
	}
	if extractedVersion != "" && extractedVersion != version {
		add(CanonicalKey(device, extractedVersion, extractedBuild))
	}
	if build != "" && build != extractedBuild {
		add(CanonicalKey(device, version, build))
		add(CanonicalKey(device, build, "unknown"))
	}
	return keys
}

// NormalizeDevice strips non-alphanumeric characters and lowercases, so
// "iPhone15,2", "iPhone_15_2" and "iphone-15-2" compare equal.
func NormalizeDevice(device string) string {
	var b strings.Builder
	for _, r := range device {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

func digitRuns(s string) []string {
	var runs []string
	var cur strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			cur.WriteRune(r)
		} else if cur.Len() > 0 {
			runs = append(runs, cur.String())
			cur.Reset()
		}
	}
	if cur.Len() > 0 {
		runs = append(runs, cur.String())
	}
	return runs
}

func phoneFamily(norm string) string {
	for _, fam := range []string{"iphone", "ipad", "ipod", "watch", "homepod"} {
		if strings.HasPrefix(norm, fam) {
			return fam
		}
	}
	return ""
}

// DeviceMatches reports whether two device identifiers refer to the same
// hardware. Normalized equality wins; otherwise phone-family identifiers
// match when their embedded numeric model components are equal.
func DeviceMatches(a, b string) bool {
	na, nb := NormalizeDevice(a), NormalizeDevice(b)
	if na == "" || nb == "" {
		return false
	}
	if na == nb {
		return true
	}
	fa, fb := phoneFamily(na), phoneFamily(nb)
	if fa == "" || fa != fb {
		return false
	}
	ra, rb := digitRuns(a), digitRuns(b)
	if len(ra) == 0 || len(ra) != len(rb) {
		return false
	}
	for i := range ra {
		if strings.TrimLeft(ra[i], "0") != strings.TrimLeft(rb[i], "0") {
			return false
		}
	}
	return true
}

// DeviceMatchesAny reports whether the requested device matches any of the
// identifiers a multi-device firmware image declares.
func DeviceMatchesAny(requested string, declared []string) bool {
	for _, d := range declared {
		if DeviceMatches(requested, d) {
			return true
		}
	}
	return false
}
