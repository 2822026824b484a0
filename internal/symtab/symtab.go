// Package symtab holds the per-firmware symbol table and address resolution.
package symtab

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Entry is one address→name mapping. Immutable once in a table.
type Entry struct {
	Address uint64 `json:"address"`
	Name    string `json:"name"`
}

// Table is a sorted address→name mapping for one firmware build.
// Tables are never mutated after creation; replace, don't edit.
type Table struct {
	Device   string    `json:"device"`
	Version  string    `json:"version"`
	Build    string    `json:"build"`
	LoadedAt time.Time `json:"loaded_at"`

	entries []Entry
	byAddr  map[uint64]string
}

// New builds a table from entries, sorting ascending by address and
// deduplicating (last write wins).
func New(device, version, build string, entries []Entry) *Table {
	byAddr := make(map[uint64]string, len(entries))
	for _, e := range entries {
		byAddr[e.Address] = e.Name
	}
	sorted := make([]Entry, 0, len(byAddr))
	for addr, name := range byAddr {
		sorted = append(sorted, Entry{Address: addr, Name: name})
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Address < sorted[j].Address })
	return &Table{
		Device:   device,
		Version:  version,
		Build:    build,
		LoadedAt: time.Now().UTC(),
		entries:  sorted,
		byAddr:   byAddr,
	}
}

// Len returns the number of symbols in the table.
func (t *Table) Len() int { return len(t.entries) }

// Entries returns the sorted entries. Callers must not modify the slice.
func (t *Table) Entries() []Entry { return t.entries }

// MarshalJSON round-trips the table including its entries.
func (t *Table) MarshalJSON() ([]byte, error) {
	return json.Marshal(&struct {
		Device   string    `json:"device"`
		Version  string    `json:"version"`
		Build    string    `json:"build"`
		LoadedAt time.Time `json:"loaded_at"`
		Entries  []Entry   `json:"entries"`
	}{t.Device, t.Version, t.Build, t.LoadedAt, t.entries})
}

// UnmarshalJSON restores a table, rebuilding the lookup index.
func (t *Table) UnmarshalJSON(data []byte) error {
	var aux struct {
		Device   string    `json:"device"`
		Version  string    `json:"version"`
		Build    string    `json:"build"`
		LoadedAt time.Time `json:"loaded_at"`
		Entries  []Entry   `json:"entries"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	nt := New(aux.Device, aux.Version, aux.Build, aux.Entries)
	nt.LoadedAt = aux.LoadedAt
	*t = *nt
	return nil
}

// toolRecord is the list-shaped output of the symbolication tool.
type toolRecord struct {
	Address json.RawMessage `json:"address"`
	Symbol  string          `json:"symbol"`
}

// ParseToolOutput normalizes the external symbolication tool's JSON output.
// The tool produces either a map of address→name (addresses as hex or decimal
// strings) or a list of {address, symbol} records. Anything else is rejected.
func ParseToolOutput(data []byte) ([]Entry, error) {
	data = []byte(strings.TrimSpace(string(data)))
	if len(data) == 0 {
		return nil, fmt.Errorf("empty symbolication output")
	}
	switch data[0] {
	case '{':
		var m map[string]string
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("failed to parse symbol map: %w", err)
		}
		entries := make([]Entry, 0, len(m))
		for addrStr, name := range m {
			addr, err := parseAddr(addrStr)
			if err != nil {
				continue
			}
			entries = append(entries, Entry{Address: addr, Name: name})
		}
		return entries, nil
	case '[':
		var recs []toolRecord
		if err := json.Unmarshal(data, &recs); err != nil {
			return nil, fmt.Errorf("failed to parse symbol records: %w", err)
		}
		entries := make([]Entry, 0, len(recs))
		for _, rec := range recs {
			if rec.Symbol == "" || len(rec.Address) == 0 {
				continue
			}
			addr, err := parseRawAddr(rec.Address)
			if err != nil {
				continue
			}
			entries = append(entries, Entry{Address: addr, Name: rec.Symbol})
		}
		return entries, nil
	default:
		return nil, fmt.Errorf("unrecognized symbolication output shape (want JSON object or array)")
	}
}

func parseAddr(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseUint(s[2:], 16, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}

func parseRawAddr(raw json.RawMessage) (uint64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return parseAddr(s)
	}
	var n uint64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	return 0, fmt.Errorf("unparsable address: %s", string(raw))
}
