package symtab

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testTable() *Table {
	return New("iPhone15,2", "18.5", "22F76", []Entry{
		{Address: 0x2000, Name: "bar"},
		{Address: 0x1000, Name: "foo"},
	})
}

func TestResolve(t *testing.T) {
	tbl := testTable()

	tests := []struct {
		name      string
		addr      uint64
		tolerance uint64
		found     bool
		symbol    string
		offset    uint64
	}{
		{name: "exact first", addr: 0x1000, tolerance: 0x100, found: true, symbol: "foo"},
		{name: "exact second", addr: 0x2000, tolerance: 0x100, found: true, symbol: "bar"},
		{name: "within tolerance", addr: 0x1050, tolerance: 0x100, found: true, symbol: "foo", offset: 0x50},
		{name: "past tolerance", addr: 0x1500, tolerance: 0x100, found: false},
		{name: "after last entry", addr: 0x2010, tolerance: 0x100, found: true, symbol: "bar", offset: 0x10},
		{name: "before first entry", addr: 0x500, tolerance: 0x100, found: false},
		{name: "just below tolerance", addr: 0x10ff, tolerance: 0x100, found: true, symbol: "foo", offset: 0xff},
		{name: "at tolerance boundary", addr: 0x1100, tolerance: 0x100, found: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tbl.Resolve(tt.addr, tt.tolerance)
			if got.Found != tt.found {
				t.Fatalf("Resolve(%#x) found = %v, want %v", tt.addr, got.Found, tt.found)
			}
			if !tt.found {
				if got.Address != tt.addr {
					t.Errorf("Resolve(%#x) raw address = %#x", tt.addr, got.Address)
				}
				return
			}
			if got.Symbol != tt.symbol || got.Offset != tt.offset {
				t.Errorf("Resolve(%#x) = {%s, %#x}, want {%s, %#x}", tt.addr, got.Symbol, got.Offset, tt.symbol, tt.offset)
			}
		})
	}
}

func TestResolveExactAlwaysZeroOffset(t *testing.T) {
	tbl := testTable()
	for _, e := range tbl.Entries() {
		res := tbl.Resolve(e.Address, 0)
		assert.True(t, res.Found)
		assert.Equal(t, e.Name, res.Symbol)
		assert.Zero(t, res.Offset)
	}
}

func TestResolveSignature(t *testing.T) {
	tbl := New("iPhone15,2", "18.5", "22F76", []Entry{
		{Address: 0x1000, Name: "kernel_trap"},
		{Address: 0x8000, Name: "IOSurface::release"},
	})

	res := tbl.ResolveSignature(0x1010)
	assert.True(t, res.Found)
	assert.Equal(t, OriginKernel, res.Origin)

	res = tbl.ResolveSignature(0x8020)
	assert.True(t, res.Found)
	assert.Equal(t, OriginExtension, res.Origin)

	// signature tolerance is 4 KiB, not 64 KiB
	res = tbl.ResolveSignature(0x1000 + SignatureTolerance + 1)
	assert.False(t, res.Found)
}

func TestMatchesVersion(t *testing.T) {
	tbl := testTable()
	assert.True(t, tbl.MatchesVersion("18.5"))
	assert.True(t, tbl.MatchesVersion("18.5.1"))
	assert.False(t, tbl.MatchesVersion("17.4"))
	assert.False(t, tbl.MatchesVersion(""))
}

func TestNewSortsAndDedups(t *testing.T) {
	tbl := New("iPhone15,2", "18.5", "22F76", []Entry{
		{Address: 0x3000, Name: "c"},
		{Address: 0x1000, Name: "a"},
		{Address: 0x1000, Name: "a2"}, // dup, last write wins
		{Address: 0x2000, Name: "b"},
	})
	entries := tbl.Entries()
	assert.Len(t, entries, 3)
	for i := 1; i < len(entries); i++ {
		assert.Less(t, entries[i-1].Address, entries[i].Address)
	}
	assert.Equal(t, "a2", tbl.Resolve(0x1000, 0).Symbol)
}

func TestParseToolOutput(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    int
		wantErr bool
	}{
		{name: "hex map", data: `{"0x1000":"foo","0x2000":"bar"}`, want: 2},
		{name: "decimal map", data: `{"4096":"foo"}`, want: 1},
		{name: "record list", data: `[{"address":"0x1000","symbol":"foo"},{"address":8192,"symbol":"bar"}]`, want: 2},
		{name: "skips unparsable addresses", data: `{"0x1000":"foo","nope":"bar"}`, want: 1},
		{name: "skips empty symbols", data: `[{"address":"0x1000","symbol":""}]`, want: 0},
		{name: "rejects scalar", data: `"foo"`, wantErr: true},
		{name: "rejects empty", data: ``, wantErr: true},
		{name: "rejects free text", data: `symbolicated 12 frames`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := ParseToolOutput([]byte(tt.data))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Len(t, entries, tt.want)
		})
	}
}

func TestTableJSONRoundTrip(t *testing.T) {
	tbl := testTable()
	data, err := json.Marshal(tbl)
	assert.NoError(t, err)

	var got Table
	assert.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, tbl.Device, got.Device)
	assert.Equal(t, tbl.Build, got.Build)
	assert.Equal(t, tbl.Len(), got.Len())
	assert.Equal(t, "foo", got.Resolve(0x1000, 0).Symbol)
}
