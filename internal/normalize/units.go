package normalize

import (
	"sort"
	"strings"
)

// Canonical unit names.
const (
	UnitMillis        = "ms"
	UnitBytes         = "bytes"
	UnitPerSecond     = "per_s"
	UnitCount         = "count"
	UnitRatio         = "ratio"
	UnitPercent       = "percent"
	UnitDimensionless = ""
)

type conversion struct {
	factor    float64
	canonical string
}

var fixedUnits = map[string]conversion{
	// time → milliseconds
	"ns":  {1e-6, UnitMillis},
	"us":  {1e-3, UnitMillis},
	"µs":  {1e-3, UnitMillis},
	"ms":  {1, UnitMillis},
	"s":   {1e3, UnitMillis},
	"sec": {1e3, UnitMillis},
	"min": {6e4, UnitMillis},
	"h":   {3.6e6, UnitMillis},

	// size → bytes
	"b":     {1, UnitBytes},
	"byte":  {1, UnitBytes},
	"bytes": {1, UnitBytes},
	"kb":    {1e3, UnitBytes},
	"mb":    {1e6, UnitBytes},
	"gb":    {1e9, UnitBytes},
	"tb":    {1e12, UnitBytes},
	"kib":   {1 << 10, UnitBytes},
	"mib":   {1 << 20, UnitBytes},
	"gib":   {1 << 30, UnitBytes},
	"tib":   {1 << 40, UnitBytes},

	// rate → per second
	"per_ms":  {1e3, UnitPerSecond},
	"per_s":   {1, UnitPerSecond},
	"per_min": {1.0 / 60, UnitPerSecond},
	"per_h":   {1.0 / 3600, UnitPerSecond},

	// dimensionless
	"":        {1, UnitDimensionless},
	"count":   {1, UnitCount},
	"ratio":   {1, UnitRatio},
	"percent": {1, UnitPercent},
}

// UnitTable converts values to canonical units. Currencies convert to a single
// reference currency using a static rate table.
type UnitTable struct {
	reference string
	rates     map[string]float64 // ISO code → reference units per 1
}

// NewUnitTable builds a table. rates maps an ISO 4217 code to how many units of
// reference one unit of that currency is worth.
func NewUnitTable(reference string, rates map[string]float64) *UnitTable {
	t := &UnitTable{reference: strings.ToUpper(reference), rates: make(map[string]float64, len(rates)+1)}
	for code, r := range rates {
		t.rates[strings.ToUpper(code)] = r
	}
	t.rates[t.reference] = 1
	return t
}

// Convert returns v expressed in the canonical unit for unit.
// ok is false for an unknown unit.
func (t *UnitTable) Convert(v float64, unit string) (converted float64, canonical string, ok bool) {
	unit = strings.TrimSpace(unit)
	if c, found := fixedUnits[strings.ToLower(unit)]; found {
		return v * c.factor, c.canonical, true
	}
	if rate, found := t.rates[strings.ToUpper(unit)]; found && len(unit) == 3 {
		return v * rate, t.reference, true
	}
	return 0, "", false
}

// Units lists every accepted unit name, sorted.
func (t *UnitTable) Units() []string {
	out := make([]string, 0, len(fixedUnits)+len(t.rates))
	for u := range fixedUnits {
		if u != "" {
			out = append(out, u)
		}
	}
	for code := range t.rates {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}
