package mapping

import (
	"strconv"

	"github.com/ajitpratap0/nebula-pdk/pkg/schema"
)

// Extremes renders every rule of m at the bounds of its parameter ranges and
// returns one typed field per distinct expression. Fields are named after
// their expression. Used to predict how a source type system lands on a target.
func Extremes(m *Mapping) *schema.Table {
	table := schema.NewTable("extremes")
	seen := map[string]bool{}
	for _, r := range m.Rules() {
		if r.QueryOnly {
			continue
		}
		for _, params := range r.boundParams() {
			flagSets := []map[string]bool{nil}
			for _, flag := range r.Pattern.flags {
				flagSets = append(flagSets, map[string]bool{flag: true})
			}
			for _, flags := range flagSets {
				expr, err := r.Pattern.Render(params, flags)
				if err != nil || seen[expr] {
					continue
				}
				t, err := m.ToSemanticType(expr)
				if err != nil {
					continue
				}
				seen[expr] = true
				table.Add(schema.NewField(expr, expr).WithType(t))
			}
		}
	}
	return table
}

// boundParams lists parameter sets at the low and high end of each declared range
func (r *Rule) boundParams() []map[string]string {
	ranges := map[string]Range{
		"byte":      r.Byte,
		"precision": r.Precision,
		"scale":     r.Scale,
		"fraction":  r.Fraction,
	}
	low, high := map[string]string{}, map[string]string{}
	for _, name := range r.Pattern.Params() {
		rg, ok := ranges[name]
		if !ok || !rg.IsSet() {
			if name == "bit" && r.Bit > 0 {
				low[name], high[name] = strconv.Itoa(r.Bit), strconv.Itoa(r.Bit)
			}
			continue
		}
		min := rg.Min
		if min == 0 && name != "scale" && name != "fraction" {
			min = 1
		}
		low[name] = strconv.FormatInt(min, 10)
		high[name] = strconv.FormatInt(rg.Max, 10)
	}
	// scale never exceeds precision
	if p, ok := low["precision"]; ok {
		if s, ok := low["scale"]; ok && atoi(s) > atoi(p) {
			low["scale"] = p
		}
	}
	if p, ok := high["precision"]; ok {
		if s, ok := high["scale"]; ok && atoi(s) > atoi(p) {
			high["scale"] = p
		}
	}
	if len(low) == 0 {
		return []map[string]string{{}}
	}
	return []map[string]string{low, high}
}

func atoi(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
