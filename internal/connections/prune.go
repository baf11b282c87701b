package connections

// Rule removes Fields from a set unless Keep is true.
type Rule struct {
	Name   string
	Keep   bool
	Fields []string
}

// Drop is shorthand for a Rule gated on a single predicate.
func Drop(name string, keep bool, fields ...string) Rule {
	return Rule{Name: name, Keep: keep, Fields: fields}
}

// Prune applies rules to a copy of base in order and returns the surviving
// slots. base is left untouched. A rule naming a field that an earlier rule
// already removed is a no-op.
func Prune(base *Set, rules ...Rule) *Set {
	active := base.Clone()
	for _, r := range rules {
		if r.Keep {
			continue
		}
		active.Remove(r.Fields...)
	}
	return active
}

// Removed lists the fields of base that are absent from active, in base order.
func Removed(base, active *Set) []string {
	var out []string
	for _, f := range base.order {
		if !active.Has(f) {
			out = append(out, f)
		}
	}
	return out
}
