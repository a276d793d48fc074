// Package ordering sorts the children of a folder by numeric positions and
// pairwise "before/after" constraints, and computes the minimal position
// edits that produce a requested order.
package ordering

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/brettbedarf/layerfs/internal/util"
)

// Step between positions assigned by a full renumbering
const Step = 100

// Constraint says Before must be sorted ahead of After.
type Constraint struct {
	Before string
	After  string
}

func (c Constraint) String() string {
	return c.Before + "/" + c.After
}

// ParseConstraint parses the "A/B" form used for constraint attribute keys.
func ParseConstraint(key string) (Constraint, bool) {
	before, after, ok := strings.Cut(key, "/")
	if !ok || before == "" || after == "" || strings.Contains(after, "/") {
		return Constraint{}, false
	}
	return Constraint{Before: before, After: after}, true
}

// Source supplies the ordering inputs of one folder.
type Source interface {
	// Position returns the numeric position of a child, if it has one.
	Position(name string) (float64, bool)
	// Constraints returns the folder's pairwise constraints. Constraints
	// naming unknown children are ignored.
	Constraints() []Constraint
}

// Sink receives the edits computed by [SetOrder].
type Sink interface {
	// SetPosition stores pos (an int or float64) as the child's position.
	SetPosition(name string, pos any) error
	ClearConstraint(c Constraint) error
}

// CycleError reports contradicting ordering inputs. Names lists the
// children whose constraints had to be ignored.
type CycleError struct {
	Names []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("contradictory ordering constraints among %s", strings.Join(e.Names, ", "))
}

// Sort orders names. Contradictions are logged and resolved best effort;
// use [SortChecked] to get them as an error.
func Sort(names []string, src Source) []string {
	sorted, err := SortChecked(names, src)
	if err != nil {
		logger := util.GetLogger("Ordering")
		logger.Warn().Err(err).Msg("Ordering is contradictory, using partial order")
	}
	return sorted
}

// SortChecked orders names: positioned children by position (ties by name)
// chained one after the other, constraints as extra edges, and children
// without a position after the positioned ones in their input order unless
// a constraint moves them. On a cycle the best effort result is returned
// together with a [*CycleError].
func SortChecked(names []string, src Source) ([]string, error) {
	base := baseOrder(names, src)
	index := make(map[string]int, len(base))
	for i, name := range base {
		index[name] = i
	}

	succ := make([][]int, len(base))
	indeg := make([]int, len(base))
	addEdge := func(from, to int) {
		if from == to || slices.Contains(succ[from], to) {
			return
		}
		succ[from] = append(succ[from], to)
		indeg[to]++
	}

	var positioned []int
	for i, name := range base {
		if _, ok := src.Position(name); ok {
			positioned = append(positioned, i)
		}
	}
	for i := 1; i < len(positioned); i++ {
		addEdge(positioned[i-1], positioned[i])
	}
	for _, c := range src.Constraints() {
		from, okFrom := index[c.Before]
		to, okTo := index[c.After]
		if okFrom && okTo {
			addEdge(from, to)
		}
	}

	out := make([]string, 0, len(base))
	done := make([]bool, len(base))
	var forced []string
	for len(out) < len(base) {
		next := -1
		for i := range base {
			if !done[i] && indeg[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			// cycle: take the earliest remaining item regardless of its edges
			for i := range base {
				if !done[i] {
					next = i
					break
				}
			}
			forced = append(forced, base[next])
		}
		done[next] = true
		out = append(out, base[next])
		for _, s := range succ[next] {
			indeg[s]--
		}
	}

	if len(forced) > 0 {
		return out, &CycleError{Names: forced}
	}
	return out, nil
}

func baseOrder(names []string, src Source) []string {
	type item struct {
		name string
		pos  float64
	}
	var positioned []item
	var rest []string
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if pos, ok := src.Position(name); ok {
			positioned = append(positioned, item{name, pos})
		} else {
			rest = append(rest, name)
		}
	}
	slices.SortStableFunc(positioned, func(a, b item) int {
		if c := cmp.Compare(a.pos, b.pos); c != 0 {
			return c
		}
		return strings.Compare(a.name, b.name)
	})

	base := make([]string, 0, len(positioned)+len(rest))
	for _, it := range positioned {
		base = append(base, it.name)
	}
	return append(base, rest...)
}

// SetOrder writes the position edits that make [Sort] return desired. It
// writes nothing when desired is already the current order, moves a single
// child between its new neighbours when that is enough, and otherwise
// renumbers in steps of [Step]. Constraints contradicting desired are
// cleared.
func SetOrder(desired []string, src Source, sink Sink) error {
	if slices.Equal(Sort(desired, src), desired) {
		return nil
	}

	idx := make(map[string]int, len(desired))
	for i, name := range desired {
		idx[name] = i
	}
	var contradicted []Constraint
	for _, c := range src.Constraints() {
		b, okB := idx[c.Before]
		a, okA := idx[c.After]
		if okB && okA && b > a {
			contradicted = append(contradicted, c)
		}
	}

	positions := singleMove(desired, src, contradicted)
	if positions == nil {
		positions = renumber(desired, src)
	}

	for _, c := range contradicted {
		if err := sink.ClearConstraint(c); err != nil {
			return err
		}
	}
	for _, name := range desired {
		pos, ok := positions[name]
		if !ok {
			continue
		}
		if err := sink.SetPosition(name, positionValue(pos)); err != nil {
			return err
		}
	}
	return nil
}

// singleMove returns the one position edit that produces desired, or nil.
func singleMove(desired []string, src Source, contradicted []Constraint) map[string]float64 {
	current := Sort(desired, src)
	l := 0
	for l < len(desired) && current[l] == desired[l] {
		l++
	}
	r := len(desired) - 1
	for r > l && current[r] == desired[r] {
		r--
	}
	if l >= r {
		return nil
	}

	var moved string
	var at int
	switch {
	case desired[l] == current[r] && slices.Equal(desired[l+1:r+1], current[l:r]):
		moved, at = desired[l], l
	case desired[r] == current[l] && slices.Equal(desired[l:r], current[l+1:r+1]):
		moved, at = desired[r], r
	default:
		return nil
	}

	var pos float64
	prev, hasPrev := neighbourPosition(desired, src, at-1)
	next, hasNext := neighbourPosition(desired, src, at+1)
	switch {
	case hasPrev && hasNext:
		pos = (prev + next) / 2
		if !(prev < pos && pos < next) {
			return nil
		}
	case hasPrev && at == len(desired)-1:
		pos = prev + Step
	case hasNext && at == 0:
		pos = next - Step
	default:
		return nil
	}

	edit := map[string]float64{moved: pos}
	check := &editedSource{Source: src, positions: edit, dropped: contradicted}
	if !slices.Equal(Sort(desired, check), desired) {
		return nil
	}
	return edit
}

func neighbourPosition(names []string, src Source, i int) (float64, bool) {
	if i < 0 || i >= len(names) {
		return 0, false
	}
	return src.Position(names[i])
}

// renumber assigns Step, 2*Step, ... skipping children that already hold
// their new value.
func renumber(desired []string, src Source) map[string]float64 {
	positions := make(map[string]float64, len(desired))
	for i, name := range desired {
		want := float64((i + 1) * Step)
		if cur, ok := src.Position(name); ok && cur == want {
			continue
		}
		positions[name] = want
	}
	return positions
}

func positionValue(pos float64) any {
	if pos == math.Trunc(pos) && math.Abs(pos) < math.MaxInt32 {
		return int(pos)
	}
	return pos
}

// editedSource overlays pending edits on a source.
type editedSource struct {
	Source
	positions map[string]float64
	dropped   []Constraint
}

func (s *editedSource) Position(name string) (float64, bool) {
	if pos, ok := s.positions[name]; ok {
		return pos, true
	}
	return s.Source.Position(name)
}

func (s *editedSource) Constraints() []Constraint {
	all := s.Source.Constraints()
	kept := make([]Constraint, 0, len(all))
	for _, c := range all {
		if !slices.Contains(s.dropped, c) {
			kept = append(kept, c)
		}
	}
	return kept
}
