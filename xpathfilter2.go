package xmlsec

import "github.com/beevik/etree"

// FilterOp is the set operation of one XPath Filter 2.0 step.
type FilterOp string

// Filter operations defined by the XPath Filter 2.0 recommendation.
const (
	FilterIntersect FilterOp = "intersect"
	FilterSubtract  FilterOp = "subtract"
	FilterUnion     FilterOp = "union"
)

// XPath2Spec is one XPath element of an XPath Filter 2.0 transform.
type XPath2Spec struct {
	Expression string
	Filter     FilterOp
	Namespaces map[string]string
}

// xpath2Transform evaluates its expressions against the whole input
// document and installs a node filter over subtree-expanded
// selections: a node under a subtract selection is removed; otherwise,
// when there is an intersect step, a node is kept only if it lies
// under an intersect or a union selection; without one it is kept.
type xpath2Transform struct {
	Specs []XPath2Spec
	Here  *AttrRef
}

// NewXPath2Transform returns the XPath Filter 2.0 transform built from
// specs, applied in order.
func NewXPath2Transform(specs ...XPath2Spec) Transform {
	return &xpath2Transform{Specs: specs}
}

func newXPath2TransformFromElement(el *etree.Element) (Transform, error) {
	if el == nil {
		return nil, newErr(ErrMarshal, "XPath Filter 2.0 transform requires XPath child elements")
	}
	t := &xpath2Transform{}
	for _, child := range el.ChildElements() {
		if child.Tag != "XPath" {
			continue
		}
		op := FilterOp(child.SelectAttrValue("Filter", ""))
		switch op {
		case FilterIntersect, FilterSubtract, FilterUnion:
		default:
			return nil, newErr(ErrMarshal, "XPath Filter 2.0: unknown Filter value %q", string(op))
		}
		t.Specs = append(t.Specs, XPath2Spec{
			Expression: child.Text(),
			Filter:     op,
			Namespaces: namespaceBindings(child),
		})
	}
	if len(t.Specs) == 0 {
		return nil, newErr(ErrMarshal, "XPath Filter 2.0 transform requires XPath child elements")
	}
	return t, nil
}

func (t *xpath2Transform) URI() string { return AlgorithmXPath2Filter }

func (t *xpath2Transform) Transform(data Data, ctx *Context) (Data, error) {
	ns, err := nodeSetOf(data)
	if err != nil {
		return nil, err
	}

	f := &xpath2NodeFilter{
		inSubtract:  -1,
		inIntersect: -1,
		inUnion:     -1,
	}
	for _, spec := range t.Specs {
		expr, err := substituteHere(spec.Expression, t.Here)
		if err != nil {
			return nil, err
		}
		eval, err := newXPathEvaluator(ns.Document, spec.Namespaces)
		if err != nil {
			return nil, err
		}
		selected, err := eval.SelectTokens(expr)
		eval.Close()
		if err != nil {
			return nil, err
		}
		switch spec.Filter {
		case FilterIntersect:
			f.hasIntersect = true
			f.intersect = mergeTokenSets(f.intersect, selected)
		case FilterSubtract:
			f.hasSubtract = true
			f.subtract = mergeTokenSets(f.subtract, selected)
		case FilterUnion:
			f.hasUnion = true
			f.union = mergeTokenSets(f.union, selected)
		default:
			return nil, newErr(ErrInvalidInput, "XPath Filter 2.0: unknown Filter value %q", string(spec.Filter))
		}
	}

	return ns.WithFilter(f), nil
}

func (t *xpath2Transform) Marshal(parent *etree.Element) error {
	tr := parent.CreateElement("Transform")
	tr.CreateAttr("Algorithm", AlgorithmXPath2Filter)
	for _, spec := range t.Specs {
		xp := tr.CreateElement("XPath")
		xp.CreateAttr("xmlns", NamespaceXPath2)
		xp.CreateAttr("Filter", string(spec.Filter))
		for prefix, uri := range spec.Namespaces {
			xp.CreateAttr("xmlns:"+prefix, uri)
		}
		xp.AddChild(&etree.CharData{Data: spec.Expression})
	}
	return nil
}

func mergeTokenSets(dst, src map[etree.Token]bool) map[etree.Token]bool {
	if dst == nil {
		return src
	}
	for k := range src {
		dst[k] = true
	}
	return dst
}

// xpath2NodeFilter applies the three set operations. A selection
// covers a node when the node or one of its ancestors was selected,
// so subtree expansion never materializes node lists.
//
// The depth-aware path memoizes where each set last matched: a match
// at level L holds for every node deeper than L until the walk climbs
// back above it.
type xpath2NodeFilter struct {
	hasSubtract  bool
	hasIntersect bool
	hasUnion     bool
	subtract     map[etree.Token]bool
	intersect    map[etree.Token]bool
	union        map[etree.Token]bool

	inSubtract  int
	inIntersect int
	inUnion     int
}

func (f *xpath2NodeFilter) IsNodeInclude(n etree.Token) int {
	if f.hasSubtract && rooted(n, f.subtract) {
		return -1
	}
	if f.hasIntersect && !rooted(n, f.intersect) {
		if f.hasUnion && rooted(n, f.union) {
			return 1
		}
		return 0
	}
	return 1
}

func (f *xpath2NodeFilter) IsNodeIncludeDO(n etree.Token, level int) int {
	if f.hasSubtract {
		if f.inSubtract == -1 || level <= f.inSubtract {
			if inSet(n, f.subtract) {
				f.inSubtract = level
			} else {
				f.inSubtract = -1
			}
		}
		if f.inSubtract != -1 {
			return -1
		}
	}
	result := 1
	if f.hasIntersect && (f.inIntersect == -1 || level <= f.inIntersect) {
		if !inSet(n, f.intersect) {
			f.inIntersect = -1
			result = 0
		} else {
			f.inIntersect = level
		}
	}
	if level <= f.inUnion {
		f.inUnion = -1
	}
	if result == 0 && f.hasUnion {
		if f.inUnion == -1 && inSet(n, f.union) {
			f.inUnion = level
		}
		if f.inUnion != -1 {
			return 1
		}
	}
	return result
}

// inSet reports direct membership of n in set.
func inSet(n etree.Token, set map[etree.Token]bool) bool {
	return set[n]
}

// rooted reports whether n or any of its ancestors is in set.
func rooted(n etree.Token, set map[etree.Token]bool) bool {
	if set[n] {
		return true
	}
	for e := n.Parent(); e != nil; e = e.Parent() {
		if set[e] {
			return true
		}
	}
	return false
}
