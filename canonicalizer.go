package xmlsec

import (
	"strings"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
)

// NodeFilter decides the fate of a node during filtered
// canonicalization.
//
// IsNodeInclude returns 1 to keep the node, 0 to drop the node but
// continue into its children, and -1 to drop the whole subtree.
// IsNodeIncludeDO is the depth-aware variant; level is the node's depth
// below the document element. Filters that do not care about depth
// delegate to IsNodeInclude.
type NodeFilter interface {
	IsNodeInclude(n etree.Token) int
	IsNodeIncludeDO(n etree.Token, level int) int
}

// Canonicalizer serializes a document into its canonical octets. A
// canonicalizer is single-flight: a second Canonicalize call before the
// first returns fails with ErrInvalidState.
type Canonicalizer interface {
	Algorithm() string
	Canonicalize(doc *etree.Document) ([]byte, error)
	CanonicalizeFiltered(doc *etree.Document, filters []NodeFilter) ([]byte, error)
}

// dsigCanonicalizer adapts a goxmldsig canonicalizer to the filtered
// interface. Filters are applied by pruning a copy of the document
// before handing it off.
type dsigCanonicalizer struct {
	algorithm string
	inner     dsig.Canonicalizer
	inUse     bool
}

func newC14N10Canonicalizer(withComments bool) Canonicalizer {
	if withComments {
		return &dsigCanonicalizer{
			algorithm: AlgorithmC14N10WithComments,
			inner:     dsig.MakeC14N10WithCommentsCanonicalizer(),
		}
	}
	return &dsigCanonicalizer{
		algorithm: AlgorithmC14N10,
		inner:     dsig.MakeC14N10RecCanonicalizer(),
	}
}

func newC14N11Canonicalizer(withComments bool) Canonicalizer {
	if withComments {
		return &dsigCanonicalizer{
			algorithm: AlgorithmC14N11WithComments,
			inner:     dsig.MakeC14N11WithCommentsCanonicalizer(),
		}
	}
	return &dsigCanonicalizer{
		algorithm: AlgorithmC14N11,
		inner:     dsig.MakeC14N11Canonicalizer(),
	}
}

func newExcC14NCanonicalizer(withComments bool) Canonicalizer {
	if withComments {
		return &dsigCanonicalizer{
			algorithm: AlgorithmExcC14NWithComments,
			inner:     dsig.MakeC14N10ExclusiveWithCommentsCanonicalizerWithPrefixList(""),
		}
	}
	return &dsigCanonicalizer{
		algorithm: AlgorithmExcC14N,
		inner:     dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList(""),
	}
}

func (c *dsigCanonicalizer) Algorithm() string { return c.algorithm }

func (c *dsigCanonicalizer) acquire() error {
	if c.inUse {
		return newErr(ErrInvalidState, "canonicalizer %s is already in use", c.algorithm)
	}
	c.inUse = true
	return nil
}

func (c *dsigCanonicalizer) release() { c.inUse = false }

func (c *dsigCanonicalizer) Canonicalize(doc *etree.Document) ([]byte, error) {
	return c.CanonicalizeFiltered(doc, nil)
}

func (c *dsigCanonicalizer) CanonicalizeFiltered(doc *etree.Document, filters []NodeFilter) ([]byte, error) {
	if err := c.acquire(); err != nil {
		return nil, err
	}
	defer c.release()

	if doc == nil || doc.Root() == nil {
		return nil, newErr(ErrCanonicalization, "document has no root element")
	}

	target := doc
	if len(filters) > 0 {
		pruned, err := pruneDocument(doc, filters)
		if err != nil {
			return nil, err
		}
		target = pruned
	}
	root := target.Root()
	if root == nil {
		return nil, newErr(ErrCanonicalization, "node-set is empty after filtering")
	}

	out, err := c.inner.Canonicalize(root)
	if err != nil {
		return nil, wrapErr(ErrCanonicalization, err, "%s", c.algorithm)
	}
	return out, nil
}

// combinedInclude folds the verdicts of all filters: any -1 discards
// the subtree, any 0 downgrades a keep to drop-node-keep-children.
func combinedInclude(filters []NodeFilter, n etree.Token, level int) int {
	verdict := 1
	for _, f := range filters {
		switch f.IsNodeIncludeDO(n, level) {
		case -1:
			return -1
		case 0:
			verdict = 0
		}
	}
	return verdict
}

// pruneDocument builds a copy of doc containing only the nodes the
// filters keep. Dropped elements whose children survive are spliced
// out: the children attach to the nearest kept ancestor, inheriting
// the dropped element's namespace declarations so prefixes stay bound.
func pruneDocument(doc *etree.Document, filters []NodeFilter) (*etree.Document, error) {
	root := doc.Root()
	if root == nil {
		return nil, newErr(ErrCanonicalization, "document has no root element")
	}

	out := etree.NewDocument()
	kept := pruneElement(root, filters, 0, nil)
	if len(kept) == 0 {
		return out, nil
	}
	if len(kept) > 1 {
		return nil, newErr(ErrCanonicalization, "filtering produced %d root elements", len(kept))
	}
	out.SetRoot(kept[0])
	return out, nil
}

// pruneElement returns the kept rendition of el, or, when el itself is
// dropped with verdict 0, the kept renditions of its children.
// inherited carries xmlns declarations from dropped ancestors.
func pruneElement(el *etree.Element, filters []NodeFilter, level int, inherited []etree.Attr) []*etree.Element {
	switch combinedInclude(filters, el, level) {
	case -1:
		return nil
	case 0:
		down := appendNamespaceAttrs(inherited, el)
		var kept []*etree.Element
		for _, child := range el.ChildElements() {
			kept = append(kept, pruneElement(child, filters, level+1, down)...)
		}
		return kept
	}

	copied := etree.NewElement(el.Tag)
	copied.Space = el.Space
	for _, a := range inherited {
		if !hasAttr(el, a) {
			copied.CreateAttr(attrFullKey(a), a.Value)
		}
	}
	for _, a := range el.Attr {
		copied.CreateAttr(attrFullKey(a), a.Value)
	}

	for _, child := range el.Child {
		switch t := child.(type) {
		case *etree.Element:
			for _, k := range pruneElement(t, filters, level+1, nil) {
				copied.AddChild(k)
			}
		case *etree.CharData:
			if combinedInclude(filters, t, level+1) == 1 {
				copied.AddChild(&etree.CharData{Data: t.Data})
			}
		case *etree.Comment:
			if combinedInclude(filters, t, level+1) == 1 {
				copied.AddChild(&etree.Comment{Data: t.Data})
			}
		case *etree.ProcInst:
			if combinedInclude(filters, t, level+1) == 1 {
				copied.AddChild(&etree.ProcInst{Target: t.Target, Inst: t.Inst})
			}
		}
	}
	return []*etree.Element{copied}
}

func isNamespaceAttr(a etree.Attr) bool {
	return a.Space == "xmlns" || (a.Space == "" && a.Key == "xmlns")
}

func attrFullKey(a etree.Attr) string {
	if a.Space == "" {
		return a.Key
	}
	return a.Space + ":" + a.Key
}

// appendNamespaceAttrs layers el's xmlns declarations over inherited,
// nearest declaration winning.
func appendNamespaceAttrs(inherited []etree.Attr, el *etree.Element) []etree.Attr {
	out := make([]etree.Attr, 0, len(inherited))
	for _, a := range inherited {
		if !hasAttr(el, a) {
			out = append(out, a)
		}
	}
	for _, a := range el.Attr {
		if isNamespaceAttr(a) {
			out = append(out, a)
		}
	}
	return out
}

func hasAttr(el *etree.Element, a etree.Attr) bool {
	for _, b := range el.Attr {
		if b.Space == a.Space && b.Key == a.Key {
			return true
		}
	}
	return false
}

// inScopeNamespaces collects the xmlns declarations visible at el,
// outermost first, nearest declaration winning.
func inScopeNamespaces(el *etree.Element) []etree.Attr {
	var chain []*etree.Element
	for e := el; e != nil; e = e.Parent() {
		if e.Tag == "" {
			break
		}
		chain = append(chain, e)
	}
	var out []etree.Attr
	for i := len(chain) - 1; i >= 0; i-- {
		out = appendNamespaceAttrs(out, chain[i])
	}
	return out
}

// prefixOf splits "ns:local" into its prefix, "" when unprefixed.
func prefixOf(tag string) string {
	if i := strings.Index(tag, ":"); i >= 0 {
		return tag[:i]
	}
	return ""
}
