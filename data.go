package xmlsec

import "github.com/beevik/etree"

// Data is the value passed between the stages of a reference pipeline.
// Exactly three variants exist: NodeSetData, SubTreeData and
// OctetStreamData.
type Data interface {
	SourceURI() string
}

// NodeSetData is a whole document together with the filters that carve
// the effective node-set out of it. Filters accumulate as filtering
// transforms run; canonicalization consults them when serializing.
type NodeSetData struct {
	Document *etree.Document
	Filters  []NodeFilter
	uri      string
}

// NewNodeSetData wraps doc with no filters applied.
func NewNodeSetData(doc *etree.Document, uri string) *NodeSetData {
	return &NodeSetData{Document: doc, uri: uri}
}

func (d *NodeSetData) SourceURI() string { return d.uri }

// WithFilter returns a copy of d with f appended.
func (d *NodeSetData) WithFilter(f NodeFilter) *NodeSetData {
	filters := make([]NodeFilter, 0, len(d.Filters)+1)
	filters = append(filters, d.Filters...)
	filters = append(filters, f)
	return &NodeSetData{Document: d.Document, Filters: filters, uri: d.uri}
}

// SubTreeData is the subtree rooted at a single element.
type SubTreeData struct {
	Root            *etree.Element
	ExcludeComments bool
	uri             string
}

// NewSubTreeData wraps the subtree rooted at root.
func NewSubTreeData(root *etree.Element, uri string) *SubTreeData {
	return &SubTreeData{Root: root, uri: uri}
}

func (d *SubTreeData) SourceURI() string { return d.uri }

// OctetStreamData is a raw byte sequence.
type OctetStreamData struct {
	Octets   []byte
	MIMEType string
	uri      string
}

// NewOctetStreamData wraps octets.
func NewOctetStreamData(octets []byte, uri, mimeType string) *OctetStreamData {
	return &OctetStreamData{Octets: octets, uri: uri, MIMEType: mimeType}
}

func (d *OctetStreamData) SourceURI() string { return d.uri }

// nodeSetOf converts any Data variant into a NodeSetData so filtering
// transforms can operate uniformly. Octet streams are parsed; subtrees
// become a filter over their owning document.
func nodeSetOf(d Data) (*NodeSetData, error) {
	switch v := d.(type) {
	case *NodeSetData:
		return v, nil
	case *SubTreeData:
		doc := documentOf(v.Root)
		ns := NewNodeSetData(doc, v.uri)
		return ns.WithFilter(newSubTreeFilter(v.Root)), nil
	case *OctetStreamData:
		doc := etree.NewDocument()
		if err := doc.ReadFromBytes(v.Octets); err != nil {
			return nil, wrapErr(ErrTransform, err, "unable to parse octet stream as XML")
		}
		return NewNodeSetData(doc, v.uri), nil
	}
	return nil, newErr(ErrInvalidInput, "nil data")
}

// documentOf walks to the document that owns el. When el is detached it
// is re-rooted into a fresh document.
func documentOf(el *etree.Element) *etree.Document {
	top := el
	for top.Parent() != nil {
		top = top.Parent()
	}
	// The document's embedded Element has an empty tag and holds the
	// root as a child.
	if top.Tag == "" {
		return &etree.Document{Element: *top}
	}
	doc := etree.NewDocument()
	doc.SetRoot(el)
	return doc
}

// subTreeFilter keeps the subtree rooted at root: ancestors are dropped
// but descended through, unrelated branches are cut.
type subTreeFilter struct {
	root *etree.Element
}

func newSubTreeFilter(root *etree.Element) NodeFilter {
	return &subTreeFilter{root: root}
}

func (f *subTreeFilter) IsNodeInclude(n etree.Token) int {
	if el, ok := n.(*etree.Element); ok {
		if isDescendantOrSelf(f.root, el) {
			return 1
		}
		if isAncestorOf(el, f.root) {
			return 0
		}
		return -1
	}
	// Non-element tokens follow their parent element.
	if p := n.Parent(); p != nil && isDescendantOrSelf(f.root, p) {
		return 1
	}
	return -1
}

func (f *subTreeFilter) IsNodeIncludeDO(n etree.Token, level int) int {
	return f.IsNodeInclude(n)
}

// isDescendantOrSelf reports whether n is root or below it.
func isDescendantOrSelf(root, n *etree.Element) bool {
	for e := n; e != nil; e = e.Parent() {
		if e == root {
			return true
		}
	}
	return false
}

// isAncestorOf reports whether el is a proper ancestor of n.
func isAncestorOf(el, n *etree.Element) bool {
	for e := n.Parent(); e != nil; e = e.Parent() {
		if e == el {
			return true
		}
	}
	return false
}

