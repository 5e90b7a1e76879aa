package xmlsec

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"
	"github.com/lestrrat-go/libxml2/clib"
	"github.com/lestrrat-go/libxml2/parser"
	"github.com/lestrrat-go/libxml2/types"
	"github.com/lestrrat-go/libxml2/xpath"
)

// xpathEvaluator evaluates XPath expressions against an etree document
// by mirroring it into libxml2. The two trees are bound node-for-node
// so selection results map back onto the original etree tokens.
type xpathEvaluator struct {
	doc      types.Document
	ctx      *xpath.Context
	toToken  map[uintptr]etree.Token
	fromNode map[etree.Token]types.Node
}

func newXPathEvaluator(doc *etree.Document, namespaces map[string]string) (*xpathEvaluator, error) {
	if doc == nil || doc.Root() == nil {
		return nil, newErr(ErrTransform, "xpath: document has no root element")
	}
	serialized, err := doc.WriteToString()
	if err != nil {
		return nil, wrapErr(ErrTransform, err, "xpath: serialize")
	}

	parsed, err := parser.New().ParseString(serialized)
	if err != nil {
		return nil, wrapErr(ErrTransform, err, "xpath: libxml2 parse")
	}

	rootNode, err := parsed.DocumentElement()
	if err != nil {
		parsed.Free()
		return nil, wrapErr(ErrTransform, err, "xpath: document element")
	}

	e := &xpathEvaluator{
		doc:      parsed,
		toToken:  map[uintptr]etree.Token{},
		fromNode: map[etree.Token]types.Node{},
	}
	if err := e.bind(doc.Root(), rootNode); err != nil {
		parsed.Free()
		return nil, err
	}

	ctx, err := xpath.NewContext(rootNode)
	if err != nil {
		parsed.Free()
		return nil, wrapErr(ErrTransform, err, "xpath: context")
	}
	for prefix, uri := range namespaces {
		if prefix == "" {
			continue
		}
		if err := ctx.RegisterNS(prefix, uri); err != nil {
			ctx.Free()
			parsed.Free()
			return nil, wrapErr(ErrTransform, err, "xpath: register namespace %s", prefix)
		}
	}
	e.ctx = ctx
	return e, nil
}

func (e *xpathEvaluator) Close() {
	if e.ctx != nil {
		e.ctx.Free()
		e.ctx = nil
	}
	if e.doc != nil {
		e.doc.Free()
		e.doc = nil
	}
}

// bind pairs el with node and recurses. Children are matched per kind
// in document order since libxml2 and etree agree on the serialized
// form they were both built from.
func (e *xpathEvaluator) bind(el *etree.Element, node types.Node) error {
	ptr := node.Pointer()
	e.toToken[ptr] = el
	e.fromNode[el] = node

	children, err := node.ChildNodes()
	if err != nil {
		return wrapErr(ErrTransform, err, "xpath: child nodes")
	}

	type queues struct {
		elements []types.Node
		texts    []types.Node
		comments []types.Node
		pis      []types.Node
	}
	var q queues
	for _, c := range children {
		switch c.NodeType() {
		case clib.ElementNode:
			q.elements = append(q.elements, c)
		case clib.TextNode, clib.CDataSectionNode:
			q.texts = append(q.texts, c)
		case clib.CommentNode:
			q.comments = append(q.comments, c)
		case clib.PiNode:
			q.pis = append(q.pis, c)
		}
	}

	var ei, ti, ci, pi int
	for _, child := range el.Child {
		switch t := child.(type) {
		case *etree.Element:
			if ei >= len(q.elements) {
				return newErr(ErrTransform, "xpath: tree mismatch at element <%s>", t.Tag)
			}
			if err := e.bind(t, q.elements[ei]); err != nil {
				return err
			}
			ei++
		case *etree.CharData:
			if ti < len(q.texts) {
				e.toToken[q.texts[ti].Pointer()] = t
				e.fromNode[t] = q.texts[ti]
				ti++
			}
		case *etree.Comment:
			if ci < len(q.comments) {
				e.toToken[q.comments[ci].Pointer()] = t
				e.fromNode[t] = q.comments[ci]
				ci++
			}
		case *etree.ProcInst:
			if pi < len(q.pis) {
				e.toToken[q.pis[pi].Pointer()] = t
				e.fromNode[t] = q.pis[pi]
				pi++
			}
		}
	}
	return nil
}

// SelectTokens evaluates expr as a node-set and returns the matching
// etree tokens. Attribute and namespace nodes in the result are
// represented by their owning element.
func (e *xpathEvaluator) SelectTokens(expr string) (map[etree.Token]bool, error) {
	res, err := e.ctx.Find(expr)
	if err != nil {
		return nil, wrapErr(ErrTransform, err, "xpath: %s", expr)
	}
	defer res.Free()

	out := map[etree.Token]bool{}
	iter := res.NodeIter()
	for iter.Next() {
		node := iter.Node()
		if node == nil {
			continue
		}
		if tok, ok := e.toToken[node.Pointer()]; ok {
			out[tok] = true
			continue
		}
		// Attribute and namespace nodes map to their parent element.
		if parent, err := node.ParentNode(); err == nil && parent != nil {
			if tok, ok := e.toToken[parent.Pointer()]; ok {
				out[tok] = true
			}
		}
	}
	return out, nil
}

// BooleanAt evaluates expr as a boolean with tok as the context node.
func (e *xpathEvaluator) BooleanAt(expr string, tok etree.Token) (bool, error) {
	node, ok := e.fromNode[tok]
	if !ok {
		return false, newErr(ErrTransform, "xpath: token has no bound node")
	}
	if err := e.ctx.SetContextNode(node); err != nil {
		return false, wrapErr(ErrTransform, err, "xpath: set context node")
	}
	res, err := e.ctx.Find(expr)
	if err != nil {
		return false, wrapErr(ErrTransform, err, "xpath: %s", expr)
	}
	defer res.Free()
	return res.Bool(), nil
}

// substituteHere rewrites calls to here() into an absolute location
// path selecting the URI attribute that anchors the expression. The
// xpointer here() function is not available in a plain XPath context.
func substituteHere(expr string, here *AttrRef) (string, error) {
	if !strings.Contains(expr, "here()") {
		return expr, nil
	}
	if here == nil || here.Element == nil {
		return "", newErr(ErrTransform, "xpath: expression uses here() but no anchor is set")
	}
	path := elementPositionPath(here.Element) + "/@" + here.Name
	return strings.ReplaceAll(expr, "here()", path), nil
}

// elementPositionPath builds the positional path of el from the
// document root, of the form /*[1]/*[2]/*[1].
func elementPositionPath(el *etree.Element) string {
	var steps []string
	for e := el; e != nil && e.Tag != ""; e = e.Parent() {
		pos := 1
		if p := e.Parent(); p != nil {
			for _, sib := range p.ChildElements() {
				if sib == e {
					break
				}
				pos++
			}
		}
		steps = append(steps, fmt.Sprintf("*[%d]", pos))
	}
	var b strings.Builder
	for i := len(steps) - 1; i >= 0; i-- {
		b.WriteString("/")
		b.WriteString(steps[i])
	}
	return b.String()
}
