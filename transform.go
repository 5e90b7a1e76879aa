package xmlsec

import (
	"encoding/base64"
	"strings"

	"github.com/beevik/etree"
)

// Transform is one stage of a reference processing chain. Marshal
// appends the <Transform> element describing the stage to parent.
type Transform interface {
	URI() string
	Transform(data Data, ctx *Context) (Data, error)
	Marshal(parent *etree.Element) error
}

// TransformChain runs transforms in order and converts the final
// output to octets. When the last transform leaves a node-set, an
// implicit canonicalization is appended: Canonical XML 1.0, or 1.1
// when ctx.UseC14N11 is set. MaterializedC14N records the algorithm a
// signer must add to the reference's transform list in that case.
type TransformChain struct {
	Transforms []Transform

	// MaterializedC14N is set by Execute when the implicit conversion
	// ran, naming the canonicalization algorithm that was applied.
	MaterializedC14N string
}

// Execute runs the chain over data and returns the octets that feed
// the digest.
func (tc *TransformChain) Execute(data Data, ctx *Context) ([]byte, error) {
	tc.MaterializedC14N = ""
	if data == nil {
		return nil, newErr(ErrInvalidInput, "transform chain: nil input")
	}
	if ctx.SecureValidation && len(tc.Transforms) > maxTransformsPerReference {
		return nil, newErr(ErrMarshal, "transform chain exceeds the limit of %d transforms", maxTransformsPerReference)
	}

	cur := data
	for _, t := range tc.Transforms {
		if ctx.SecureValidation && ctx.registry().Denied(t.URI()) {
			return nil, newErr(ErrAlgorithmUnsupported, "algorithm %s is denied under secure validation", t.URI())
		}
		next, err := t.Transform(cur, ctx)
		if err != nil {
			return nil, err
		}
		cur = next
	}

	if octets, ok := cur.(*OctetStreamData); ok {
		return octets.Octets, nil
	}

	uri := AlgorithmC14N10
	if ctx.UseC14N11 {
		uri = AlgorithmC14N11
	}
	tc.MaterializedC14N = uri
	return canonicalizeData(cur, uri, ctx)
}

// maxTransformsPerReference caps chain length under secure validation.
const maxTransformsPerReference = 5

// canonicalizeData serializes any Data variant with the named
// canonicalization algorithm.
func canonicalizeData(data Data, uri string, ctx *Context) ([]byte, error) {
	canon, err := ctx.registry().LookupCanonicalizer(uri)
	if err != nil {
		return nil, err
	}
	ns, err := nodeSetOf(data)
	if err != nil {
		return nil, err
	}
	return canon.CanonicalizeFiltered(ns.Document, ns.Filters)
}

// ParseTransforms builds a chain from a <Transforms> element.
func ParseTransforms(el *etree.Element, ctx *Context) (*TransformChain, error) {
	tc := &TransformChain{}
	if el == nil {
		return tc, nil
	}
	children := el.SelectElements("Transform")
	if ctx.SecureValidation && len(children) > maxTransformsPerReference {
		return nil, newErr(ErrMarshal, "transform chain exceeds the limit of %d transforms", maxTransformsPerReference)
	}
	for _, child := range children {
		uri := child.SelectAttrValue("Algorithm", "")
		if uri == "" {
			return nil, newErr(ErrMarshal, "Transform element is missing its Algorithm attribute")
		}
		factory, err := ctx.registry().LookupTransform(uri)
		if err != nil {
			return nil, err
		}
		t, err := factory(child)
		if err != nil {
			return nil, err
		}
		tc.Transforms = append(tc.Transforms, t)
	}
	return tc, nil
}

func marshalPlainTransform(parent *etree.Element, uri string) {
	t := parent.CreateElement("Transform")
	t.CreateAttr("Algorithm", uri)
}

// base64Transform decodes the text content of its input. Node-set
// input contributes the text of every kept text node in document
// order.
type base64Transform struct{}

// NewBase64Transform returns the http://www.w3.org/2000/09/xmldsig#base64
// transform.
func NewBase64Transform() Transform { return base64Transform{} }

func (base64Transform) URI() string { return AlgorithmBase64 }

func (base64Transform) Transform(data Data, ctx *Context) (Data, error) {
	var encoded string
	switch v := data.(type) {
	case *OctetStreamData:
		encoded = string(v.Octets)
	default:
		ns, err := nodeSetOf(data)
		if err != nil {
			return nil, err
		}
		root := ns.Document.Root()
		if root == nil {
			return nil, newErr(ErrTransform, "base64 transform: empty node-set")
		}
		var b strings.Builder
		collectText(root, ns.Filters, 0, &b)
		encoded = b.String()
	}

	stripped := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, encoded)

	decoded, err := base64.StdEncoding.DecodeString(stripped)
	if err != nil {
		return nil, wrapErr(ErrTransform, err, "base64 transform")
	}
	return NewOctetStreamData(decoded, data.SourceURI(), ""), nil
}

func (base64Transform) Marshal(parent *etree.Element) error {
	marshalPlainTransform(parent, AlgorithmBase64)
	return nil
}

func collectText(el *etree.Element, filters []NodeFilter, level int, b *strings.Builder) {
	if combinedInclude(filters, el, level) == -1 {
		return
	}
	for _, child := range el.Child {
		switch t := child.(type) {
		case *etree.Element:
			collectText(t, filters, level+1, b)
		case *etree.CharData:
			if combinedInclude(filters, t, level+1) == 1 {
				b.WriteString(t.Data)
			}
		}
	}
}

// envelopedSignatureTransform drops the Signature element enclosing
// the reference being processed. The first Signature found below the
// node-set root is the one removed, matching enveloped use where the
// signature is a child of the signed element.
type envelopedSignatureTransform struct{}

// NewEnvelopedSignatureTransform returns the enveloped-signature
// transform.
func NewEnvelopedSignatureTransform() Transform { return envelopedSignatureTransform{} }

func (envelopedSignatureTransform) URI() string { return AlgorithmEnvelopedSignature }

func (envelopedSignatureTransform) Transform(data Data, ctx *Context) (Data, error) {
	ns, err := nodeSetOf(data)
	if err != nil {
		return nil, err
	}
	root := ns.Document.Root()
	if root == nil {
		return nil, newErr(ErrTransform, "enveloped-signature transform: empty node-set")
	}
	sig := findSignatureElement(root)
	if sig == nil {
		return nil, newErr(ErrTransform, "enveloped-signature transform: no Signature element")
	}
	return ns.WithFilter(&excludeSubTreeFilter{root: sig}), nil
}

func (envelopedSignatureTransform) Marshal(parent *etree.Element) error {
	marshalPlainTransform(parent, AlgorithmEnvelopedSignature)
	return nil
}

func findSignatureElement(root *etree.Element) *etree.Element {
	if root.Tag == "Signature" && root.NamespaceURI() == NamespaceXMLDSig {
		return root
	}
	for _, child := range root.ChildElements() {
		if found := findSignatureElement(child); found != nil {
			return found
		}
	}
	return nil
}

// excludeSubTreeFilter drops the subtree rooted at root.
type excludeSubTreeFilter struct {
	root *etree.Element
}

func (f *excludeSubTreeFilter) IsNodeInclude(n etree.Token) int {
	if el, ok := n.(*etree.Element); ok {
		if isDescendantOrSelf(f.root, el) {
			return -1
		}
		return 1
	}
	if p := n.Parent(); p != nil && isDescendantOrSelf(f.root, p) {
		return -1
	}
	return 1
}

func (f *excludeSubTreeFilter) IsNodeIncludeDO(n etree.Token, level int) int {
	return f.IsNodeInclude(n)
}

// canonicalizationTransform applies an explicit canonicalization step.
type canonicalizationTransform struct {
	uri string
}

// NewCanonicalizationTransform returns a transform applying the named
// canonicalization algorithm.
func NewCanonicalizationTransform(uri string) Transform {
	return &canonicalizationTransform{uri: uri}
}

func (t *canonicalizationTransform) URI() string { return t.uri }

func (t *canonicalizationTransform) Transform(data Data, ctx *Context) (Data, error) {
	octets, err := canonicalizeData(data, t.uri, ctx)
	if err != nil {
		return nil, err
	}
	return NewOctetStreamData(octets, data.SourceURI(), "text/xml"), nil
}

func (t *canonicalizationTransform) Marshal(parent *etree.Element) error {
	marshalPlainTransform(parent, t.uri)
	return nil
}

// xpathTransform keeps the nodes for which the expression evaluates to
// true, evaluated with each node as the context node in turn.
type xpathTransform struct {
	Expression string
	Namespaces map[string]string
	Here       *AttrRef
}

// NewXPathTransform returns the XPath filtering transform for expr.
// namespaces binds the prefixes the expression uses.
func NewXPathTransform(expr string, namespaces map[string]string) Transform {
	return &xpathTransform{Expression: expr, Namespaces: namespaces}
}

func newXPathTransformFromElement(el *etree.Element) (Transform, error) {
	if el == nil {
		return nil, newErr(ErrMarshal, "XPath transform requires an XPath child element")
	}
	xp := el.SelectElement("XPath")
	if xp == nil {
		return nil, newErr(ErrMarshal, "XPath transform requires an XPath child element")
	}
	return &xpathTransform{
		Expression: xp.Text(),
		Namespaces: namespaceBindings(xp),
	}, nil
}

// namespaceBindings collects the prefix bindings in scope at el,
// nearest declaration winning.
func namespaceBindings(el *etree.Element) map[string]string {
	out := map[string]string{}
	for _, a := range inScopeNamespaces(el) {
		if a.Space == "xmlns" {
			out[a.Key] = a.Value
		}
	}
	return out
}

func (t *xpathTransform) URI() string { return AlgorithmXPath }

func (t *xpathTransform) Transform(data Data, ctx *Context) (Data, error) {
	ns, err := nodeSetOf(data)
	if err != nil {
		return nil, err
	}

	expr, err := substituteHere(t.Expression, t.Here)
	if err != nil {
		return nil, err
	}

	eval, err := newXPathEvaluator(ns.Document, t.Namespaces)
	if err != nil {
		return nil, err
	}
	defer eval.Close()

	include := map[etree.Token]bool{}
	root := ns.Document.Root()
	if err := walkTokens(root, func(tok etree.Token) error {
		keep, err := eval.BooleanAt(expr, tok)
		if err != nil {
			return err
		}
		include[tok] = keep
		return nil
	}); err != nil {
		return nil, err
	}

	return ns.WithFilter(&xpathNodeFilter{include: include}), nil
}

func (t *xpathTransform) Marshal(parent *etree.Element) error {
	tr := parent.CreateElement("Transform")
	tr.CreateAttr("Algorithm", AlgorithmXPath)
	xp := tr.CreateElement("XPath")
	for prefix, uri := range t.Namespaces {
		xp.CreateAttr("xmlns:"+prefix, uri)
	}
	xp.AddChild(&etree.CharData{Data: t.Expression})
	return nil
}

// walkTokens visits el and every element, character data and comment
// token below it in document order.
func walkTokens(el *etree.Element, visit func(etree.Token) error) error {
	if err := visit(el); err != nil {
		return err
	}
	for _, child := range el.Child {
		switch t := child.(type) {
		case *etree.Element:
			if err := walkTokens(t, visit); err != nil {
				return err
			}
		case *etree.CharData, *etree.Comment:
			if err := visit(child); err != nil {
				return err
			}
		}
	}
	return nil
}

// xpathNodeFilter includes the tokens the expression selected. Tokens
// the evaluation never saw follow their parent element.
type xpathNodeFilter struct {
	include map[etree.Token]bool
}

func (f *xpathNodeFilter) IsNodeInclude(n etree.Token) int {
	if keep, ok := f.include[n]; ok {
		if keep {
			return 1
		}
		return 0
	}
	if p := n.Parent(); p != nil {
		if keep, ok := f.include[etree.Token(p)]; ok && keep {
			return 1
		}
	}
	return 0
}

func (f *xpathNodeFilter) IsNodeIncludeDO(n etree.Token, level int) int {
	return f.IsNodeInclude(n)
}
