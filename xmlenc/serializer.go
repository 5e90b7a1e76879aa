package xmlenc

import (
	"strings"

	"github.com/beevik/etree"

	"github.com/shamildag/xmlsec"
)

// Serializer turns elements and element content into the octets that
// get encrypted, and parses decrypted octets back into nodes in the
// namespace context of their destination.
type Serializer struct {
	// Canonicalizer, when set, canonicalizes serialized elements.
	// Otherwise plain serialization is used.
	Canonicalizer xmlsec.Canonicalizer
}

// Serialize renders el as a standalone fragment. Namespace
// declarations in scope at el but declared above it are pulled onto
// the copy so the fragment parses on its own.
func (s *Serializer) Serialize(el *etree.Element) ([]byte, error) {
	copied := el.Copy()
	populateNamespaces(copied, el)

	doc := etree.NewDocument()
	doc.SetRoot(copied)

	if s.Canonicalizer != nil {
		return s.Canonicalizer.Canonicalize(doc)
	}
	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, wrapErr(xmlsec.ErrMarshal, err, "serialize element")
	}
	return out, nil
}

// SerializeContent renders the child nodes of el, each child element
// as its own namespace-complete fragment.
func (s *Serializer) SerializeContent(el *etree.Element) ([]byte, error) {
	var b strings.Builder
	for _, child := range el.Child {
		switch t := child.(type) {
		case *etree.Element:
			frag, err := s.Serialize(t)
			if err != nil {
				return nil, err
			}
			b.Write(frag)
		case *etree.CharData:
			b.WriteString(escapeText(t.Data))
		case *etree.Comment:
			b.WriteString("<!--" + t.Data + "-->")
		case *etree.ProcInst:
			b.WriteString("<?" + t.Target + " " + t.Inst + "?>")
		}
	}
	return []byte(b.String()), nil
}

// Deserialize parses octets as markup in the namespace context of
// destination: the declarations in scope there wrap the fragment while
// parsing, then the parsed nodes are returned detached, ready for
// insertion at destination.
func (s *Serializer) Deserialize(octets []byte, destination *etree.Element) ([]etree.Token, error) {
	var b strings.Builder
	b.WriteString("<dummy")
	if destination != nil {
		for _, a := range inScopeNamespaceAttrs(destination) {
			b.WriteString(" ")
			b.WriteString(attrKey(a))
			b.WriteString(`="`)
			b.WriteString(escapeAttr(a.Value))
			b.WriteString(`"`)
		}
	}
	b.WriteString(">")
	b.Write(octets)
	b.WriteString("</dummy>")

	doc := etree.NewDocument()
	if err := doc.ReadFromString(b.String()); err != nil {
		return nil, wrapErr(xmlsec.ErrMarshal, err, "unable to parse decrypted content")
	}

	wrapper := doc.Root()
	tokens := make([]etree.Token, 0, len(wrapper.Child))
	for _, child := range wrapper.Child {
		tokens = append(tokens, child)
	}
	// Detach so callers can re-home the nodes.
	for _, tok := range tokens {
		wrapper.RemoveChild(tok)
	}
	return tokens, nil
}

// populateNamespaces copies onto copied every namespace declaration in
// scope at original that the copy does not itself declare. Nearest
// declarations win.
func populateNamespaces(copied, original *etree.Element) {
	for _, a := range inScopeNamespaceAttrs(original) {
		if !hasAttrNamed(copied, a) {
			copied.CreateAttr(attrKey(a), a.Value)
		}
	}
}

func inScopeNamespaceAttrs(el *etree.Element) []etree.Attr {
	var chain []*etree.Element
	for e := el; e != nil; e = e.Parent() {
		if e.Tag == "" {
			break
		}
		chain = append(chain, e)
	}
	seen := map[string]bool{}
	var out []etree.Attr
	for _, e := range chain {
		for _, a := range e.Attr {
			if a.Space != "xmlns" && !(a.Space == "" && a.Key == "xmlns") {
				continue
			}
			key := attrKey(a)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, a)
		}
	}
	return out
}

func attrKey(a etree.Attr) string {
	if a.Space == "" {
		return a.Key
	}
	return a.Space + ":" + a.Key
}

func hasAttrNamed(el *etree.Element, a etree.Attr) bool {
	for _, b := range el.Attr {
		if b.Space == a.Space && b.Key == a.Key {
			return true
		}
	}
	return false
}

func escapeText(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}

func escapeAttr(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", `"`, "&quot;")
	return r.Replace(s)
}
