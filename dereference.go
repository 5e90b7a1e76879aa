package xmlsec

import (
	"net/url"
	"strings"

	"github.com/beevik/etree"
)

// AttrRef names an attribute on a specific element. Attribute values in
// etree carry no backpointer to their element, so the pair is passed
// around instead.
type AttrRef struct {
	Element *etree.Element
	Name    string
}

// ReferenceInfo describes the URI being dereferenced. HasURI
// distinguishes an absent URI attribute from URI="".
type ReferenceInfo struct {
	URI     string
	HasURI  bool
	BaseURI string

	// Here is the URI attribute itself, used by XPath expressions that
	// call here().
	Here *AttrRef
}

// URIDereferencer resolves a reference URI into input Data.
type URIDereferencer interface {
	Dereference(info ReferenceInfo, ctx *Context) (Data, error)
}

// Dereference resolves info with the context's dereferencer.
func (c *Context) Dereference(info ReferenceInfo) (Data, error) {
	return c.dereferencer().Dereference(info, c)
}

type defaultDereferencer struct{}

var defaultDereferencerInstance URIDereferencer = defaultDereferencer{}

func (defaultDereferencer) Dereference(info ReferenceInfo, ctx *Context) (Data, error) {
	if !info.HasURI {
		if ctx.Payload == nil {
			return nil, newErr(ErrInvalidInput, "reference has no URI and no payload is set")
		}
		return ctx.Payload, nil
	}

	switch {
	case info.URI == "":
		if ctx.Document == nil {
			return nil, newErr(ErrInvalidInput, "reference URI \"\" requires a document")
		}
		return NewNodeSetData(ctx.Document, ""), nil

	case strings.HasPrefix(info.URI, "#"):
		id := info.URI[1:]
		el, err := resolveID(id, ctx)
		if err != nil {
			return nil, err
		}
		return NewSubTreeData(el, info.URI), nil

	default:
		if _, err := url.Parse(info.URI); err != nil {
			return nil, wrapErr(ErrInvalidInput, err, "reference URI %q is not valid", info.URI)
		}
		uri := info.URI
		if info.BaseURI != "" && !strings.Contains(uri, "://") {
			uri = info.BaseURI + uri
		}
		if ctx.Fetcher == nil {
			return nil, newErr(ErrKeyResolution, "no fetcher configured for external reference %s", info.URI)
		}
		octets, err := ctx.Fetcher(uri)
		if err != nil {
			return nil, wrapErr(ErrKeyResolution, err, "unable to fetch %s", uri)
		}
		return NewOctetStreamData(octets, info.URI, ""), nil
	}
}

// resolveID finds the element carrying id. Registered IDs win; under
// secure validation they are the only source consulted.
func resolveID(id string, ctx *Context) (*etree.Element, error) {
	if el, ok := ctx.RegisteredIDs[id]; ok {
		return el, nil
	}
	if ctx.SecureValidation {
		return nil, newErr(ErrKeyResolution, "ID %q is not registered and secure validation forbids document scanning", id)
	}
	if ctx.Document == nil {
		return nil, newErr(ErrKeyResolution, "no document to resolve ID %q against", id)
	}
	attrs := ctx.IDAttributes
	if len(attrs) == 0 {
		attrs = []string{"Id", "ID"}
	}
	for _, name := range attrs {
		if el := findByAttribute(ctx.Document, name, id); el != nil {
			return el, nil
		}
	}
	return nil, newErr(ErrKeyResolution, "no element with ID %q", id)
}

func findByAttribute(doc *etree.Document, name, value string) *etree.Element {
	if root := doc.Root(); root != nil {
		return findByAttributeIn(root, name, value)
	}
	return nil
}

func findByAttributeIn(el *etree.Element, name, value string) *etree.Element {
	if el.SelectAttrValue(name, "") == value {
		return el
	}
	for _, child := range el.ChildElements() {
		if found := findByAttributeIn(child, name, value); found != nil {
			return found
		}
	}
	return nil
}
