package xmlsec

import "github.com/beevik/etree"

// Context carries the per-operation settings for signing, validation and
// reference processing. A zero Context is not usable; construct one with
// NewContext.
type Context struct {
	// Registry resolves algorithm URIs. Defaults to Global().
	Registry *Registry

	// Document is the document the operation runs against. Same-document
	// URI references resolve inside it.
	Document *etree.Document

	// BaseURI is prepended to relative external references.
	BaseURI string

	// Payload is the data a Reference with no URI attribute dereferences
	// to. Nil means such references fail.
	Payload Data

	// CacheReference retains pre-digest transform output on each
	// Reference so callers can inspect what was actually digested.
	CacheReference bool

	// UseC14N11 selects Canonical XML 1.1 over 1.0 for the implicit
	// conversion at the end of a transform chain during signing. The
	// chosen algorithm is recorded in the reference's transform list.
	UseC14N11 bool

	// SecureValidation tightens processing: denied algorithms are
	// rejected, transform chains are capped, and same-document ID
	// resolution is restricted to RegisteredIDs.
	SecureValidation bool

	// Dereferencer resolves Reference URIs. Defaults to the built-in
	// resolver when nil.
	Dereferencer URIDereferencer

	// Fetcher retrieves external (non same-document) references. Nil
	// means external references fail.
	Fetcher func(uri string) ([]byte, error)

	// IDAttributes lists the attribute names probed when resolving
	// same-document references, in order.
	IDAttributes []string

	// RegisteredIDs maps ID values to their elements. Under secure
	// validation only these IDs resolve; outside secure validation the
	// map is consulted first and the document probed second.
	RegisteredIDs map[string]*etree.Element
}

// NewContext returns a Context bound to doc with default settings.
func NewContext(doc *etree.Document) *Context {
	return &Context{
		Registry:     Global(),
		Document:     doc,
		IDAttributes: []string{"Id", "ID"},
	}
}

func (c *Context) registry() *Registry {
	if c.Registry != nil {
		return c.Registry
	}
	return Global()
}

func (c *Context) dereferencer() URIDereferencer {
	if c.Dereferencer != nil {
		return c.Dereferencer
	}
	return defaultDereferencerInstance
}

// RegisterID pre-registers an element under id for same-document
// resolution. Required for every resolvable ID when SecureValidation is
// on.
func (c *Context) RegisterID(id string, el *etree.Element) {
	if c.RegisteredIDs == nil {
		c.RegisteredIDs = map[string]*etree.Element{}
	}
	c.RegisteredIDs[id] = el
}
