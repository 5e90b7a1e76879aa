package xmlenc

import (
	"github.com/beevik/etree"

	"github.com/shamildag/xmlsec"
)

// resolveCipherReference dereferences a CipherReference against the
// document being processed and runs its transforms, producing the raw
// cipher octets. A typical reference selects an element by fragment
// URI, carves out its text with an XPath transform and base64-decodes
// it.
func resolveCipherReference(ref *CipherReference, doc *etree.Document, reg *xmlsec.Registry) ([]byte, error) {
	if ref.URI == "" {
		return nil, newErr(xmlsec.ErrMarshal, "CipherReference has no URI")
	}
	if doc == nil {
		return nil, newErr(xmlsec.ErrInvalidState, "CipherReference requires the document it occurs in; load the EncryptedData with its document")
	}

	ctx := xmlsec.NewContext(doc)
	ctx.Registry = reg

	data, err := ctx.Dereference(xmlsec.ReferenceInfo{URI: ref.URI, HasURI: true})
	if err != nil {
		return nil, err
	}

	chain, err := xmlsec.ParseTransforms(ref.Transforms, ctx)
	if err != nil {
		return nil, err
	}
	return chain.Execute(data, ctx)
}
