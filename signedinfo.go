package xmlsec

import "github.com/beevik/etree"

// SignedInfo is the signed core of a Signature: the canonicalization
// and signature methods plus the reference list.
type SignedInfo struct {
	CanonicalizationMethod string
	SignatureMethod        string
	ID                     string
	References             []*Reference

	// element is the parsed <SignedInfo> when the structure came from
	// a document. Canonicalization for verification runs over it so
	// the octets match what was signed.
	element *etree.Element
}

// AddReference appends r to the reference list.
func (si *SignedInfo) AddReference(r *Reference) {
	si.References = append(si.References, r)
}

// DigestReferences digests every fresh reference. Already digested
// references are left alone.
func (si *SignedInfo) DigestReferences(ctx *Context) error {
	for _, r := range si.References {
		if r.Digested() {
			continue
		}
		if err := r.Digest(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Marshal builds the <SignedInfo> element under parent. Every
// reference must be digested first.
func (si *SignedInfo) Marshal(parent *etree.Element) (*etree.Element, error) {
	if len(si.References) == 0 {
		return nil, newErr(ErrInvalidInput, "SignedInfo requires at least one Reference")
	}

	el := parent.CreateElement("SignedInfo")
	if si.ID != "" {
		el.CreateAttr("Id", si.ID)
	}

	cm := el.CreateElement("CanonicalizationMethod")
	cm.CreateAttr("Algorithm", si.CanonicalizationMethod)

	sm := el.CreateElement("SignatureMethod")
	sm.CreateAttr("Algorithm", si.SignatureMethod)

	for _, r := range si.References {
		if err := r.Marshal(el); err != nil {
			return nil, err
		}
	}
	si.element = el
	return el, nil
}

// CanonicalBytes canonicalizes the SignedInfo element with its own
// CanonicalizationMethod, producing the octets the signature covers.
func (si *SignedInfo) CanonicalBytes(ctx *Context) ([]byte, error) {
	if si.element == nil {
		return nil, newErr(ErrInvalidState, "SignedInfo has not been marshalled or parsed")
	}
	canon, err := ctx.registry().LookupCanonicalizer(si.CanonicalizationMethod)
	if err != nil {
		return nil, err
	}

	doc := etree.NewDocument()
	doc.SetRoot(si.element.Copy())
	hoistSignatureNamespace(doc.Root(), si.element)
	return canon.Canonicalize(doc)
}

// hoistSignatureNamespace copies the namespace declarations that bind
// the SignedInfo prefix from enclosing elements onto the detached
// copy, so canonicalization of the fragment sees the same bindings the
// enveloped element saw.
func hoistSignatureNamespace(copied, original *etree.Element) {
	parent := original.Parent()
	if parent == nil {
		return
	}
	want := "xmlns"
	if original.Space != "" {
		want = "xmlns:" + original.Space
	}
	if copied.SelectAttr(want) != nil {
		return
	}
	for e := parent; e != nil; e = e.Parent() {
		if attr := e.SelectAttr(want); attr != nil {
			copied.CreateAttr(want, attr.Value)
			return
		}
	}
}

// parseSignedInfo builds a SignedInfo from its element.
func parseSignedInfo(el *etree.Element, ctx *Context) (*SignedInfo, error) {
	si := &SignedInfo{
		ID:      el.SelectAttrValue("Id", ""),
		element: el,
	}

	cm := el.SelectElement("CanonicalizationMethod")
	if cm == nil {
		return nil, newErr(ErrMarshal, "SignedInfo is missing its CanonicalizationMethod")
	}
	si.CanonicalizationMethod = cm.SelectAttrValue("Algorithm", "")
	if si.CanonicalizationMethod == "" {
		return nil, newErr(ErrMarshal, "CanonicalizationMethod is missing its Algorithm attribute")
	}

	sm := el.SelectElement("SignatureMethod")
	if sm == nil {
		return nil, newErr(ErrMarshal, "SignedInfo is missing its SignatureMethod")
	}
	si.SignatureMethod = sm.SelectAttrValue("Algorithm", "")
	if si.SignatureMethod == "" {
		return nil, newErr(ErrMarshal, "SignatureMethod is missing its Algorithm attribute")
	}

	refs := el.SelectElements("Reference")
	if len(refs) == 0 {
		return nil, newErr(ErrMarshal, "SignedInfo carries no Reference elements")
	}
	for _, refEl := range refs {
		r, err := parseReference(refEl, ctx)
		if err != nil {
			return nil, err
		}
		si.References = append(si.References, r)
	}
	return si, nil
}
