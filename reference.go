package xmlsec

import (
	"crypto/subtle"
	"encoding/base64"
	"strings"

	"github.com/beevik/etree"
)

// Reference is one <Reference> of a SignedInfo. A reference is either
// fresh or digested; DigestValue is non-empty exactly when it has been
// digested, by Digest during signing or by parsing a signed document.
type Reference struct {
	// URI locates the referenced data. HasURI distinguishes a missing
	// URI attribute, which dereferences to the context payload.
	URI    string
	HasURI bool

	// ID is the optional Id attribute.
	ID string

	// Type is the optional Type attribute.
	Type string

	// DigestAlgorithm names the digest method.
	DigestAlgorithm string

	// Chain holds the transforms applied between dereferencing and
	// digesting.
	Chain *TransformChain

	// Here anchors here() in XPath expressions to the URI attribute of
	// this reference's element, when parsed from a document.
	Here *AttrRef

	// AppliedTransformData, when set, is digested directly in place of
	// dereferencing the URI and running the chain. Callers use it to
	// supply pre-transformed input.
	AppliedTransformData Data

	digestValue []byte
	digestInput []byte
}

// NewReference returns a fresh reference to uri digesting with
// digestAlgorithm.
func NewReference(uri, digestAlgorithm string) *Reference {
	return &Reference{
		URI:             uri,
		HasURI:          true,
		DigestAlgorithm: digestAlgorithm,
		Chain:           &TransformChain{},
	}
}

// NewPayloadReference returns a fresh reference with no URI attribute;
// it dereferences to the context payload.
func NewPayloadReference(digestAlgorithm string) *Reference {
	return &Reference{
		DigestAlgorithm: digestAlgorithm,
		Chain:           &TransformChain{},
	}
}

// AddTransform appends t to the reference's chain. Fails once the
// reference is digested.
func (r *Reference) AddTransform(t Transform) error {
	if r.Digested() {
		return newErr(ErrInvalidState, "reference is already digested")
	}
	r.Chain.Transforms = append(r.Chain.Transforms, t)
	return nil
}

// Digested reports whether the reference carries a digest value.
func (r *Reference) Digested() bool { return len(r.digestValue) > 0 }

// DigestValue returns the digest, nil when the reference is fresh.
func (r *Reference) DigestValue() []byte { return r.digestValue }

// DigestInput returns the octets that were digested. Populated only
// when the context had CacheReference set.
func (r *Reference) DigestInput() []byte { return r.digestInput }

// Digest dereferences, transforms and digests the referenced data,
// moving the reference to its digested state.
func (r *Reference) Digest(ctx *Context) error {
	digest, input, err := r.computeDigest(ctx)
	if err != nil {
		return err
	}
	r.digestValue = digest
	if ctx.CacheReference {
		r.digestInput = input
	}
	return nil
}

// Validate recomputes the digest and compares it to the stored value.
// It does not change the reference's state and may be called
// repeatedly.
func (r *Reference) Validate(ctx *Context) (bool, error) {
	if !r.Digested() {
		return false, newErr(ErrInvalidState, "reference has no digest value to validate against")
	}
	digest, input, err := r.computeDigest(ctx)
	if err != nil {
		return false, err
	}
	if ctx.CacheReference {
		r.digestInput = input
	}
	return subtle.ConstantTimeCompare(digest, r.digestValue) == 1, nil
}

func (r *Reference) computeDigest(ctx *Context) (digest, input []byte, err error) {
	if r.DigestAlgorithm == "" {
		return nil, nil, newErr(ErrDigest, "reference has no digest algorithm")
	}
	if ctx.SecureValidation && ctx.registry().Denied(r.DigestAlgorithm) {
		return nil, nil, newErr(ErrAlgorithmUnsupported, "algorithm %s is denied under secure validation", r.DigestAlgorithm)
	}
	hash, err := ctx.registry().LookupDigest(r.DigestAlgorithm)
	if err != nil {
		return nil, nil, err
	}
	if !hash.Available() {
		return nil, nil, newErr(ErrDigest, "digest %s is not linked into the binary", r.DigestAlgorithm)
	}

	var octets []byte
	if r.AppliedTransformData != nil {
		if osd, ok := r.AppliedTransformData.(*OctetStreamData); ok {
			octets = osd.Octets
		} else {
			octets, err = (&TransformChain{}).Execute(r.AppliedTransformData, ctx)
			if err != nil {
				return nil, nil, err
			}
		}
	} else {
		data, err := ctx.dereferencer().Dereference(ReferenceInfo{
			URI:     r.URI,
			HasURI:  r.HasURI,
			BaseURI: ctx.BaseURI,
			Here:    r.Here,
		}, ctx)
		if err != nil {
			return nil, nil, err
		}

		r.anchorHere()
		octets, err = r.Chain.Execute(data, ctx)
		if err != nil {
			return nil, nil, err
		}
	}

	h := hash.New()
	h.Write(octets)
	return h.Sum(nil), octets, nil
}

// anchorHere points unanchored XPath transforms at this reference's
// URI attribute.
func (r *Reference) anchorHere() {
	for _, t := range r.Chain.Transforms {
		switch xp := t.(type) {
		case *xpathTransform:
			if xp.Here == nil {
				xp.Here = r.Here
			}
		case *xpath2Transform:
			if xp.Here == nil {
				xp.Here = r.Here
			}
		}
	}
}

// Equal reports whether two references describe the same location,
// transforms and digest.
func (r *Reference) Equal(o *Reference) bool {
	if r == nil || o == nil {
		return r == o
	}
	if r.URI != o.URI || r.HasURI != o.HasURI || r.Type != o.Type ||
		r.DigestAlgorithm != o.DigestAlgorithm {
		return false
	}
	if len(r.Chain.Transforms) != len(o.Chain.Transforms) {
		return false
	}
	for i := range r.Chain.Transforms {
		if r.Chain.Transforms[i].URI() != o.Chain.Transforms[i].URI() {
			return false
		}
	}
	return subtle.ConstantTimeCompare(r.digestValue, o.digestValue) == 1
}

// Marshal appends the <Reference> element to parent. A fresh reference
// cannot be marshalled. The implicit canonicalization recorded by the
// last Digest run is written as a trailing Transform so verifiers
// replay the same conversion.
func (r *Reference) Marshal(parent *etree.Element) error {
	if !r.Digested() {
		return newErr(ErrInvalidState, "reference must be digested before marshalling")
	}

	el := parent.CreateElement("Reference")
	if r.ID != "" {
		el.CreateAttr("Id", r.ID)
	}
	if r.HasURI {
		el.CreateAttr("URI", r.URI)
	}
	if r.Type != "" {
		el.CreateAttr("Type", r.Type)
	}

	if len(r.Chain.Transforms) > 0 || r.Chain.MaterializedC14N != "" {
		transforms := el.CreateElement("Transforms")
		for _, t := range r.Chain.Transforms {
			if err := t.Marshal(transforms); err != nil {
				return err
			}
		}
		if r.Chain.MaterializedC14N != "" {
			marshalPlainTransform(transforms, r.Chain.MaterializedC14N)
		}
	}

	dm := el.CreateElement("DigestMethod")
	dm.CreateAttr("Algorithm", r.DigestAlgorithm)

	dv := el.CreateElement("DigestValue")
	dv.SetText(base64.StdEncoding.EncodeToString(r.digestValue))
	return nil
}

// parseReference builds a Reference from its element. The parsed
// reference is digested when the document carried a DigestValue.
func parseReference(el *etree.Element, ctx *Context) (*Reference, error) {
	r := &Reference{
		ID:   el.SelectAttrValue("Id", ""),
		Type: el.SelectAttrValue("Type", ""),
	}
	if attr := el.SelectAttr("URI"); attr != nil {
		r.URI = attr.Value
		r.HasURI = true
		r.Here = &AttrRef{Element: el, Name: "URI"}
	}

	chain, err := ParseTransforms(el.SelectElement("Transforms"), ctx)
	if err != nil {
		return nil, err
	}
	r.Chain = chain

	dm := el.SelectElement("DigestMethod")
	if dm == nil {
		return nil, newErr(ErrMarshal, "Reference is missing its DigestMethod")
	}
	r.DigestAlgorithm = dm.SelectAttrValue("Algorithm", "")
	if r.DigestAlgorithm == "" {
		return nil, newErr(ErrMarshal, "DigestMethod is missing its Algorithm attribute")
	}
	if ctx.SecureValidation && ctx.registry().Denied(r.DigestAlgorithm) {
		return nil, newErr(ErrMarshal, "DigestMethod %s is denied under secure validation", r.DigestAlgorithm)
	}

	if dv := el.SelectElement("DigestValue"); dv != nil {
		text := strings.TrimSpace(dv.Text())
		if text != "" {
			decoded, err := base64.StdEncoding.DecodeString(text)
			if err != nil {
				return nil, wrapErr(ErrMarshal, err, "DigestValue is not valid base64")
			}
			r.digestValue = decoded
		}
	}
	return r, nil
}
