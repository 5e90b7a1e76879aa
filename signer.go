package xmlsec

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"

	"github.com/beevik/etree"
)

// Signer signs an XML document that already carries a Signature
// template: a <Signature> with SignedInfo, methods and references laid
// out, digest and signature values left empty.
type Signer struct {
	doc *etree.Document
	ctx *Context
}

// NewSigner returns a Signer for the XML provided.
func NewSigner(xml string) (*Signer, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(xml); err != nil {
		return nil, wrapErr(ErrMarshal, err, "unable to parse document")
	}
	return &Signer{doc: doc, ctx: NewContext(doc)}, nil
}

// Context exposes the signer's context for adjusting resolution
// settings before signing.
func (s *Signer) Context() *Context { return s.ctx }

// SetReferenceIDAttribute changes the attribute name probed when
// resolving same-document references.
func (s *Signer) SetReferenceIDAttribute(name string) {
	s.ctx.IDAttributes = []string{name}
}

// Sign digests every reference in the embedded template, signs the
// canonicalized SignedInfo with privateKey and returns the completed
// document.
func (s *Signer) Sign(privateKey *rsa.PrivateKey) (string, error) {
	sigEl := s.doc.FindElement(".//Signature")
	if sigEl == nil {
		return "", newErr(ErrMarshal, "document carries no Signature template")
	}

	si := sigEl.SelectElement("SignedInfo")
	if si == nil {
		return "", newErr(ErrMarshal, "Signature is missing its SignedInfo")
	}
	parsed, err := parseSignedInfo(si, s.ctx)
	if err != nil {
		return "", err
	}

	hash, ok := signatureMethods[parsed.SignatureMethod]
	if !ok {
		return "", newErr(ErrAlgorithmUnsupported, "no signature method registered for %s", parsed.SignatureMethod)
	}

	for i, ref := range parsed.References {
		if err := ref.Digest(s.ctx); err != nil {
			return "", err
		}
		refEl := si.SelectElements("Reference")[i]
		if err := writeDigestValue(refEl, ref); err != nil {
			return "", err
		}
	}

	canonical, err := parsed.CanonicalBytes(s.ctx)
	if err != nil {
		return "", err
	}

	h := hash.New()
	h.Write(canonical)
	sigBytes, err := rsa.SignPKCS1v15(rand.Reader, privateKey, hash, h.Sum(nil))
	if err != nil {
		return "", wrapErr(ErrSignature, err, "unable to sign")
	}

	sv := sigEl.SelectElement("SignatureValue")
	if sv == nil {
		return "", newErr(ErrMarshal, "Signature template is missing its SignatureValue")
	}
	sv.SetText(base64.StdEncoding.EncodeToString(sigBytes))

	out, err := s.doc.WriteToString()
	if err != nil {
		return "", wrapErr(ErrMarshal, err, "unable to serialize signed document")
	}
	return out, nil
}

func writeDigestValue(refEl *etree.Element, ref *Reference) error {
	dv := refEl.SelectElement("DigestValue")
	if dv == nil {
		dv = refEl.CreateElement("DigestValue")
	}
	dv.SetText(base64.StdEncoding.EncodeToString(ref.DigestValue()))
	if ref.Chain.MaterializedC14N != "" {
		transforms := refEl.SelectElement("Transforms")
		if transforms == nil {
			transforms = etree.NewElement("Transforms")
			refEl.InsertChild(refEl.SelectElement("DigestMethod"), transforms)
		}
		marshalPlainTransform(transforms, ref.Chain.MaterializedC14N)
	}
	return nil
}
