package xmlsec

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"strings"

	"github.com/beevik/etree"
	"go.uber.org/zap"
)

// signatureMethods maps signature method URIs to the digest they run
// over. All entries are RSASSA-PKCS1-v1_5.
var signatureMethods = map[string]crypto.Hash{
	AlgorithmRSASHA1:   crypto.SHA1,
	AlgorithmRSASHA256: crypto.SHA256,
	AlgorithmRSASHA384: crypto.SHA384,
	AlgorithmRSASHA512: crypto.SHA512,
}

// XMLSignature is a <Signature> under construction or under
// verification.
type XMLSignature struct {
	SignedInfo *SignedInfo
	ID         string

	// KeyInfo carries the certificates or key values found in the
	// document, raw.
	KeyInfo *etree.Element

	signatureValue []byte
	element        *etree.Element
}

// NewXMLSignature returns a fresh signature using the given
// canonicalization and signature methods.
func NewXMLSignature(canonicalizationMethod, signatureMethod string) *XMLSignature {
	return &XMLSignature{
		SignedInfo: &SignedInfo{
			CanonicalizationMethod: canonicalizationMethod,
			SignatureMethod:        signatureMethod,
		},
	}
}

// AddReference appends r to the signature's SignedInfo.
func (s *XMLSignature) AddReference(r *Reference) { s.SignedInfo.AddReference(r) }

// SignatureValue returns the raw signature octets, nil before Sign.
func (s *XMLSignature) SignatureValue() []byte { return s.signatureValue }

// Element returns the <Signature> element backing this structure, nil
// until Sign or parse.
func (s *XMLSignature) Element() *etree.Element { return s.element }

// Sign digests every fresh reference, marshals the signature under
// parent and computes the signature value with key. Passing nil parent
// builds a detached signature in its own document.
func (s *XMLSignature) Sign(key *rsa.PrivateKey, parent *etree.Element, ctx *Context) error {
	hash, ok := signatureMethods[s.SignedInfo.SignatureMethod]
	if !ok {
		return newErr(ErrAlgorithmUnsupported, "no signature method registered for %s", s.SignedInfo.SignatureMethod)
	}

	if err := s.SignedInfo.DigestReferences(ctx); err != nil {
		return err
	}

	if parent == nil {
		doc := etree.NewDocument()
		parent = doc.CreateElement("detached")
	}
	sig := parent.CreateElement("Signature")
	sig.CreateAttr("xmlns", NamespaceXMLDSig)
	if s.ID != "" {
		sig.CreateAttr("Id", s.ID)
	}

	if _, err := s.SignedInfo.Marshal(sig); err != nil {
		return err
	}

	canonical, err := s.SignedInfo.CanonicalBytes(ctx)
	if err != nil {
		return err
	}

	h := hash.New()
	h.Write(canonical)
	digest := h.Sum(nil)

	sigBytes, err := rsa.SignPKCS1v15(rand.Reader, key, hash, digest)
	if err != nil {
		return wrapErr(ErrSignature, err, "unable to sign")
	}
	s.signatureValue = sigBytes

	sv := sig.CreateElement("SignatureValue")
	sv.SetText(base64.StdEncoding.EncodeToString(sigBytes))

	if s.KeyInfo != nil {
		sig.AddChild(s.KeyInfo.Copy())
	}

	s.element = sig
	return nil
}

// ReferenceResult is the verdict for one reference.
type ReferenceResult struct {
	URI   string
	Valid bool
	Err   error
}

// VerifyResult is the full verdict of a verification run. The
// signature over SignedInfo and every reference digest are reported
// independently; nothing short-circuits.
type VerifyResult struct {
	SignatureValid bool
	References     []ReferenceResult
}

// Valid reports whether the signature and every reference checked out.
func (vr *VerifyResult) Valid() bool {
	if !vr.SignatureValid {
		return false
	}
	for _, r := range vr.References {
		if !r.Valid {
			return false
		}
	}
	return true
}

// Verify checks the signature value against pub and recomputes every
// reference digest.
func (s *XMLSignature) Verify(pub *rsa.PublicKey, ctx *Context) (*VerifyResult, error) {
	hash, ok := signatureMethods[s.SignedInfo.SignatureMethod]
	if !ok {
		return nil, newErr(ErrAlgorithmUnsupported, "no signature method registered for %s", s.SignedInfo.SignatureMethod)
	}
	if len(s.signatureValue) == 0 {
		return nil, newErr(ErrInvalidState, "signature has no SignatureValue")
	}

	result := &VerifyResult{}

	canonical, err := s.SignedInfo.CanonicalBytes(ctx)
	if err != nil {
		return nil, err
	}
	h := hash.New()
	h.Write(canonical)
	digest := h.Sum(nil)
	if err := rsa.VerifyPKCS1v15(pub, hash, digest, s.signatureValue); err == nil {
		result.SignatureValid = true
	} else {
		logger.Debug("signature value mismatch", zap.Error(err))
	}

	for _, r := range s.SignedInfo.References {
		rr := ReferenceResult{URI: r.URI}
		rr.Valid, rr.Err = r.Validate(ctx)
		result.References = append(result.References, rr)
	}
	return result, nil
}

// ParseXMLSignature builds an XMLSignature from a <Signature> element.
func ParseXMLSignature(el *etree.Element, ctx *Context) (*XMLSignature, error) {
	if el == nil {
		return nil, newErr(ErrInvalidInput, "nil Signature element")
	}

	siEl := el.SelectElement("SignedInfo")
	if siEl == nil {
		return nil, newErr(ErrMarshal, "Signature is missing its SignedInfo")
	}
	si, err := parseSignedInfo(siEl, ctx)
	if err != nil {
		return nil, err
	}

	s := &XMLSignature{
		SignedInfo: si,
		ID:         el.SelectAttrValue("Id", ""),
		KeyInfo:    el.SelectElement("KeyInfo"),
		element:    el,
	}

	sv := el.SelectElement("SignatureValue")
	if sv == nil {
		return nil, newErr(ErrMarshal, "Signature is missing its SignatureValue")
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, sv.Text()))
	if err != nil {
		return nil, wrapErr(ErrMarshal, err, "SignatureValue is not valid base64")
	}
	s.signatureValue = decoded
	return s, nil
}
