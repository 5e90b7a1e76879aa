package xmlsec

import (
	"crypto/rsa"
	"crypto/x509"

	"github.com/beevik/etree"
	"go.uber.org/zap"
)

// Validator verifies a signed XML document. The signature is taken
// from the document itself, or assigned externally with SetSignature.
type Validator struct {
	// Certificates, when set by the caller, pins verification to these
	// certificates instead of whatever KeyInfo carries.
	Certificates []*x509.Certificate

	// KeySelector overrides key resolution. Defaults to KeyInfoSelector.
	KeySelector KeySelector

	doc         *etree.Document
	sigEl       *etree.Element
	ctx         *Context
	signingCert *x509.Certificate
}

// NewValidator returns a Validator for the XML provided.
func NewValidator(xml string) (*Validator, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(xml); err != nil {
		return nil, wrapErr(ErrMarshal, err, "unable to parse document")
	}
	return &Validator{doc: doc, ctx: NewContext(doc)}, nil
}

// Context exposes the validator's context for adjusting resolution and
// secure-validation settings before validating.
func (v *Validator) Context() *Context { return v.ctx }

// SetReferenceIDAttribute changes the attribute name probed when
// resolving same-document references.
func (v *Validator) SetReferenceIDAttribute(name string) {
	v.ctx.IDAttributes = []string{name}
}

// SetXML replaces the document under validation.
func (v *Validator) SetXML(xml string) error {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(xml); err != nil {
		return wrapErr(ErrMarshal, err, "unable to parse document")
	}
	v.doc = doc
	v.ctx.Document = doc
	v.sigEl = nil
	return nil
}

// SetSignature assigns a detached signature to verify against the
// document.
func (v *Validator) SetSignature(sig string) error {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(sig); err != nil {
		return wrapErr(ErrMarshal, err, "unable to parse signature")
	}
	v.sigEl = doc.Root()
	return nil
}

// SetValidationCert pins verification to cert.
func (v *Validator) SetValidationCert(cert *x509.Certificate) {
	v.Certificates = append(v.Certificates, cert)
}

// SetValidationCertFromPEMString pins verification to the certificate
// in certPEM.
func (v *Validator) SetValidationCertFromPEMString(certPEM string) error {
	cert, err := LoadCertFromPEMString(certPEM, "CERTIFICATE")
	if err != nil {
		return err
	}
	v.Certificates = append(v.Certificates, cert)
	return nil
}

// SigningCert returns the pinned certificate that verified the
// signature, nil when verification used KeyInfo or has not run.
func (v *Validator) SigningCert() *x509.Certificate { return v.signingCert }

// Validate verifies the signature and every reference digest.
//
// Deprecated: use ValidateReferences, which also reports what was
// signed.
func (v *Validator) Validate() error {
	_, err := v.ValidateReferences()
	return err
}

// ValidateReferences verifies every reference digest and the signature
// value over SignedInfo, returning the canonical octets that each
// reference digested. Callers must inspect the returned content to
// confirm that what was signed is what they intend to trust.
func (v *Validator) ValidateReferences() ([]string, error) {
	sig, err := v.parseSignature()
	if err != nil {
		return nil, err
	}

	cacheBefore := v.ctx.CacheReference
	v.ctx.CacheReference = true
	defer func() { v.ctx.CacheReference = cacheBefore }()

	result, err := v.verify(sig)
	if err != nil {
		return nil, err
	}

	var referenced []string
	for i, rr := range result.References {
		if rr.Err != nil {
			return nil, rr.Err
		}
		if !rr.Valid {
			return nil, newErr(ErrDigest, "digest mismatch for reference %q", rr.URI)
		}
		referenced = append(referenced, string(sig.SignedInfo.References[i].DigestInput()))
	}

	if !result.SignatureValid {
		return nil, newErr(ErrSignature, "computed signature does not match the SignatureValue provided")
	}
	return referenced, nil
}

func (v *Validator) parseSignature() (*XMLSignature, error) {
	if v.sigEl == nil {
		v.sigEl = v.doc.FindElement(".//Signature")
		if v.sigEl == nil {
			return nil, newErr(ErrMarshal, "no Signature element in the document; assign one with SetSignature")
		}
	}
	return ParseXMLSignature(v.sigEl, v.ctx)
}

func (v *Validator) verify(sig *XMLSignature) (*VerifyResult, error) {
	v.signingCert = nil

	if len(v.Certificates) > 0 {
		var last *VerifyResult
		for _, cert := range v.Certificates {
			pub, ok := cert.PublicKey.(*rsa.PublicKey)
			if !ok {
				logger.Warn("skipping pinned certificate with non-RSA key")
				continue
			}
			result, err := sig.Verify(pub, v.ctx)
			if err != nil {
				return nil, err
			}
			if result.SignatureValid {
				v.signingCert = cert
				return result, nil
			}
			logger.Debug("pinned certificate did not verify the signature",
				zap.String("subject", cert.Subject.String()))
			last = result
		}
		if last == nil {
			return nil, newErr(ErrKeyResolution, "no pinned certificate carries an RSA key")
		}
		return last, nil
	}

	selector := v.KeySelector
	if selector == nil {
		selector = KeyInfoSelector{}
	}
	pub, err := selector.SelectKey(sig, v.ctx)
	if err != nil {
		return nil, err
	}
	return sig.Verify(pub, v.ctx)
}
