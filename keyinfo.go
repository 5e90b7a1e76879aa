package xmlsec

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"strings"
	"time"

	"go.uber.org/zap"
)

// KeySelector picks the verification key for a parsed signature.
type KeySelector interface {
	SelectKey(sig *XMLSignature, ctx *Context) (*rsa.PublicKey, error)
}

// KeyInfoSelector resolves the key from the signature's own KeyInfo:
// X509Certificate entries first, RSAKeyValue entries second.
// Candidates that fail to parse are logged and skipped.
type KeyInfoSelector struct{}

func (KeyInfoSelector) SelectKey(sig *XMLSignature, ctx *Context) (*rsa.PublicKey, error) {
	if sig.KeyInfo == nil {
		return nil, newErr(ErrKeyResolution, "signature carries no KeyInfo")
	}

	for _, certEl := range sig.KeyInfo.FindElements(".//X509Certificate") {
		cert, err := parseCertificateText(certEl.Text())
		if err != nil {
			logger.Warn("skipping unparseable certificate", zap.Error(err))
			continue
		}
		if pub, ok := cert.PublicKey.(*rsa.PublicKey); ok {
			return pub, nil
		}
		logger.Warn("skipping certificate with non-RSA key")
	}

	for _, kv := range sig.KeyInfo.FindElements(".//RSAKeyValue") {
		var modulus, exponent string
		if el := kv.SelectElement("Modulus"); el != nil {
			modulus = el.Text()
		}
		if el := kv.SelectElement("Exponent"); el != nil {
			exponent = el.Text()
		}
		pub, err := parseRSAKeyValue(modulus, exponent)
		if err != nil {
			logger.Warn("skipping unparseable RSAKeyValue", zap.Error(err))
			continue
		}
		return pub, nil
	}

	return nil, newErr(ErrKeyResolution, "no usable key in KeyInfo")
}

func parseCertificateText(text string) (*x509.Certificate, error) {
	stripped := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, text)
	der, err := base64.StdEncoding.DecodeString(stripped)
	if err != nil {
		return nil, wrapErr(ErrKeyResolution, err, "X509Certificate is not valid base64")
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, wrapErr(ErrKeyResolution, err, "unable to parse certificate")
	}
	return cert, nil
}

func parseRSAKeyValue(modulusB64, exponentB64 string) (*rsa.PublicKey, error) {
	if modulusB64 == "" || exponentB64 == "" {
		return nil, newErr(ErrKeyResolution, "RSAKeyValue is missing Modulus or Exponent")
	}
	modulus, err := base64.StdEncoding.DecodeString(strings.TrimSpace(modulusB64))
	if err != nil {
		return nil, wrapErr(ErrKeyResolution, err, "RSA modulus is not valid base64")
	}
	expBytes, err := base64.StdEncoding.DecodeString(strings.TrimSpace(exponentB64))
	if err != nil {
		return nil, wrapErr(ErrKeyResolution, err, "RSA exponent is not valid base64")
	}
	if len(expBytes) > 8 {
		return nil, newErr(ErrKeyResolution, "RSA exponent is too large")
	}
	e := 0
	for _, b := range expBytes {
		e = e<<8 | int(b)
	}
	if e <= 1 {
		return nil, newErr(ErrKeyResolution, "RSA exponent is out of range")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(modulus), E: e}, nil
}

// LoadCertFromPEMString parses a certificate from PEM text. The
// blockType guards against feeding a key where a certificate is
// expected.
func LoadCertFromPEMString(pemText, blockType string) (*x509.Certificate, error) {
	if !strings.Contains(pemText, "-----BEGIN") {
		pemText = fmt.Sprintf("-----BEGIN %s-----\n%s\n-----END %s-----", blockType, pemText, blockType)
	}
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, newErr(ErrKeyResolution, "unable to decode PEM block")
	}
	if block.Type != blockType {
		return nil, newErr(ErrKeyResolution, "expected PEM block %q, found %q", blockType, block.Type)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, wrapErr(ErrKeyResolution, err, "unable to parse certificate")
	}
	return cert, nil
}

// CheckCertificateValidity verifies cert is inside its validity window
// and, when certDigest is non-empty, that digesting the raw certificate
// with digestURI reproduces it.
func CheckCertificateValidity(cert *x509.Certificate, certDigest, digestURI string, reg *Registry) error {
	now := time.Now()
	if now.Before(cert.NotBefore) {
		return newErr(ErrKeyResolution, "certificate is not valid until %s", cert.NotBefore.UTC().Format(time.RFC3339))
	}
	if now.After(cert.NotAfter) {
		return newErr(ErrKeyResolution, "certificate expired at %s", cert.NotAfter.UTC().Format(time.RFC3339))
	}
	if certDigest == "" {
		return nil
	}

	hash, err := reg.LookupDigest(digestURI)
	if err != nil {
		return err
	}
	h := hash.New()
	h.Write(cert.Raw)
	computed := base64.StdEncoding.EncodeToString(h.Sum(nil))
	if computed != certDigest {
		return newErr(ErrKeyResolution, "certificate digest mismatch")
	}
	return nil
}
