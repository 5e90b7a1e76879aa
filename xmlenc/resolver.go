package xmlenc

import (
	"go.uber.org/zap"

	"github.com/shamildag/xmlsec"
)

// KeyResolver recovers the content encryption key named by a KeyInfo.
type KeyResolver interface {
	ResolveKey(ki *KeyInfo, dataAlgorithm string) ([]byte, error)
}

// EncryptedKeyResolver tries every EncryptedKey in the KeyInfo in
// order, unwrapping each with the configured KEK until one succeeds.
// Failures are logged and the next candidate tried.
type EncryptedKeyResolver struct {
	// KEK is the key-encryption key: []byte for symmetric wraps, an
	// *rsa.PrivateKey for RSA key transport.
	KEK interface{}

	// Registry defaults to the global registry when nil.
	Registry *xmlsec.Registry

	// Recipient, when non-empty, restricts candidates to EncryptedKeys
	// with a matching Recipient attribute.
	Recipient string
}

func (r *EncryptedKeyResolver) registry() *xmlsec.Registry {
	if r.Registry != nil {
		return r.Registry
	}
	return xmlsec.Global()
}

// ResolveKey unwraps the first usable EncryptedKey. dataAlgorithm
// names the algorithm the recovered key will feed, so key sizes can be
// checked before the key is accepted.
func (r *EncryptedKeyResolver) ResolveKey(ki *KeyInfo, dataAlgorithm string) ([]byte, error) {
	if ki == nil || len(ki.EncryptedKeys) == 0 {
		return nil, newErr(xmlsec.ErrKeyResolution, "KeyInfo carries no EncryptedKey")
	}

	reg := r.registry()
	var expectedSize int
	if bc, err := reg.LookupCipher(dataAlgorithm); err == nil {
		expectedSize = bc.KeySize
	}

	for i, ek := range ki.EncryptedKeys {
		if r.Recipient != "" && ek.Recipient != r.Recipient {
			continue
		}

		cipher := NewXMLCipher("")
		cipher.SetRegistry(reg)
		if err := cipher.Init(ModeUnwrap, r.KEK); err != nil {
			return nil, err
		}
		key, err := cipher.DecryptKey(ek, dataAlgorithm)
		if err != nil {
			xmlsec.Logger().Warn("EncryptedKey candidate failed to unwrap",
				zap.Int("index", i), zap.Error(err))
			continue
		}
		if expectedSize != 0 && len(key) != expectedSize {
			xmlsec.Logger().Warn("unwrapped key has the wrong size for the data algorithm",
				zap.Int("index", i),
				zap.Int("got", len(key)),
				zap.Int("want", expectedSize))
			xmlsec.Zeroize(key)
			continue
		}
		return key, nil
	}
	return nil, newErr(xmlsec.ErrKeyResolution, "no EncryptedKey could be unwrapped with the available KEK")
}
