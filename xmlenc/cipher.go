package xmlenc

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"io"

	"github.com/beevik/etree"
	"go.uber.org/zap"

	"github.com/shamildag/xmlsec"
)

// Mode is the operating mode of an XMLCipher.
type Mode int

// XMLCipher modes. The zero value means uninitialized.
const (
	ModeUnset Mode = iota
	ModeEncrypt
	ModeDecrypt
	ModeWrap
	ModeUnwrap
)

func (m Mode) String() string {
	switch m {
	case ModeEncrypt:
		return "ENCRYPT"
	case ModeDecrypt:
		return "DECRYPT"
	case ModeWrap:
		return "WRAP"
	case ModeUnwrap:
		return "UNWRAP"
	}
	return "UNSET"
}

// XMLCipher encrypts and decrypts XML content and wraps and unwraps
// keys, one mode at a time. Init moves between modes and discards any
// structure under construction.
type XMLCipher struct {
	registry   *xmlsec.Registry
	serializer *Serializer

	algorithm string
	mode      Mode

	// key is the active key material: []byte for symmetric modes,
	// *rsa.PublicKey or *rsa.PrivateKey for RSA key transport.
	key interface{}

	contextDocument *etree.Document
	encryptedData   *EncryptedData
	encryptedKey    *EncryptedKey
}

// NewXMLCipher returns a cipher for the block or key-wrap algorithm
// URI. An empty algorithm is accepted for decrypt and unwrap use,
// where the algorithm comes from the processed document; encrypting
// with it fails at operation time.
func NewXMLCipher(algorithm string) *XMLCipher {
	canon, _ := xmlsec.Global().LookupCanonicalizer(xmlsec.AlgorithmExcC14N)
	return &XMLCipher{
		registry:   xmlsec.Global(),
		serializer: &Serializer{Canonicalizer: canon},
		algorithm:  algorithm,
	}
}

// SetRegistry swaps the algorithm registry, for scoped registries in
// tests.
func (c *XMLCipher) SetRegistry(r *xmlsec.Registry) { c.registry = r }

// SetSerializer swaps the serializer, for canonicalizing variants.
func (c *XMLCipher) SetSerializer(s *Serializer) { c.serializer = s }

// Init puts the cipher into mode with key. Any EncryptedData or
// EncryptedKey being built is discarded; encrypting modes allocate a
// fresh placeholder.
func (c *XMLCipher) Init(mode Mode, key interface{}) error {
	switch mode {
	case ModeEncrypt, ModeDecrypt, ModeWrap, ModeUnwrap:
	default:
		return newErr(xmlsec.ErrInvalidState, "unknown mode %d", int(mode))
	}

	c.wipeKey()
	c.mode = mode
	c.key = key
	c.encryptedData = nil
	c.encryptedKey = nil

	switch mode {
	case ModeEncrypt:
		c.encryptedData = &EncryptedData{EncryptedType: EncryptedType{CipherData: NewCipherValue(nil)}}
	case ModeWrap:
		c.encryptedKey = &EncryptedKey{EncryptedType: EncryptedType{CipherData: NewCipherValue(nil)}}
	}
	return nil
}

// Close discards the cipher's state and wipes symmetric key material.
func (c *XMLCipher) Close() {
	c.wipeKey()
	c.mode = ModeUnset
	c.encryptedData = nil
	c.encryptedKey = nil
	c.contextDocument = nil
}

func (c *XMLCipher) wipeKey() {
	if b, ok := c.key.([]byte); ok {
		xmlsec.Zeroize(b)
	}
	c.key = nil
}

// GetEncryptedData returns the EncryptedData under construction or
// last loaded.
func (c *XMLCipher) GetEncryptedData() *EncryptedData { return c.encryptedData }

// GetEncryptedKey returns the EncryptedKey under construction or last
// loaded.
func (c *XMLCipher) GetEncryptedKey() *EncryptedKey { return c.encryptedKey }

// EncryptData serializes element (or its content when contentOnly)
// and encrypts it into the EncryptedData under construction.
func (c *XMLCipher) EncryptData(doc *etree.Document, element *etree.Element, contentOnly bool) (*EncryptedData, error) {
	if c.mode != ModeEncrypt {
		return nil, newErr(xmlsec.ErrInvalidState, "EncryptData requires ENCRYPT mode, cipher is in %s", c.mode)
	}
	if c.algorithm == "" {
		return nil, newErr(xmlsec.ErrAlgorithmUnsupported, "no encryption algorithm was configured")
	}
	symKey, ok := c.key.([]byte)
	if !ok {
		return nil, newErr(xmlsec.ErrInvalidInput, "block encryption requires a symmetric key")
	}

	var plaintext []byte
	var err error
	if contentOnly {
		plaintext, err = c.serializer.SerializeContent(element)
	} else {
		plaintext, err = c.serializer.Serialize(element)
	}
	if err != nil {
		return nil, err
	}
	defer xmlsec.Zeroize(plaintext)

	ciphertext, err := encryptCBC(c.registry, c.algorithm, symKey, plaintext)
	if err != nil {
		return nil, err
	}

	c.contextDocument = doc
	ed := c.encryptedData
	ed.EncryptionMethod = &EncryptionMethod{Algorithm: c.algorithm}
	typ := xmlsec.NamespaceXMLEnc + "Element"
	if contentOnly {
		typ = xmlsec.NamespaceXMLEnc + "Content"
	}
	ed.Type = typ
	if err := ed.CipherData.SetValue(ciphertext); err != nil {
		return nil, err
	}
	return ed, nil
}

// EncryptKey wraps keyBytes under the cipher's key with the cipher's
// algorithm, building an EncryptedKey. Calling it outside WRAP mode is
// tolerated for compatibility with older callers and logged.
func (c *XMLCipher) EncryptKey(keyBytes []byte) (*EncryptedKey, error) {
	if c.mode != ModeWrap {
		xmlsec.Logger().Warn("EncryptKey called outside WRAP mode",
			zap.String("mode", c.mode.String()))
	}
	if c.algorithm == "" {
		return nil, newErr(xmlsec.ErrAlgorithmUnsupported, "no key wrap algorithm was configured")
	}

	var wrapped []byte
	var err error
	switch kek := c.key.(type) {
	case []byte:
		kw, lookupErr := c.registry.LookupKeyWrap(c.algorithm)
		if lookupErr != nil {
			return nil, lookupErr
		}
		if kw.KeySize != 0 && len(kek) != kw.KeySize {
			return nil, newErr(xmlsec.ErrEncryption, "key wrap %s requires a %d byte KEK, got %d", c.algorithm, kw.KeySize, len(kek))
		}
		wrapped, err = kw.Wrap(kek, keyBytes)
	case *rsa.PublicKey:
		wrapped, err = encryptRSA(c.algorithm, kek, keyBytes)
	default:
		return nil, newErr(xmlsec.ErrInvalidInput, "key wrapping requires a symmetric KEK or an RSA public key")
	}
	if err != nil {
		return nil, err
	}

	ek := c.encryptedKey
	if ek == nil {
		ek = &EncryptedKey{EncryptedType: EncryptedType{CipherData: NewCipherValue(nil)}}
		c.encryptedKey = ek
	}
	ek.EncryptionMethod = &EncryptionMethod{Algorithm: c.algorithm}
	if err := ek.CipherData.SetValue(wrapped); err != nil {
		return nil, err
	}
	return ek, nil
}

// DecryptKey unwraps the key carried by ek. keyAlgorithm names the
// algorithm the recovered key is destined for; it sizes sanity checks
// but the recovered octets are returned as-is.
func (c *XMLCipher) DecryptKey(ek *EncryptedKey, keyAlgorithm string) ([]byte, error) {
	if c.mode != ModeUnwrap {
		return nil, newErr(xmlsec.ErrInvalidState, "DecryptKey requires UNWRAP mode, cipher is in %s", c.mode)
	}
	if ek == nil || ek.CipherData == nil {
		return nil, newErr(xmlsec.ErrInvalidInput, "EncryptedKey carries no CipherData")
	}
	if ek.EncryptionMethod == nil || ek.EncryptionMethod.Algorithm == "" {
		return nil, newErr(xmlsec.ErrMarshal, "EncryptedKey carries no EncryptionMethod")
	}
	wrapAlgorithm := ek.EncryptionMethod.Algorithm

	wrapped, err := c.cipherOctets(ek.CipherData, nil)
	if err != nil {
		return nil, err
	}

	kind, err := c.registry.LookupKeyAlgorithm(wrapAlgorithm)
	if err != nil {
		return nil, err
	}

	sized := func(key []byte, err error) ([]byte, error) {
		if err != nil {
			return nil, err
		}
		if bc, lookupErr := c.registry.LookupCipher(keyAlgorithm); lookupErr == nil && len(key) != bc.KeySize {
			xmlsec.Zeroize(key)
			return nil, newErr(xmlsec.ErrKeyResolution, "unwrapped key is %d bytes, %s requires %d", len(key), keyAlgorithm, bc.KeySize)
		}
		return key, nil
	}

	switch kek := c.key.(type) {
	case []byte:
		if kind == "RSA" {
			return nil, newErr(xmlsec.ErrInvalidInput, "EncryptedKey uses %s but the KEK is symmetric", wrapAlgorithm)
		}
		kw, err := c.registry.LookupKeyWrap(wrapAlgorithm)
		if err != nil {
			return nil, err
		}
		return sized(kw.Unwrap(kek, wrapped))
	case *rsa.PrivateKey:
		if kind != "RSA" {
			return nil, newErr(xmlsec.ErrInvalidInput, "EncryptedKey uses %s but the KEK is an RSA key", wrapAlgorithm)
		}
		return sized(decryptRSA(wrapAlgorithm, kek, wrapped, ek.EncryptionMethod))
	}
	return nil, newErr(xmlsec.ErrInvalidInput, "key unwrapping requires a symmetric KEK or an RSA private key")
}

// LoadEncryptedData parses el into the cipher for later decryption.
func (c *XMLCipher) LoadEncryptedData(doc *etree.Document, el *etree.Element) (*EncryptedData, error) {
	ed, err := ParseEncryptedData(el)
	if err != nil {
		return nil, err
	}
	c.contextDocument = doc
	c.encryptedData = ed
	return ed, nil
}

// LoadEncryptedKey parses el into the cipher for later unwrapping.
func (c *XMLCipher) LoadEncryptedKey(doc *etree.Document, el *etree.Element) (*EncryptedKey, error) {
	ek, err := ParseEncryptedKey(el)
	if err != nil {
		return nil, err
	}
	c.contextDocument = doc
	c.encryptedKey = ek
	return ek, nil
}

// DecryptToByteArray decrypts the EncryptedData element el and returns
// the plaintext octets without touching the document.
func (c *XMLCipher) DecryptToByteArray(doc *etree.Document, el *etree.Element) ([]byte, error) {
	if c.mode != ModeDecrypt {
		return nil, newErr(xmlsec.ErrInvalidState, "DecryptToByteArray requires DECRYPT mode, cipher is in %s", c.mode)
	}
	ed, err := c.LoadEncryptedData(doc, el)
	if err != nil {
		return nil, err
	}
	return c.decryptData(ed)
}

// DoFinal runs the cipher's mode against element: ENCRYPT replaces it
// (or its content) with the EncryptedData element, DECRYPT replaces
// the EncryptedData with the recovered nodes. The mutated document is
// returned.
func (c *XMLCipher) DoFinal(doc *etree.Document, element *etree.Element, contentOnly bool) (*etree.Document, error) {
	switch c.mode {
	case ModeEncrypt:
		ed, err := c.EncryptData(doc, element, contentOnly)
		if err != nil {
			return nil, err
		}
		edEl, err := ed.Marshal()
		if err != nil {
			return nil, err
		}
		if contentOnly {
			for _, child := range append([]etree.Token{}, element.Child...) {
				element.RemoveChild(child)
			}
			element.AddChild(edEl)
		} else {
			parent := element.Parent()
			// The document root's parent is the document's own element,
			// which has an empty tag.
			if parent == nil || parent.Tag == "" {
				return nil, newErr(xmlsec.ErrInvalidInput, "cannot replace the document root")
			}
			parent.InsertChild(element, edEl)
			parent.RemoveChild(element)
		}
		return doc, nil

	case ModeDecrypt:
		if element != nil && element.Tag != "EncryptedData" {
			found := element.FindElement(".//EncryptedData")
			if found == nil {
				return nil, newErr(xmlsec.ErrMarshal, "no EncryptedData under %s", element.Tag)
			}
			element = found
		}
		ed, err := c.LoadEncryptedData(doc, element)
		if err != nil {
			return nil, err
		}
		plaintext, err := c.decryptData(ed)
		if err != nil {
			return nil, err
		}
		defer xmlsec.Zeroize(plaintext)

		parent := element.Parent()
		if parent == nil {
			return nil, newErr(xmlsec.ErrInvalidInput, "EncryptedData has no parent to splice into")
		}
		tokens, err := c.serializer.Deserialize(plaintext, parent)
		if err != nil {
			return nil, err
		}
		for _, tok := range tokens {
			parent.InsertChild(element, tok)
		}
		parent.RemoveChild(element)
		return doc, nil
	}
	return nil, newErr(xmlsec.ErrInvalidState, "DoFinal requires ENCRYPT or DECRYPT mode, cipher is in %s", c.mode)
}

// decryptData recovers the plaintext octets of ed with the cipher's
// key, resolving the key through KeyInfo when the cipher has none.
func (c *XMLCipher) decryptData(ed *EncryptedData) ([]byte, error) {
	if ed.EncryptionMethod == nil || ed.EncryptionMethod.Algorithm == "" {
		return nil, newErr(xmlsec.ErrMarshal, "EncryptedData carries no EncryptionMethod")
	}
	algorithm := ed.EncryptionMethod.Algorithm

	symKey, ok := c.key.([]byte)
	if !ok || symKey == nil {
		resolved, err := c.resolveDataKey(ed, algorithm)
		if err != nil {
			return nil, err
		}
		symKey = resolved
	} else if bc, err := c.registry.LookupCipher(algorithm); err == nil &&
		len(symKey) != bc.KeySize && ed.KeyInfo != nil && len(ed.KeyInfo.EncryptedKeys) > 0 {
		// The held key cannot serve the data algorithm, so treat it as
		// the KEK for the embedded EncryptedKeys.
		resolved, err := c.resolveDataKey(ed, algorithm)
		if err != nil {
			return nil, err
		}
		symKey = resolved
	}

	ciphertext, err := c.cipherOctets(ed.CipherData, ed.EncryptedType.EncryptionProperties)
	if err != nil {
		return nil, err
	}
	return decryptCBC(c.registry, algorithm, symKey, ciphertext)
}

// resolveDataKey recovers the content key from the EncryptedKeys in
// ed's KeyInfo using the cipher's key as KEK.
func (c *XMLCipher) resolveDataKey(ed *EncryptedData, dataAlgorithm string) ([]byte, error) {
	if ed.KeyInfo.Empty() || len(ed.KeyInfo.EncryptedKeys) == 0 {
		return nil, newErr(xmlsec.ErrKeyResolution, "no key available and KeyInfo carries no EncryptedKey")
	}
	resolver := &EncryptedKeyResolver{KEK: c.key, Registry: c.registry}
	return resolver.ResolveKey(ed.KeyInfo, dataAlgorithm)
}

// cipherOctets extracts the raw cipher octets from cd, resolving a
// CipherReference against the context document when needed.
func (c *XMLCipher) cipherOctets(cd *CipherData, _ *etree.Element) ([]byte, error) {
	if cd == nil {
		return nil, newErr(xmlsec.ErrInvalidInput, "nil CipherData")
	}
	if ref := cd.Reference(); ref != nil {
		return resolveCipherReference(ref, c.contextDocument, c.registry)
	}
	value, ok := cd.Value()
	if !ok {
		return nil, newErr(xmlsec.ErrInvalidState, "CipherData carries neither value nor reference")
	}
	return value, nil
}

// encryptCBC encrypts plaintext with the block cipher behind
// algorithm. The output is IV followed by ciphertext, the IV exactly
// one block long.
func encryptCBC(reg *xmlsec.Registry, algorithm string, key, plaintext []byte) ([]byte, error) {
	bc, err := reg.LookupCipher(algorithm)
	if err != nil {
		return nil, err
	}
	if len(key) != bc.KeySize {
		return nil, newErr(xmlsec.ErrEncryption, "%s requires a %d byte key, got %d", algorithm, bc.KeySize, len(key))
	}
	block, err := bc.NewBlock(key)
	if err != nil {
		return nil, wrapErr(xmlsec.ErrEncryption, err, "%s", algorithm)
	}

	padded := padPlaintext(plaintext, bc.BlockSize)
	defer xmlsec.Zeroize(padded)

	out := make([]byte, bc.BlockSize+len(padded))
	iv := out[:bc.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, wrapErr(xmlsec.ErrEncryption, err, "IV generation")
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[bc.BlockSize:], padded)
	return out, nil
}

// decryptCBC reverses encryptCBC and strips the padding.
func decryptCBC(reg *xmlsec.Registry, algorithm string, key, data []byte) ([]byte, error) {
	bc, err := reg.LookupCipher(algorithm)
	if err != nil {
		return nil, err
	}
	if len(key) != bc.KeySize {
		return nil, newErr(xmlsec.ErrEncryption, "%s requires a %d byte key, got %d", algorithm, bc.KeySize, len(key))
	}
	if len(data) < 2*bc.BlockSize || len(data)%bc.BlockSize != 0 {
		return nil, newErr(xmlsec.ErrEncryption, "ciphertext length %d is not valid for %s", len(data), algorithm)
	}
	block, err := bc.NewBlock(key)
	if err != nil {
		return nil, wrapErr(xmlsec.ErrEncryption, err, "%s", algorithm)
	}

	iv := data[:bc.BlockSize]
	body := data[bc.BlockSize:]
	plaintext := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, body)

	return stripPadding(plaintext, bc.BlockSize)
}

// padPlaintext applies the XML Encryption padding: fill bytes up to a
// block boundary with the final byte holding the pad length. Unlike
// PKCS#7 the fill bytes are arbitrary; a full extra block is added
// when the input already ends on a boundary.
func padPlaintext(plaintext []byte, blockSize int) []byte {
	padLen := blockSize - len(plaintext)%blockSize
	padded := make([]byte, len(plaintext)+padLen)
	copy(padded, plaintext)
	padded[len(padded)-1] = byte(padLen)
	return padded
}

// stripPadding removes XML Encryption padding in place.
func stripPadding(plaintext []byte, blockSize int) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, newErr(xmlsec.ErrEncryption, "decrypted data is empty")
	}
	padLen := int(plaintext[len(plaintext)-1])
	if padLen < 1 || padLen > blockSize || padLen > len(plaintext) {
		return nil, newErr(xmlsec.ErrEncryption, "invalid padding length %d", padLen)
	}
	return plaintext[:len(plaintext)-padLen], nil
}

// encryptRSA performs RSA key transport.
func encryptRSA(algorithm string, pub *rsa.PublicKey, keyBytes []byte) ([]byte, error) {
	switch algorithm {
	case xmlsec.AlgorithmRSAV15:
		out, err := rsa.EncryptPKCS1v15(rand.Reader, pub, keyBytes)
		if err != nil {
			return nil, wrapErr(xmlsec.ErrEncryption, err, "RSA 1.5 key transport")
		}
		return out, nil
	case xmlsec.AlgorithmRSAOAEP:
		out, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, keyBytes, nil)
		if err != nil {
			return nil, wrapErr(xmlsec.ErrEncryption, err, "RSA OAEP key transport")
		}
		return out, nil
	}
	return nil, newErr(xmlsec.ErrAlgorithmUnsupported, "no RSA key transport registered for %s", algorithm)
}

// decryptRSA reverses encryptRSA. OAEPParams from the EncryptionMethod
// become the OAEP label.
func decryptRSA(algorithm string, priv *rsa.PrivateKey, wrapped []byte, method *EncryptionMethod) ([]byte, error) {
	switch algorithm {
	case xmlsec.AlgorithmRSAV15:
		out, err := rsa.DecryptPKCS1v15(rand.Reader, priv, wrapped)
		if err != nil {
			return nil, wrapErr(xmlsec.ErrEncryption, err, "RSA 1.5 key transport")
		}
		return out, nil
	case xmlsec.AlgorithmRSAOAEP:
		var label []byte
		if method != nil {
			label = method.OAEPParams
		}
		out, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, priv, wrapped, label)
		if err != nil {
			return nil, wrapErr(xmlsec.ErrEncryption, err, "RSA OAEP key transport")
		}
		return out, nil
	}
	return nil, newErr(xmlsec.ErrAlgorithmUnsupported, "no RSA key transport registered for %s", algorithm)
}
