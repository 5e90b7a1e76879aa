package xmlsec

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"sync"

	"github.com/beevik/etree"

	// registers crypto.RIPEMD160
	_ "golang.org/x/crypto/ripemd160"
)

// BlockCipher describes a symmetric block cipher primitive keyed by
// algorithm URI. KeySize and BlockSize are in bytes.
type BlockCipher struct {
	KeySize   int
	BlockSize int
	NewBlock  func(key []byte) (cipher.Block, error)
}

// KeyWrap pairs the wrap and unwrap primitives registered for a
// key-wrap algorithm URI. KeySize is the KEK size in bytes, 0 when the
// primitive accepts several sizes.
type KeyWrap struct {
	KeySize int
	Wrap    func(kek, key []byte) ([]byte, error)
	Unwrap  func(kek, wrapped []byte) ([]byte, error)
}

// TransformFactory builds a Transform from its <Transform> element. The
// element is nil when the transform is constructed programmatically and
// carries no parameters.
type TransformFactory func(el *etree.Element) (Transform, error)

// Registry maps algorithm URIs to primitives. The process-wide instance
// returned by Global is populated at package initialization; once it has
// served a lookup further registration fails with ErrAlreadyInitialized.
// Scoped returns an independent, still-mutable copy for tests.
type Registry struct {
	mu             sync.RWMutex
	sealed         bool
	digests        map[string]crypto.Hash
	ciphers        map[string]BlockCipher
	keyWraps       map[string]KeyWrap
	canonicalizers map[string]func() Canonicalizer
	transforms     map[string]TransformFactory
	keyAlgorithms  map[string]string
	denied         map[string]bool
}

var global *Registry

func init() {
	global = newRegistry()
}

// Global returns the process-wide registry.
func Global() *Registry { return global }

// Scoped returns an independent copy of the global registry that can be
// modified freely regardless of the global seal.
func Scoped() *Registry {
	g := global
	g.mu.RLock()
	defer g.mu.RUnlock()

	r := &Registry{
		digests:        make(map[string]crypto.Hash, len(g.digests)),
		ciphers:        make(map[string]BlockCipher, len(g.ciphers)),
		keyWraps:       make(map[string]KeyWrap, len(g.keyWraps)),
		canonicalizers: make(map[string]func() Canonicalizer, len(g.canonicalizers)),
		transforms:     make(map[string]TransformFactory, len(g.transforms)),
		keyAlgorithms:  make(map[string]string, len(g.keyAlgorithms)),
		denied:         make(map[string]bool, len(g.denied)),
	}
	for k, v := range g.digests {
		r.digests[k] = v
	}
	for k, v := range g.ciphers {
		r.ciphers[k] = v
	}
	for k, v := range g.keyWraps {
		r.keyWraps[k] = v
	}
	for k, v := range g.canonicalizers {
		r.canonicalizers[k] = v
	}
	for k, v := range g.transforms {
		r.transforms[k] = v
	}
	for k, v := range g.keyAlgorithms {
		r.keyAlgorithms[k] = v
	}
	for k, v := range g.denied {
		r.denied[k] = v
	}
	return r
}

func newRegistry() *Registry {
	r := &Registry{
		digests:        map[string]crypto.Hash{},
		ciphers:        map[string]BlockCipher{},
		keyWraps:       map[string]KeyWrap{},
		canonicalizers: map[string]func() Canonicalizer{},
		transforms:     map[string]TransformFactory{},
		keyAlgorithms:  map[string]string{},
		denied:         map[string]bool{},
	}

	r.digests = map[string]crypto.Hash{
		AlgorithmMD5:       crypto.MD5,
		AlgorithmSHA1:      crypto.SHA1,
		AlgorithmSHA224:    crypto.SHA224,
		AlgorithmSHA256:    crypto.SHA256,
		AlgorithmSHA384:    crypto.SHA384,
		AlgorithmSHA512:    crypto.SHA512,
		AlgorithmRIPEMD160: crypto.RIPEMD160,
	}

	r.ciphers = map[string]BlockCipher{
		AlgorithmTripleDESCBC: {KeySize: 24, BlockSize: des.BlockSize, NewBlock: des.NewTripleDESCipher},
		AlgorithmAES128CBC:    {KeySize: 16, BlockSize: aes.BlockSize, NewBlock: aes.NewCipher},
		AlgorithmAES192CBC:    {KeySize: 24, BlockSize: aes.BlockSize, NewBlock: aes.NewCipher},
		AlgorithmAES256CBC:    {KeySize: 32, BlockSize: aes.BlockSize, NewBlock: aes.NewCipher},
	}

	r.keyWraps = map[string]KeyWrap{
		AlgorithmAES128KeyWrap:    {KeySize: 16, Wrap: aesKeyWrap, Unwrap: aesKeyUnwrap},
		AlgorithmAES192KeyWrap:    {KeySize: 24, Wrap: aesKeyWrap, Unwrap: aesKeyUnwrap},
		AlgorithmAES256KeyWrap:    {KeySize: 32, Wrap: aesKeyWrap, Unwrap: aesKeyUnwrap},
		AlgorithmTripleDESKeyWrap: {KeySize: 24, Wrap: tripleDESKeyWrap, Unwrap: tripleDESKeyUnwrap},
	}

	r.canonicalizers = map[string]func() Canonicalizer{
		AlgorithmC14N10:              func() Canonicalizer { return newC14N10Canonicalizer(false) },
		AlgorithmC14N10WithComments:  func() Canonicalizer { return newC14N10Canonicalizer(true) },
		AlgorithmC14N11:              func() Canonicalizer { return newC14N11Canonicalizer(false) },
		AlgorithmC14N11WithComments:  func() Canonicalizer { return newC14N11Canonicalizer(true) },
		AlgorithmExcC14N:             func() Canonicalizer { return newExcC14NCanonicalizer(false) },
		AlgorithmExcC14NWithComments: func() Canonicalizer { return newExcC14NCanonicalizer(true) },
	}

	r.transforms = map[string]TransformFactory{
		AlgorithmBase64:             func(el *etree.Element) (Transform, error) { return NewBase64Transform(), nil },
		AlgorithmEnvelopedSignature: func(el *etree.Element) (Transform, error) { return NewEnvelopedSignatureTransform(), nil },
		AlgorithmXPath:              newXPathTransformFromElement,
		AlgorithmXPath2Filter:       newXPath2TransformFromElement,
	}
	for uri := range r.canonicalizers {
		uri := uri
		r.transforms[uri] = func(el *etree.Element) (Transform, error) {
			return NewCanonicalizationTransform(uri), nil
		}
	}

	r.keyAlgorithms = map[string]string{
		AlgorithmRSAV15:           "RSA",
		AlgorithmRSAOAEP:          "RSA",
		AlgorithmAES128CBC:        "AES",
		AlgorithmAES192CBC:        "AES",
		AlgorithmAES256CBC:        "AES",
		AlgorithmAES128KeyWrap:    "AES",
		AlgorithmAES192KeyWrap:    "AES",
		AlgorithmAES256KeyWrap:    "AES",
		AlgorithmTripleDESCBC:     "DESede",
		AlgorithmTripleDESKeyWrap: "DESede",
	}

	r.denied = map[string]bool{
		AlgorithmMD5: true,
	}

	return r
}

// seal marks the registry as having served a lookup.
func (r *Registry) seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

func (r *Registry) register(f func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrAlreadyInitialized
	}
	f()
	return nil
}

// LookupDigest returns the hash registered for uri.
func (r *Registry) LookupDigest(uri string) (crypto.Hash, error) {
	r.seal()
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.digests[uri]
	if !ok {
		return 0, newErr(ErrAlgorithmUnsupported, "no digest registered for %s", uri)
	}
	return h, nil
}

// LookupCipher returns the block cipher registered for uri.
func (r *Registry) LookupCipher(uri string) (BlockCipher, error) {
	r.seal()
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.ciphers[uri]
	if !ok {
		return BlockCipher{}, newErr(ErrAlgorithmUnsupported, "no cipher registered for %s", uri)
	}
	return c, nil
}

// LookupKeyWrap returns the key-wrap primitive registered for uri.
func (r *Registry) LookupKeyWrap(uri string) (KeyWrap, error) {
	r.seal()
	r.mu.RLock()
	defer r.mu.RUnlock()
	kw, ok := r.keyWraps[uri]
	if !ok {
		return KeyWrap{}, newErr(ErrAlgorithmUnsupported, "no key wrap registered for %s", uri)
	}
	return kw, nil
}

// LookupCanonicalizer returns a fresh canonicalizer for uri.
func (r *Registry) LookupCanonicalizer(uri string) (Canonicalizer, error) {
	r.seal()
	r.mu.RLock()
	defer r.mu.RUnlock()
	mk, ok := r.canonicalizers[uri]
	if !ok {
		return nil, newErr(ErrAlgorithmUnsupported, "no canonicalizer registered for %s", uri)
	}
	return mk(), nil
}

// LookupTransform returns the transform factory registered for uri.
func (r *Registry) LookupTransform(uri string) (TransformFactory, error) {
	r.seal()
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.transforms[uri]
	if !ok {
		return nil, newErr(ErrAlgorithmUnsupported, "no transform registered for %s", uri)
	}
	return f, nil
}

// LookupKeyAlgorithm returns the key algorithm name ("RSA", "AES",
// "DESede") behind an encryption method URI.
func (r *Registry) LookupKeyAlgorithm(uri string) (string, error) {
	r.seal()
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.keyAlgorithms[uri]
	if !ok {
		return "", newErr(ErrAlgorithmUnsupported, "no key algorithm registered for %s", uri)
	}
	return name, nil
}

// Denied reports whether uri is on the secure-validation deny-list.
func (r *Registry) Denied(uri string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.denied[uri]
}

// RegisterDigest adds a digest algorithm.
func (r *Registry) RegisterDigest(uri string, h crypto.Hash) error {
	return r.register(func() { r.digests[uri] = h })
}

// RegisterCipher adds a block cipher algorithm.
func (r *Registry) RegisterCipher(uri string, c BlockCipher) error {
	return r.register(func() { r.ciphers[uri] = c })
}

// RegisterKeyWrap adds a key-wrap algorithm.
func (r *Registry) RegisterKeyWrap(uri string, kw KeyWrap) error {
	return r.register(func() { r.keyWraps[uri] = kw })
}

// RegisterCanonicalizer adds a canonicalization algorithm.
func (r *Registry) RegisterCanonicalizer(uri string, mk func() Canonicalizer) error {
	return r.register(func() { r.canonicalizers[uri] = mk })
}

// RegisterTransform adds a transform algorithm.
func (r *Registry) RegisterTransform(uri string, f TransformFactory) error {
	return r.register(func() { r.transforms[uri] = f })
}

// RegisterDenied adds uri to the secure-validation deny-list.
func (r *Registry) RegisterDenied(uri string) error {
	return r.register(func() { r.denied[uri] = true })
}
