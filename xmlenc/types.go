// Package xmlenc implements XML Encryption: EncryptedData and
// EncryptedKey structures and the XMLCipher processor that encrypts,
// decrypts, wraps and unwraps through them.
package xmlenc

import (
	"github.com/beevik/etree"

	"github.com/shamildag/xmlsec"
)

func newErr(kind xmlsec.ErrorKind, format string, args ...interface{}) error {
	return xmlsec.NewError(kind, "xmlenc: "+format, args...)
}

func wrapErr(kind xmlsec.ErrorKind, cause error, format string, args ...interface{}) error {
	return xmlsec.WrapError(kind, cause, "xmlenc: "+format, args...)
}

// EncryptionMethod describes the algorithm applied to the ciphertext
// or the wrapped key.
type EncryptionMethod struct {
	Algorithm string

	// KeySize is the xenc:KeySize child in bits, 0 when absent.
	KeySize int

	// OAEPParams carries the raw OAEPparams octets for RSA-OAEP.
	OAEPParams []byte

	// DigestAlgorithm is the ds:DigestMethod child for RSA-OAEP, empty
	// otherwise.
	DigestAlgorithm string
}

// KeyInfo carries the key identification children of an encrypted
// object. EncryptedKeys hold any number of nested xenc:EncryptedKey
// structures keyed by position.
type KeyInfo struct {
	KeyName       string
	EncryptedKeys []*EncryptedKey

	// RetrievalMethodURI points at an EncryptedKey elsewhere in the
	// document.
	RetrievalMethodURI string
}

// Empty reports whether the KeyInfo has no content to marshal.
func (ki *KeyInfo) Empty() bool {
	return ki == nil || (ki.KeyName == "" && len(ki.EncryptedKeys) == 0 && ki.RetrievalMethodURI == "")
}

// CipherData holds exactly one of an inline value or a reference. The
// two arms are mutually exclusive for the lifetime of the structure:
// setting one after the other has been set fails, while overwriting
// the same arm is allowed.
type CipherData struct {
	value     []byte
	hasValue  bool
	reference *CipherReference
}

// NewCipherValue returns a CipherData carrying octets inline. The
// value is stored raw and base64-encoded only at marshal time.
func NewCipherValue(octets []byte) *CipherData {
	return &CipherData{value: octets, hasValue: true}
}

// NewCipherReference returns a CipherData pointing at external
// ciphertext.
func NewCipherReference(ref *CipherReference) *CipherData {
	return &CipherData{reference: ref}
}

// SetValue stores octets inline. Fails when the reference arm is
// already set.
func (cd *CipherData) SetValue(octets []byte) error {
	if cd.reference != nil {
		return newErr(xmlsec.ErrInvalidState, "CipherData already carries a CipherReference")
	}
	cd.value = octets
	cd.hasValue = true
	return nil
}

// SetReference stores a reference. Fails when the value arm is already
// set.
func (cd *CipherData) SetReference(ref *CipherReference) error {
	if cd.hasValue {
		return newErr(xmlsec.ErrInvalidState, "CipherData already carries a CipherValue")
	}
	cd.reference = ref
	return nil
}

// Value returns the inline octets and whether the value arm is set.
func (cd *CipherData) Value() ([]byte, bool) { return cd.value, cd.hasValue }

// Reference returns the reference arm, nil when unset.
func (cd *CipherData) Reference() *CipherReference { return cd.reference }

// CipherReference locates ciphertext outside the CipherData, with the
// transforms that recover the raw octets from it.
type CipherReference struct {
	URI        string
	Transforms *etree.Element
}

// EncryptedType is the shared shape of EncryptedData and EncryptedKey.
type EncryptedType struct {
	ID       string
	Type     string
	MimeType string
	Encoding string

	EncryptionMethod *EncryptionMethod
	KeyInfo          *KeyInfo
	CipherData       *CipherData

	EncryptionProperties *etree.Element
}

// EncryptedData is the xenc:EncryptedData structure.
type EncryptedData struct {
	EncryptedType
}

// EncryptedKey is the xenc:EncryptedKey structure.
type EncryptedKey struct {
	EncryptedType

	Recipient      string
	ReferenceList  *ReferenceList
	CarriedKeyName string
}

// ReferenceKind discriminates the two reference flavors a
// ReferenceList may hold.
type ReferenceKind int

// Reference kinds.
const (
	DataReferenceKind ReferenceKind = iota + 1
	KeyReferenceKind
)

// ListReference is one DataReference or KeyReference of a
// ReferenceList.
type ListReference struct {
	Kind ReferenceKind
	URI  string
}

// ReferenceList is a homogeneous list of references from an
// EncryptedKey to the objects its key decrypts. The first reference
// added fixes the kind; mixing kinds fails.
type ReferenceList struct {
	refs []ListReference
}

// AddDataReference appends a DataReference to uri.
func (rl *ReferenceList) AddDataReference(uri string) error {
	return rl.add(ListReference{Kind: DataReferenceKind, URI: uri})
}

// AddKeyReference appends a KeyReference to uri.
func (rl *ReferenceList) AddKeyReference(uri string) error {
	return rl.add(ListReference{Kind: KeyReferenceKind, URI: uri})
}

func (rl *ReferenceList) add(ref ListReference) error {
	if len(rl.refs) > 0 && rl.refs[0].Kind != ref.Kind {
		return newErr(xmlsec.ErrInvalidInput, "ReferenceList cannot mix DataReference and KeyReference entries")
	}
	rl.refs = append(rl.refs, ref)
	return nil
}

// References returns the list contents.
func (rl *ReferenceList) References() []ListReference { return rl.refs }

// Len returns the number of references.
func (rl *ReferenceList) Len() int {
	if rl == nil {
		return 0
	}
	return len(rl.refs)
}
