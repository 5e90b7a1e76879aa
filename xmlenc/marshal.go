package xmlenc

import (
	"encoding/base64"
	"net/url"
	"strconv"
	"strings"

	"github.com/beevik/etree"

	"github.com/shamildag/xmlsec"
)

const (
	encPrefix = "xenc"
	dsPrefix  = "ds"
)

// Marshal builds the xenc:EncryptedData element.
func (ed *EncryptedData) Marshal() (*etree.Element, error) {
	el, err := ed.EncryptedType.marshal("EncryptedData")
	if err != nil {
		return nil, err
	}
	return el, nil
}

// Marshal builds the xenc:EncryptedKey element.
func (ek *EncryptedKey) Marshal() (*etree.Element, error) {
	el, err := ek.EncryptedType.marshal("EncryptedKey")
	if err != nil {
		return nil, err
	}
	if ek.Recipient != "" {
		el.CreateAttr("Recipient", ek.Recipient)
	}
	if ek.ReferenceList.Len() > 0 {
		rl := el.CreateElement(encPrefix + ":ReferenceList")
		for _, ref := range ek.ReferenceList.References() {
			name := encPrefix + ":DataReference"
			if ref.Kind == KeyReferenceKind {
				name = encPrefix + ":KeyReference"
			}
			r := rl.CreateElement(name)
			r.CreateAttr("URI", ref.URI)
		}
	}
	if ek.CarriedKeyName != "" {
		ckn := el.CreateElement(encPrefix + ":CarriedKeyName")
		ckn.SetText(ek.CarriedKeyName)
	}
	return el, nil
}

func (et *EncryptedType) marshal(name string) (*etree.Element, error) {
	if et.CipherData == nil {
		return nil, newErr(xmlsec.ErrInvalidState, "%s has no CipherData", name)
	}
	if err := validateOptionalURI("Type", et.Type); err != nil {
		return nil, err
	}
	if err := validateOptionalURI("Encoding", et.Encoding); err != nil {
		return nil, err
	}

	el := etree.NewElement(encPrefix + ":" + name)
	el.CreateAttr("xmlns:"+encPrefix, xmlsec.NamespaceXMLEnc)
	if et.ID != "" {
		el.CreateAttr("Id", et.ID)
	}
	if et.Type != "" {
		el.CreateAttr("Type", et.Type)
	}
	if et.MimeType != "" {
		el.CreateAttr("MimeType", et.MimeType)
	}
	if et.Encoding != "" {
		el.CreateAttr("Encoding", et.Encoding)
	}

	if et.EncryptionMethod != nil {
		em := el.CreateElement(encPrefix + ":EncryptionMethod")
		em.CreateAttr("Algorithm", et.EncryptionMethod.Algorithm)
		if et.EncryptionMethod.KeySize > 0 {
			ks := em.CreateElement(encPrefix + ":KeySize")
			ks.SetText(strconv.Itoa(et.EncryptionMethod.KeySize))
		}
		if len(et.EncryptionMethod.OAEPParams) > 0 {
			op := em.CreateElement(encPrefix + ":OAEPparams")
			op.SetText(base64.StdEncoding.EncodeToString(et.EncryptionMethod.OAEPParams))
		}
		if et.EncryptionMethod.DigestAlgorithm != "" {
			dm := em.CreateElement(dsPrefix + ":DigestMethod")
			dm.CreateAttr("xmlns:"+dsPrefix, xmlsec.NamespaceXMLDSig)
			dm.CreateAttr("Algorithm", et.EncryptionMethod.DigestAlgorithm)
		}
	}

	if !et.KeyInfo.Empty() {
		ki := el.CreateElement(dsPrefix + ":KeyInfo")
		ki.CreateAttr("xmlns:"+dsPrefix, xmlsec.NamespaceXMLDSig)
		if et.KeyInfo.KeyName != "" {
			kn := ki.CreateElement(dsPrefix + ":KeyName")
			kn.SetText(et.KeyInfo.KeyName)
		}
		for _, ek := range et.KeyInfo.EncryptedKeys {
			nested, err := ek.Marshal()
			if err != nil {
				return nil, err
			}
			ki.AddChild(nested)
		}
		if et.KeyInfo.RetrievalMethodURI != "" {
			rm := ki.CreateElement(dsPrefix + ":RetrievalMethod")
			rm.CreateAttr("URI", et.KeyInfo.RetrievalMethodURI)
			rm.CreateAttr("Type", xmlsec.NamespaceXMLEnc+"EncryptedKey")
		}
	}

	cd := el.CreateElement(encPrefix + ":CipherData")
	if ref := et.CipherData.Reference(); ref != nil {
		cr := cd.CreateElement(encPrefix + ":CipherReference")
		cr.CreateAttr("URI", ref.URI)
		if ref.Transforms != nil {
			cr.AddChild(ref.Transforms.Copy())
		}
	} else {
		value, _ := et.CipherData.Value()
		cv := cd.CreateElement(encPrefix + ":CipherValue")
		cv.SetText(base64.StdEncoding.EncodeToString(value))
	}

	if et.EncryptionProperties != nil {
		el.AddChild(et.EncryptionProperties.Copy())
	}
	return el, nil
}

func validateOptionalURI(name, value string) error {
	if value == "" {
		return nil
	}
	if _, err := url.Parse(value); err != nil {
		return wrapErr(xmlsec.ErrMarshal, err, "%s attribute is not a valid URI", name)
	}
	return nil
}

// ParseEncryptedData builds an EncryptedData from its element.
func ParseEncryptedData(el *etree.Element) (*EncryptedData, error) {
	if el == nil || el.Tag != "EncryptedData" {
		return nil, newErr(xmlsec.ErrMarshal, "element is not an EncryptedData")
	}
	ed := &EncryptedData{}
	if err := ed.EncryptedType.parse(el); err != nil {
		return nil, err
	}
	return ed, nil
}

// ParseEncryptedKey builds an EncryptedKey from its element.
func ParseEncryptedKey(el *etree.Element) (*EncryptedKey, error) {
	if el == nil || el.Tag != "EncryptedKey" {
		return nil, newErr(xmlsec.ErrMarshal, "element is not an EncryptedKey")
	}
	ek := &EncryptedKey{Recipient: el.SelectAttrValue("Recipient", "")}
	if err := ek.EncryptedType.parse(el); err != nil {
		return nil, err
	}

	if rl := el.SelectElement("ReferenceList"); rl != nil {
		ek.ReferenceList = &ReferenceList{}
		for _, child := range rl.ChildElements() {
			uri := child.SelectAttrValue("URI", "")
			var err error
			switch child.Tag {
			case "DataReference":
				err = ek.ReferenceList.AddDataReference(uri)
			case "KeyReference":
				err = ek.ReferenceList.AddKeyReference(uri)
			default:
				err = newErr(xmlsec.ErrMarshal, "unexpected %s in ReferenceList", child.Tag)
			}
			if err != nil {
				return nil, err
			}
		}
	}
	if ckn := el.SelectElement("CarriedKeyName"); ckn != nil {
		ek.CarriedKeyName = ckn.Text()
	}
	return ek, nil
}

// parse reads the shared attributes and children. Singleton children
// follow first-wins, except CipherData where the last one in document
// order is the effective one.
func (et *EncryptedType) parse(el *etree.Element) error {
	et.ID = el.SelectAttrValue("Id", "")
	et.Type = el.SelectAttrValue("Type", "")
	et.MimeType = el.SelectAttrValue("MimeType", "")
	et.Encoding = el.SelectAttrValue("Encoding", "")
	if err := validateOptionalURI("Type", et.Type); err != nil {
		return err
	}
	if err := validateOptionalURI("Encoding", et.Encoding); err != nil {
		return err
	}

	if em := el.SelectElement("EncryptionMethod"); em != nil {
		method := &EncryptionMethod{Algorithm: em.SelectAttrValue("Algorithm", "")}
		if ks := em.SelectElement("KeySize"); ks != nil {
			size, err := strconv.Atoi(strings.TrimSpace(ks.Text()))
			if err != nil {
				return wrapErr(xmlsec.ErrMarshal, err, "KeySize is not a number")
			}
			method.KeySize = size
		}
		if op := em.SelectElement("OAEPparams"); op != nil {
			params, err := base64.StdEncoding.DecodeString(strings.TrimSpace(op.Text()))
			if err != nil {
				return wrapErr(xmlsec.ErrMarshal, err, "OAEPparams is not valid base64")
			}
			method.OAEPParams = params
		}
		if dm := em.SelectElement("DigestMethod"); dm != nil {
			method.DigestAlgorithm = dm.SelectAttrValue("Algorithm", "")
		}
		et.EncryptionMethod = method
	}

	if ki := el.SelectElement("KeyInfo"); ki != nil {
		info := &KeyInfo{}
		if kn := ki.SelectElement("KeyName"); kn != nil {
			info.KeyName = kn.Text()
		}
		for _, ekEl := range ki.SelectElements("EncryptedKey") {
			nested, err := ParseEncryptedKey(ekEl)
			if err != nil {
				return err
			}
			info.EncryptedKeys = append(info.EncryptedKeys, nested)
		}
		if rm := ki.SelectElement("RetrievalMethod"); rm != nil {
			info.RetrievalMethodURI = rm.SelectAttrValue("URI", "")
		}
		et.KeyInfo = info
	}

	cds := el.SelectElements("CipherData")
	if len(cds) == 0 {
		return newErr(xmlsec.ErrMarshal, "%s has no CipherData", el.Tag)
	}
	cd := cds[len(cds)-1]
	if cr := cd.SelectElement("CipherReference"); cr != nil {
		ref := &CipherReference{URI: cr.SelectAttrValue("URI", "")}
		if tr := cr.SelectElement("Transforms"); tr != nil {
			ref.Transforms = tr
		}
		et.CipherData = NewCipherReference(ref)
	} else if cv := cd.SelectElement("CipherValue"); cv != nil {
		decoded, err := base64.StdEncoding.DecodeString(strings.Map(dropSpace, cv.Text()))
		if err != nil {
			return wrapErr(xmlsec.ErrMarshal, err, "CipherValue is not valid base64")
		}
		et.CipherData = NewCipherValue(decoded)
	} else {
		return newErr(xmlsec.ErrMarshal, "CipherData carries neither CipherValue nor CipherReference")
	}

	if ep := el.SelectElement("EncryptionProperties"); ep != nil {
		et.EncryptionProperties = ep
	}
	return nil
}

func dropSpace(r rune) rune {
	switch r {
	case ' ', '\t', '\n', '\r':
		return -1
	}
	return r
}
