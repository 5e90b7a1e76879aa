package xmlenc

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/shamildag/xmlsec"
)

func TestEncryptedDataMarshal(t *testing.T) {
	Convey("Given a fully populated EncryptedData", t, func() {
		ed := &EncryptedData{EncryptedType: EncryptedType{
			ID:   "ed1",
			Type: xmlsec.NamespaceXMLEnc + "Element",
			EncryptionMethod: &EncryptionMethod{
				Algorithm: xmlsec.AlgorithmAES128CBC,
				KeySize:   128,
			},
			KeyInfo:    &KeyInfo{KeyName: "job-key"},
			CipherData: NewCipherValue([]byte{0xDE, 0xAD}),
		}}

		el, err := ed.Marshal()
		So(err, ShouldBeNil)

		Convey("The element carries the xenc namespace and attributes", func() {
			So(el.Tag, ShouldEqual, "EncryptedData")
			So(el.Space, ShouldEqual, "xenc")
			So(el.SelectAttrValue("xmlns:xenc", ""), ShouldEqual, xmlsec.NamespaceXMLEnc)
			So(el.SelectAttrValue("Id", ""), ShouldEqual, "ed1")
			So(el.SelectAttrValue("Type", ""), ShouldEqual, xmlsec.NamespaceXMLEnc+"Element")
		})

		Convey("Children appear in schema order", func() {
			children := el.ChildElements()
			So(len(children), ShouldEqual, 3)
			So(children[0].Tag, ShouldEqual, "EncryptionMethod")
			So(children[1].Tag, ShouldEqual, "KeyInfo")
			So(children[2].Tag, ShouldEqual, "CipherData")

			So(children[1].Space, ShouldEqual, "ds")
			So(children[1].SelectAttrValue("xmlns:ds", ""), ShouldEqual, xmlsec.NamespaceXMLDSig)
			So(children[0].SelectElement("KeySize").Text(), ShouldEqual, "128")
			So(children[2].SelectElement("CipherValue").Text(), ShouldEqual, "3q0=")
		})

		Convey("A missing CipherData fails", func() {
			bad := &EncryptedData{}
			_, err := bad.Marshal()
			So(err, ShouldNotBeNil)
			So(xmlsec.IsKind(err, xmlsec.ErrInvalidState), ShouldBeTrue)
		})

		Convey("An invalid Type URI fails", func() {
			bad := &EncryptedData{EncryptedType: EncryptedType{
				Type:       "ht tp://bro ken\x7f",
				CipherData: NewCipherValue(nil),
			}}
			_, err := bad.Marshal()
			So(err, ShouldNotBeNil)
			So(xmlsec.IsKind(err, xmlsec.ErrMarshal), ShouldBeTrue)
		})
	})
}

func TestEncryptedKeyMarshal(t *testing.T) {
	Convey("Given an EncryptedKey with a reference list", t, func() {
		rl := &ReferenceList{}
		So(rl.AddDataReference("#ed1"), ShouldBeNil)
		So(rl.AddDataReference("#ed2"), ShouldBeNil)

		ek := &EncryptedKey{
			EncryptedType: EncryptedType{
				EncryptionMethod: &EncryptionMethod{Algorithm: xmlsec.AlgorithmAES128KeyWrap},
				CipherData:       NewCipherValue([]byte{1}),
			},
			Recipient:      "bob",
			ReferenceList:  rl,
			CarriedKeyName: "session",
		}

		el, err := ek.Marshal()
		So(err, ShouldBeNil)

		Convey("Recipient, references and the carried name are written", func() {
			So(el.SelectAttrValue("Recipient", ""), ShouldEqual, "bob")
			refs := el.SelectElement("ReferenceList").SelectElements("DataReference")
			So(len(refs), ShouldEqual, 2)
			So(refs[0].SelectAttrValue("URI", ""), ShouldEqual, "#ed1")
			So(el.SelectElement("CarriedKeyName").Text(), ShouldEqual, "session")
		})

		Convey("Mixing reference kinds fails", func() {
			err := rl.AddKeyReference("#k1")
			So(err, ShouldNotBeNil)
			So(xmlsec.IsKind(err, xmlsec.ErrInvalidInput), ShouldBeTrue)
		})
	})
}

func TestEncryptedTypeParse(t *testing.T) {
	Convey("Parsing an EncryptedData element", t, func() {
		Convey("A marshalled element round-trips", func() {
			ed := &EncryptedData{EncryptedType: EncryptedType{
				Type:             xmlsec.NamespaceXMLEnc + "Content",
				EncryptionMethod: &EncryptionMethod{Algorithm: xmlsec.AlgorithmAES256CBC},
				CipherData:       NewCipherValue([]byte("octets")),
			}}
			el, err := ed.Marshal()
			So(err, ShouldBeNil)

			parsed, err := ParseEncryptedData(el)
			So(err, ShouldBeNil)
			So(parsed.Type, ShouldEqual, xmlsec.NamespaceXMLEnc+"Content")
			So(parsed.EncryptionMethod.Algorithm, ShouldEqual, xmlsec.AlgorithmAES256CBC)
			value, ok := parsed.CipherData.Value()
			So(ok, ShouldBeTrue)
			So(string(value), ShouldEqual, "octets")
		})

		Convey("With several CipherData children the last wins", func() {
			doc := parseDoc(t, `<EncryptedData xmlns="http://www.w3.org/2001/04/xmlenc#">`+
				`<CipherData><CipherValue>Zmlyc3Q=</CipherValue></CipherData>`+
				`<CipherData><CipherValue>bGFzdA==</CipherValue></CipherData>`+
				`</EncryptedData>`)
			parsed, err := ParseEncryptedData(doc.Root())
			So(err, ShouldBeNil)
			value, _ := parsed.CipherData.Value()
			So(string(value), ShouldEqual, "last")
		})

		Convey("A CipherReference is carried with its transforms", func() {
			doc := parseDoc(t, `<EncryptedData xmlns="http://www.w3.org/2001/04/xmlenc#">`+
				`<CipherData><CipherReference URI="#ct"><Transforms/></CipherReference></CipherData>`+
				`</EncryptedData>`)
			parsed, err := ParseEncryptedData(doc.Root())
			So(err, ShouldBeNil)
			ref := parsed.CipherData.Reference()
			So(ref, ShouldNotBeNil)
			So(ref.URI, ShouldEqual, "#ct")
			So(ref.Transforms, ShouldNotBeNil)
		})

		Convey("Missing CipherData fails", func() {
			doc := parseDoc(t, `<EncryptedData xmlns="http://www.w3.org/2001/04/xmlenc#"/>`)
			_, err := ParseEncryptedData(doc.Root())
			So(err, ShouldNotBeNil)
			So(xmlsec.IsKind(err, xmlsec.ErrMarshal), ShouldBeTrue)
		})

		Convey("The wrong element name fails", func() {
			doc := parseDoc(t, `<NotEncryptedData/>`)
			_, err := ParseEncryptedData(doc.Root())
			So(err, ShouldNotBeNil)
		})
	})
}

func TestCipherDataArms(t *testing.T) {
	Convey("CipherData keeps its two arms mutually exclusive", t, func() {
		Convey("A value arm rejects a reference", func() {
			cd := NewCipherValue([]byte{1})
			err := cd.SetReference(&CipherReference{URI: "#x"})
			So(err, ShouldNotBeNil)
			So(xmlsec.IsKind(err, xmlsec.ErrInvalidState), ShouldBeTrue)
		})

		Convey("A reference arm rejects a value", func() {
			cd := NewCipherReference(&CipherReference{URI: "#x"})
			err := cd.SetValue([]byte{1})
			So(err, ShouldNotBeNil)
			So(xmlsec.IsKind(err, xmlsec.ErrInvalidState), ShouldBeTrue)
		})

		Convey("Overwriting the same arm is allowed", func() {
			cd := NewCipherValue([]byte{1})
			So(cd.SetValue([]byte{2}), ShouldBeNil)
			value, ok := cd.Value()
			So(ok, ShouldBeTrue)
			So(value[0], ShouldEqual, byte(2))
		})
	})
}
