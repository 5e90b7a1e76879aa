package xmlenc

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/beevik/etree"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/shamildag/xmlsec"
)

func parseDoc(t *testing.T, xml string) *etree.Document {
	t.Helper()
	doc := etree.NewDocument()
	if err := doc.ReadFromString(xml); err != nil {
		t.Fatalf("fixture did not parse: %v", err)
	}
	return doc
}

func aesKey(n int) []byte {
	key := make([]byte, n)
	copy(key, "abcdefghijklmnopqrstuvwxyz012345")
	return key
}

func TestElementEncryptionRoundTrip(t *testing.T) {
	Convey("Given a document with a secret element", t, func() {
		doc := parseDoc(t, `<root><secret>top</secret><other/></root>`)
		secret := doc.Root().SelectElement("secret")

		enc := NewXMLCipher(xmlsec.AlgorithmAES128CBC)
		So(enc.Init(ModeEncrypt, aesKey(16)), ShouldBeNil)

		Convey("DoFinal replaces the element with EncryptedData", func() {
			_, err := enc.DoFinal(doc, secret, false)
			So(err, ShouldBeNil)

			out, err := doc.WriteToString()
			So(err, ShouldBeNil)
			So(out, ShouldNotContainSubstring, "top")
			So(out, ShouldNotContainSubstring, "<secret>")
			So(out, ShouldContainSubstring, "xenc:EncryptedData")
			So(out, ShouldContainSubstring, "<other/>")

			edEl := doc.Root().SelectElement("EncryptedData")
			So(edEl, ShouldNotBeNil)
			So(edEl.SelectAttrValue("Type", ""), ShouldEqual, xmlsec.NamespaceXMLEnc+"Element")

			Convey("The cipher value is IV plus whole blocks", func() {
				cv := edEl.FindElement(".//CipherValue")
				So(cv, ShouldNotBeNil)
				raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(cv.Text()))
				So(err, ShouldBeNil)
				So(len(raw)%16, ShouldEqual, 0)
				So(len(raw), ShouldBeGreaterThanOrEqualTo, 32)
			})

			Convey("Decrypting splices the element back", func() {
				dec := NewXMLCipher("")
				So(dec.Init(ModeDecrypt, aesKey(16)), ShouldBeNil)
				_, err := dec.DoFinal(doc, edEl, false)
				So(err, ShouldBeNil)

				out, err := doc.WriteToString()
				So(err, ShouldBeNil)
				So(out, ShouldContainSubstring, "<secret>top</secret>")
				So(out, ShouldNotContainSubstring, "EncryptedData")
			})

			Convey("Decrypting finds the EncryptedData under an ancestor", func() {
				dec := NewXMLCipher("")
				So(dec.Init(ModeDecrypt, aesKey(16)), ShouldBeNil)
				_, err := dec.DoFinal(doc, doc.Root(), false)
				So(err, ShouldBeNil)

				out, err := doc.WriteToString()
				So(err, ShouldBeNil)
				So(out, ShouldContainSubstring, "<secret>top</secret>")
			})

			Convey("An ancestor without an EncryptedData fails", func() {
				dec := NewXMLCipher("")
				So(dec.Init(ModeDecrypt, aesKey(16)), ShouldBeNil)
				_, err := dec.DoFinal(doc, doc.Root().SelectElement("other"), false)
				So(err, ShouldNotBeNil)
				So(xmlsec.IsKind(err, xmlsec.ErrMarshal), ShouldBeTrue)
			})
		})

		Convey("The document root cannot be replaced", func() {
			_, err := enc.DoFinal(doc, doc.Root(), false)
			So(err, ShouldNotBeNil)
			So(xmlsec.IsKind(err, xmlsec.ErrInvalidInput), ShouldBeTrue)
		})
	})
}

func TestContentEncryptionRoundTrip(t *testing.T) {
	Convey("Given an element whose content is sensitive", t, func() {
		doc := parseDoc(t, `<letter><to>alice</to><body>meet at noon</body></letter>`)
		root := doc.Root()

		enc := NewXMLCipher(xmlsec.AlgorithmAES256CBC)
		So(enc.Init(ModeEncrypt, aesKey(32)), ShouldBeNil)

		_, err := enc.DoFinal(doc, root, true)
		So(err, ShouldBeNil)

		Convey("The element survives with encrypted content", func() {
			out, err := doc.WriteToString()
			So(err, ShouldBeNil)
			So(out, ShouldContainSubstring, "<letter>")
			So(out, ShouldNotContainSubstring, "alice")

			edEl := root.SelectElement("EncryptedData")
			So(edEl, ShouldNotBeNil)
			So(edEl.SelectAttrValue("Type", ""), ShouldEqual, xmlsec.NamespaceXMLEnc+"Content")

			Convey("Decryption restores the children", func() {
				dec := NewXMLCipher("")
				So(dec.Init(ModeDecrypt, aesKey(32)), ShouldBeNil)
				_, err := dec.DoFinal(doc, edEl, false)
				So(err, ShouldBeNil)

				out, err := doc.WriteToString()
				So(err, ShouldBeNil)
				So(out, ShouldContainSubstring, "<to>alice</to>")
				So(out, ShouldContainSubstring, "<body>meet at noon</body>")
			})
		})
	})
}

func TestDecryptToByteArray(t *testing.T) {
	Convey("DecryptToByteArray leaves the document alone", t, func() {
		doc := parseDoc(t, `<root><secret>top</secret></root>`)
		secret := doc.Root().SelectElement("secret")

		enc := NewXMLCipher(xmlsec.AlgorithmAES128CBC)
		So(enc.Init(ModeEncrypt, aesKey(16)), ShouldBeNil)
		_, err := enc.DoFinal(doc, secret, false)
		So(err, ShouldBeNil)
		edEl := doc.Root().SelectElement("EncryptedData")

		dec := NewXMLCipher("")
		So(dec.Init(ModeDecrypt, aesKey(16)), ShouldBeNil)
		plaintext, err := dec.DecryptToByteArray(doc, edEl)
		So(err, ShouldBeNil)
		So(string(plaintext), ShouldContainSubstring, "top")

		out, err := doc.WriteToString()
		So(err, ShouldBeNil)
		So(out, ShouldContainSubstring, "EncryptedData")
	})
}

func TestCipherModes(t *testing.T) {
	Convey("Given a cipher", t, func() {
		doc := parseDoc(t, `<root><x/></root>`)
		el := doc.Root().SelectElement("x")

		Convey("EncryptData outside ENCRYPT mode fails", func() {
			c := NewXMLCipher(xmlsec.AlgorithmAES128CBC)
			So(c.Init(ModeDecrypt, aesKey(16)), ShouldBeNil)
			_, err := c.EncryptData(doc, el, false)
			So(err, ShouldNotBeNil)
			So(xmlsec.IsKind(err, xmlsec.ErrInvalidState), ShouldBeTrue)
		})

		Convey("Encrypting without an algorithm fails", func() {
			c := NewXMLCipher("")
			So(c.Init(ModeEncrypt, aesKey(16)), ShouldBeNil)
			_, err := c.EncryptData(doc, el, false)
			So(err, ShouldNotBeNil)
			So(xmlsec.IsKind(err, xmlsec.ErrAlgorithmUnsupported), ShouldBeTrue)
		})

		Convey("An unknown mode is rejected by Init", func() {
			c := NewXMLCipher("")
			err := c.Init(Mode(42), nil)
			So(err, ShouldNotBeNil)
			So(xmlsec.IsKind(err, xmlsec.ErrInvalidState), ShouldBeTrue)
		})

		Convey("Init discards the structure under construction", func() {
			c := NewXMLCipher(xmlsec.AlgorithmAES128CBC)
			So(c.Init(ModeEncrypt, aesKey(16)), ShouldBeNil)
			_, err := c.EncryptData(doc, el, false)
			So(err, ShouldBeNil)
			So(c.GetEncryptedData(), ShouldNotBeNil)

			So(c.Init(ModeDecrypt, aesKey(16)), ShouldBeNil)
			So(c.GetEncryptedData(), ShouldBeNil)
		})

		Convey("Close wipes symmetric key material", func() {
			key := aesKey(16)
			c := NewXMLCipher(xmlsec.AlgorithmAES128CBC)
			So(c.Init(ModeEncrypt, key), ShouldBeNil)
			c.Close()
			So(bytes.Equal(key, make([]byte, 16)), ShouldBeTrue)
		})

		Convey("EncryptKey outside WRAP mode still wraps", func() {
			c := NewXMLCipher(xmlsec.AlgorithmAES128KeyWrap)
			So(c.Init(ModeEncrypt, aesKey(16)), ShouldBeNil)
			ek, err := c.EncryptKey(aesKey(16))
			So(err, ShouldBeNil)
			So(ek, ShouldNotBeNil)
			So(ek.EncryptionMethod.Algorithm, ShouldEqual, xmlsec.AlgorithmAES128KeyWrap)
		})
	})
}

func TestKeyWrapRoundTrip(t *testing.T) {
	Convey("Given a content key wrapped under a KEK", t, func() {
		cek := aesKey(16)

		wrap := NewXMLCipher(xmlsec.AlgorithmAES256KeyWrap)
		So(wrap.Init(ModeWrap, aesKey(32)), ShouldBeNil)
		ek, err := wrap.EncryptKey(cek)
		So(err, ShouldBeNil)

		Convey("Unwrapping recovers the key", func() {
			unwrap := NewXMLCipher("")
			So(unwrap.Init(ModeUnwrap, aesKey(32)), ShouldBeNil)
			got, err := unwrap.DecryptKey(ek, xmlsec.AlgorithmAES128CBC)
			So(err, ShouldBeNil)
			So(bytes.Equal(got, aesKey(16)), ShouldBeTrue)
		})

		Convey("Unwrapping outside UNWRAP mode fails", func() {
			c := NewXMLCipher("")
			So(c.Init(ModeDecrypt, aesKey(32)), ShouldBeNil)
			_, err := c.DecryptKey(ek, xmlsec.AlgorithmAES128CBC)
			So(err, ShouldNotBeNil)
			So(xmlsec.IsKind(err, xmlsec.ErrInvalidState), ShouldBeTrue)
		})

		Convey("An RSA wrap algorithm rejects a symmetric KEK", func() {
			ekRSA := &EncryptedKey{EncryptedType: EncryptedType{
				EncryptionMethod: &EncryptionMethod{Algorithm: xmlsec.AlgorithmRSAOAEP},
				CipherData:       NewCipherValue([]byte{1, 2, 3}),
			}}
			c := NewXMLCipher("")
			So(c.Init(ModeUnwrap, aesKey(32)), ShouldBeNil)
			_, err := c.DecryptKey(ekRSA, xmlsec.AlgorithmAES128CBC)
			So(err, ShouldNotBeNil)
			So(xmlsec.IsKind(err, xmlsec.ErrInvalidInput), ShouldBeTrue)
		})
	})
}

func TestPadding(t *testing.T) {
	Convey("Given the block padding rules", t, func() {
		Convey("A short input pads up to the boundary", func() {
			padded := padPlaintext([]byte("hello"), 16)
			So(len(padded), ShouldEqual, 16)
			So(padded[15], ShouldEqual, byte(11))
		})

		Convey("A block-aligned input gains a full extra block", func() {
			padded := padPlaintext(make([]byte, 16), 16)
			So(len(padded), ShouldEqual, 32)
			So(padded[31], ShouldEqual, byte(16))
		})

		Convey("Stripping reverses padding regardless of fill bytes", func() {
			in := []byte{'h', 'i', 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 6}
			out, err := stripPadding(in, 8)
			So(err, ShouldBeNil)
			So(string(out), ShouldEqual, "hi")
		})

		Convey("A pad length outside 1..blockSize is rejected", func() {
			_, err := stripPadding([]byte{1, 2, 3, 0}, 8)
			So(err, ShouldNotBeNil)
			_, err = stripPadding([]byte{1, 2, 3, 9}, 8)
			So(err, ShouldNotBeNil)
		})
	})
}

func TestEncryptedKeyResolver(t *testing.T) {
	Convey("Given a KeyInfo with several EncryptedKeys", t, func() {
		cek := aesKey(16)
		kek := aesKey(32)

		wrap := NewXMLCipher(xmlsec.AlgorithmAES256KeyWrap)
		So(wrap.Init(ModeWrap, aesKey(32)), ShouldBeNil)
		good, err := wrap.EncryptKey(cek)
		So(err, ShouldBeNil)
		good.Recipient = "bob"

		bad := &EncryptedKey{EncryptedType: EncryptedType{
			EncryptionMethod: &EncryptionMethod{Algorithm: xmlsec.AlgorithmAES256KeyWrap},
			CipherData:       NewCipherValue([]byte("not a valid wrap!!!!!!!!")),
		}}

		ki := &KeyInfo{EncryptedKeys: []*EncryptedKey{bad, good}}

		Convey("The resolver skips failures and returns the first usable key", func() {
			r := &EncryptedKeyResolver{KEK: kek}
			got, err := r.ResolveKey(ki, xmlsec.AlgorithmAES128CBC)
			So(err, ShouldBeNil)
			So(bytes.Equal(got, aesKey(16)), ShouldBeTrue)
		})

		Convey("A Recipient restriction filters candidates", func() {
			r := &EncryptedKeyResolver{KEK: aesKey(32), Recipient: "carol"}
			_, err := r.ResolveKey(ki, xmlsec.AlgorithmAES128CBC)
			So(err, ShouldNotBeNil)
			So(xmlsec.IsKind(err, xmlsec.ErrKeyResolution), ShouldBeTrue)
		})

		Convey("An empty KeyInfo fails", func() {
			r := &EncryptedKeyResolver{KEK: aesKey(32)}
			_, err := r.ResolveKey(&KeyInfo{}, xmlsec.AlgorithmAES128CBC)
			So(err, ShouldNotBeNil)
			So(xmlsec.IsKind(err, xmlsec.ErrKeyResolution), ShouldBeTrue)
		})
	})
}

func TestDecryptWithEmbeddedEncryptedKey(t *testing.T) {
	Convey("Given data encrypted under a wrapped content key", t, func() {
		doc := parseDoc(t, `<root><secret>top</secret></root>`)
		secret := doc.Root().SelectElement("secret")

		cek := aesKey(16)
		wrap := NewXMLCipher(xmlsec.AlgorithmAES256KeyWrap)
		So(wrap.Init(ModeWrap, aesKey(32)), ShouldBeNil)
		ek, err := wrap.EncryptKey(cek)
		So(err, ShouldBeNil)

		enc := NewXMLCipher(xmlsec.AlgorithmAES128CBC)
		So(enc.Init(ModeEncrypt, cek), ShouldBeNil)
		ed, err := enc.EncryptData(doc, secret, false)
		So(err, ShouldBeNil)
		ed.KeyInfo = &KeyInfo{EncryptedKeys: []*EncryptedKey{ek}}

		edEl, err := ed.Marshal()
		So(err, ShouldBeNil)
		parent := secret.Parent()
		parent.InsertChild(secret, edEl)
		parent.RemoveChild(secret)

		Convey("Decrypting with only the KEK recovers the element", func() {
			dec := NewXMLCipher("")
			So(dec.Init(ModeDecrypt, aesKey(32)), ShouldBeNil)
			plaintext, err := dec.DecryptToByteArray(doc, edEl)
			So(err, ShouldBeNil)
			So(string(plaintext), ShouldContainSubstring, "top")
		})
	})
}
