package xmlsec

import (
	"strings"
	"testing"

	"github.com/beevik/etree"
	. "github.com/smartystreets/goconvey/convey"
)

func parseDoc(t *testing.T, xml string) *etree.Document {
	t.Helper()
	doc := etree.NewDocument()
	if err := doc.ReadFromString(xml); err != nil {
		t.Fatalf("fixture did not parse: %v", err)
	}
	return doc
}

func TestBase64Transform(t *testing.T) {
	Convey("Given the base64 transform", t, func() {
		tr := NewBase64Transform()

		Convey("Octet input decodes directly", func() {
			ctx := NewContext(nil)
			out, err := tr.Transform(NewOctetStreamData([]byte("aGVsbG8="), "", ""), ctx)
			So(err, ShouldBeNil)
			So(string(out.(*OctetStreamData).Octets), ShouldEqual, "hello")
		})

		Convey("Node-set input decodes the collected text", func() {
			doc := parseDoc(t, `<payload> aGVs
			bG8= </payload>`)
			ctx := NewContext(doc)
			out, err := tr.Transform(NewNodeSetData(doc, ""), ctx)
			So(err, ShouldBeNil)
			So(string(out.(*OctetStreamData).Octets), ShouldEqual, "hello")
		})

		Convey("Invalid base64 fails with ErrTransform", func() {
			ctx := NewContext(nil)
			_, err := tr.Transform(NewOctetStreamData([]byte("!!!"), "", ""), ctx)
			So(err, ShouldNotBeNil)
			So(IsKind(err, ErrTransform), ShouldBeTrue)
		})
	})
}

func TestEnvelopedSignatureTransform(t *testing.T) {
	Convey("Given an enveloped document", t, func() {
		doc := parseDoc(t, `<Envelope><Body>payload</Body>`+
			`<Signature xmlns="http://www.w3.org/2000/09/xmldsig#"><SignedInfo/></Signature></Envelope>`)
		ctx := NewContext(doc)

		Convey("The transform drops the Signature subtree", func() {
			chain := &TransformChain{Transforms: []Transform{NewEnvelopedSignatureTransform()}}
			octets, err := chain.Execute(NewNodeSetData(doc, ""), ctx)
			So(err, ShouldBeNil)
			So(string(octets), ShouldNotContainSubstring, "Signature")
			So(string(octets), ShouldContainSubstring, "<Body>payload</Body>")
		})

		Convey("Without a Signature element it fails", func() {
			bare := parseDoc(t, `<Envelope><Body/></Envelope>`)
			tr := NewEnvelopedSignatureTransform()
			_, err := tr.Transform(NewNodeSetData(bare, ""), NewContext(bare))
			So(err, ShouldNotBeNil)
			So(IsKind(err, ErrTransform), ShouldBeTrue)
		})
	})
}

func TestImplicitCanonicalization(t *testing.T) {
	Convey("Given a chain whose output is a node-set", t, func() {
		doc := parseDoc(t, `<a><b>x</b></a>`)

		Convey("Canonical XML 1.0 is applied and recorded", func() {
			ctx := NewContext(doc)
			chain := &TransformChain{}
			octets, err := chain.Execute(NewNodeSetData(doc, ""), ctx)
			So(err, ShouldBeNil)
			So(string(octets), ShouldEqual, "<a><b>x</b></a>")
			So(chain.MaterializedC14N, ShouldEqual, AlgorithmC14N10)
		})

		Convey("UseC14N11 selects Canonical XML 1.1", func() {
			ctx := NewContext(doc)
			ctx.UseC14N11 = true
			chain := &TransformChain{}
			_, err := chain.Execute(NewNodeSetData(doc, ""), ctx)
			So(err, ShouldBeNil)
			So(chain.MaterializedC14N, ShouldEqual, AlgorithmC14N11)
		})

		Convey("Octet output skips the conversion", func() {
			ctx := NewContext(doc)
			chain := &TransformChain{Transforms: []Transform{NewBase64Transform()}}
			_, err := chain.Execute(NewOctetStreamData([]byte("aGVsbG8="), "", ""), ctx)
			So(err, ShouldBeNil)
			So(chain.MaterializedC14N, ShouldEqual, "")
		})
	})
}

func TestSecureValidationLimits(t *testing.T) {
	Convey("Given a context with secure validation", t, func() {
		doc := parseDoc(t, `<a/>`)
		ctx := NewContext(doc)
		ctx.SecureValidation = true

		Convey("A chain longer than five transforms is rejected", func() {
			chain := &TransformChain{}
			for i := 0; i < 6; i++ {
				chain.Transforms = append(chain.Transforms, NewCanonicalizationTransform(AlgorithmExcC14N))
			}
			_, err := chain.Execute(NewNodeSetData(doc, ""), ctx)
			So(err, ShouldNotBeNil)
			So(IsKind(err, ErrMarshal), ShouldBeTrue)
		})

		Convey("Five transforms still run", func() {
			chain := &TransformChain{}
			for i := 0; i < 5; i++ {
				chain.Transforms = append(chain.Transforms, NewCanonicalizationTransform(AlgorithmExcC14N))
			}
			_, err := chain.Execute(NewNodeSetData(doc, ""), ctx)
			So(err, ShouldBeNil)
		})

		Convey("Denied algorithms are refused", func() {
			reg := Scoped()
			So(reg.RegisterDenied(AlgorithmBase64), ShouldBeNil)
			ctx.Registry = reg
			chain := &TransformChain{Transforms: []Transform{NewBase64Transform()}}
			_, err := chain.Execute(NewOctetStreamData([]byte("eA=="), "", ""), ctx)
			So(err, ShouldNotBeNil)
			So(IsKind(err, ErrAlgorithmUnsupported), ShouldBeTrue)
		})
	})
}

func TestParseTransforms(t *testing.T) {
	Convey("Given a Transforms element", t, func() {
		doc := parseDoc(t, strings.TrimSpace(`
<Transforms xmlns="http://www.w3.org/2000/09/xmldsig#">
  <Transform Algorithm="http://www.w3.org/2000/09/xmldsig#enveloped-signature"/>
  <Transform Algorithm="http://www.w3.org/2001/10/xml-exc-c14n#"/>
</Transforms>`))
		ctx := NewContext(doc)

		Convey("Both transforms resolve through the registry", func() {
			chain, err := ParseTransforms(doc.Root(), ctx)
			So(err, ShouldBeNil)
			So(len(chain.Transforms), ShouldEqual, 2)
			So(chain.Transforms[0].URI(), ShouldEqual, AlgorithmEnvelopedSignature)
			So(chain.Transforms[1].URI(), ShouldEqual, AlgorithmExcC14N)
		})

		Convey("A Transform without an Algorithm attribute fails", func() {
			bad := parseDoc(t, `<Transforms><Transform/></Transforms>`)
			_, err := ParseTransforms(bad.Root(), ctx)
			So(err, ShouldNotBeNil)
			So(IsKind(err, ErrMarshal), ShouldBeTrue)
		})

		Convey("An unknown algorithm fails the lookup", func() {
			bad := parseDoc(t, `<Transforms><Transform Algorithm="urn:nope"/></Transforms>`)
			_, err := ParseTransforms(bad.Root(), ctx)
			So(err, ShouldNotBeNil)
			So(IsKind(err, ErrAlgorithmUnsupported), ShouldBeTrue)
		})
	})
}
