package xmlsec

import (
	"crypto"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestRegistryLookups(t *testing.T) {
	Convey("Given the global registry", t, func() {
		r := Global()

		Convey("Digests resolve by URI", func() {
			h, err := r.LookupDigest(AlgorithmSHA256)
			So(err, ShouldBeNil)
			So(h, ShouldEqual, crypto.SHA256)
		})

		Convey("Unknown URIs fail with ErrAlgorithmUnsupported", func() {
			_, err := r.LookupDigest("urn:nope")
			So(err, ShouldNotBeNil)
			So(IsKind(err, ErrAlgorithmUnsupported), ShouldBeTrue)
		})

		Convey("Ciphers carry their key and block sizes", func() {
			c, err := r.LookupCipher(AlgorithmAES256CBC)
			So(err, ShouldBeNil)
			So(c.KeySize, ShouldEqual, 32)
			So(c.BlockSize, ShouldEqual, 16)
		})

		Convey("Key wraps resolve for AES and 3DES", func() {
			kw, err := r.LookupKeyWrap(AlgorithmAES128KeyWrap)
			So(err, ShouldBeNil)
			So(kw.KeySize, ShouldEqual, 16)

			kw, err = r.LookupKeyWrap(AlgorithmTripleDESKeyWrap)
			So(err, ShouldBeNil)
			So(kw.KeySize, ShouldEqual, 24)
		})

		Convey("Canonicalizer factories return fresh instances", func() {
			c1, err := r.LookupCanonicalizer(AlgorithmExcC14N)
			So(err, ShouldBeNil)
			c2, err := r.LookupCanonicalizer(AlgorithmExcC14N)
			So(err, ShouldBeNil)
			So(c1, ShouldNotEqual, c2)
			So(c1.Algorithm(), ShouldEqual, AlgorithmExcC14N)
		})

		Convey("MD5 is denied by default", func() {
			So(r.Denied(AlgorithmMD5), ShouldBeTrue)
			So(r.Denied(AlgorithmSHA256), ShouldBeFalse)
		})

		Convey("Registration after a lookup has been served fails", func() {
			r.LookupDigest(AlgorithmSHA1)
			err := r.RegisterDigest("urn:example:digest", crypto.SHA256)
			So(err, ShouldEqual, ErrAlreadyInitialized)
		})
	})

	Convey("Given a scoped registry", t, func() {
		r := Scoped()

		Convey("It starts from the global contents", func() {
			_, err := r.LookupCipher(AlgorithmAES128CBC)
			So(err, ShouldBeNil)
		})

		Convey("It accepts registrations regardless of the global seal", func() {
			Global().LookupDigest(AlgorithmSHA1)
			err := r.RegisterDigest("urn:example:digest", crypto.SHA512)
			So(err, ShouldBeNil)
			h, err := r.LookupDigest("urn:example:digest")
			So(err, ShouldBeNil)
			So(h, ShouldEqual, crypto.SHA512)
		})

		Convey("Its deny list is independent", func() {
			err := r.RegisterDenied(AlgorithmSHA1)
			So(err, ShouldBeNil)
			So(r.Denied(AlgorithmSHA1), ShouldBeTrue)
			So(Global().Denied(AlgorithmSHA1), ShouldBeFalse)
		})
	})
}
