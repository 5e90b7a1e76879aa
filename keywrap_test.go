package xmlsec

import (
	"bytes"
	"encoding/hex"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex fixture: %v", err)
	}
	return b
}

func TestAESKeyWrap(t *testing.T) {
	// RFC 3394 section 4.1 test vector.
	kek := mustHex(t, "000102030405060708090A0B0C0D0E0F")
	key := mustHex(t, "00112233445566778899AABBCCDDEEFF")
	want := mustHex(t, "1FA68B0A8112B447AEF34BD8FB5A7B829D3E862371D2CFE5")

	Convey("Given the RFC 3394 128-bit vector", t, func() {
		Convey("Wrapping produces the published ciphertext", func() {
			got, err := aesKeyWrap(kek, key)
			So(err, ShouldBeNil)
			So(bytes.Equal(got, want), ShouldBeTrue)
		})

		Convey("Unwrapping recovers the key", func() {
			got, err := aesKeyUnwrap(kek, want)
			So(err, ShouldBeNil)
			So(bytes.Equal(got, key), ShouldBeTrue)
		})

		Convey("A corrupted wrap fails the integrity check", func() {
			bad := append([]byte(nil), want...)
			bad[0] ^= 0x01
			_, err := aesKeyUnwrap(kek, bad)
			So(err, ShouldNotBeNil)
			So(IsKind(err, ErrEncryption), ShouldBeTrue)
		})

		Convey("A wrap that is not a multiple of eight octets is rejected", func() {
			_, err := aesKeyUnwrap(kek, want[:len(want)-3])
			So(err, ShouldNotBeNil)
		})
	})
}

func TestTripleDESKeyWrap(t *testing.T) {
	kek := mustHex(t, "0123456789ABCDEF0123456789ABCDEF0123456789ABCDEF")
	key := mustHex(t, "00112233445566778899AABBCCDDEEFF0011223344556677")

	Convey("Given a 3DES key-encryption key", t, func() {
		// The wrap uses a random IV so only the round trip is
		// deterministic.
		Convey("Wrap then unwrap is the identity", func() {
			wrapped, err := tripleDESKeyWrap(kek, key)
			So(err, ShouldBeNil)
			So(len(wrapped), ShouldEqual, len(key)+16)

			got, err := tripleDESKeyUnwrap(kek, wrapped)
			So(err, ShouldBeNil)
			So(bytes.Equal(got, key), ShouldBeTrue)
		})

		Convey("A corrupted wrap fails the checksum", func() {
			wrapped, err := tripleDESKeyWrap(kek, key)
			So(err, ShouldBeNil)
			wrapped[3] ^= 0x80
			_, err = tripleDESKeyUnwrap(kek, wrapped)
			So(err, ShouldNotBeNil)
		})
	})
}

func TestZeroize(t *testing.T) {
	Convey("Zeroize clears every octet", t, func() {
		b := []byte{1, 2, 3, 4}
		Zeroize(b)
		So(bytes.Equal(b, []byte{0, 0, 0, 0}), ShouldBeTrue)
	})
}
