package xmlsec

// Namespace URIs.
const (
	NamespaceXMLDSig = "http://www.w3.org/2000/09/xmldsig#"
	NamespaceXMLEnc  = "http://www.w3.org/2001/04/xmlenc#"
	NamespaceXPath2  = "http://www.w3.org/2002/06/xmldsig-filter2"
)

// Digest algorithm URIs.
const (
	AlgorithmMD5       = "http://www.w3.org/2001/04/xmldsig-more#md5"
	AlgorithmSHA1      = "http://www.w3.org/2000/09/xmldsig#sha1"
	AlgorithmSHA224    = "http://www.w3.org/2001/04/xmldsig-more#sha224"
	AlgorithmSHA256    = "http://www.w3.org/2001/04/xmlenc#sha256"
	AlgorithmSHA384    = "http://www.w3.org/2001/04/xmldsig-more#sha384"
	AlgorithmSHA512    = "http://www.w3.org/2001/04/xmlenc#sha512"
	AlgorithmRIPEMD160 = "http://www.w3.org/2001/04/xmlenc#ripemd160"
)

// Signature method URIs.
const (
	AlgorithmRSASHA1   = "http://www.w3.org/2000/09/xmldsig#rsa-sha1"
	AlgorithmRSASHA256 = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	AlgorithmRSASHA384 = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha384"
	AlgorithmRSASHA512 = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha512"
)

// Canonicalization algorithm URIs.
const (
	AlgorithmC14N10              = "http://www.w3.org/TR/2001/REC-xml-c14n-20010315"
	AlgorithmC14N10WithComments  = "http://www.w3.org/TR/2001/REC-xml-c14n-20010315#WithComments"
	AlgorithmC14N11              = "http://www.w3.org/2006/12/xml-c14n11"
	AlgorithmC14N11WithComments  = "http://www.w3.org/2006/12/xml-c14n11#WithComments"
	AlgorithmExcC14N             = "http://www.w3.org/2001/10/xml-exc-c14n#"
	AlgorithmExcC14NWithComments = "http://www.w3.org/2001/10/xml-exc-c14n#WithComments"
)

// Transform URIs.
const (
	AlgorithmBase64             = "http://www.w3.org/2000/09/xmldsig#base64"
	AlgorithmEnvelopedSignature = "http://www.w3.org/2000/09/xmldsig#enveloped-signature"
	AlgorithmXPath              = "http://www.w3.org/TR/1999/REC-xpath-19991116"
	AlgorithmXPath2Filter       = "http://www.w3.org/2002/06/xmldsig-filter2"
)

// Block encryption algorithm URIs.
const (
	AlgorithmTripleDESCBC = "http://www.w3.org/2001/04/xmlenc#tripledes-cbc"
	AlgorithmAES128CBC    = "http://www.w3.org/2001/04/xmlenc#aes128-cbc"
	AlgorithmAES192CBC    = "http://www.w3.org/2001/04/xmlenc#aes192-cbc"
	AlgorithmAES256CBC    = "http://www.w3.org/2001/04/xmlenc#aes256-cbc"
)

// Key transport and key wrap algorithm URIs.
const (
	AlgorithmRSAV15           = "http://www.w3.org/2001/04/xmlenc#rsa-1_5"
	AlgorithmRSAOAEP          = "http://www.w3.org/2001/04/xmlenc#rsa-oaep-mgf1p"
	AlgorithmTripleDESKeyWrap = "http://www.w3.org/2001/04/xmlenc#kw-tripledes"
	AlgorithmAES128KeyWrap    = "http://www.w3.org/2001/04/xmlenc#kw-aes128"
	AlgorithmAES192KeyWrap    = "http://www.w3.org/2001/04/xmlenc#kw-aes192"
	AlgorithmAES256KeyWrap    = "http://www.w3.org/2001/04/xmlenc#kw-aes256"
)
