package xmlsec

import (
	"github.com/beevik/etree"
	"github.com/lestrrat-go/libxml2/clib"
	"github.com/lestrrat-go/libxml2/parser"
)

// libxml2 canonicalization modes, per xmlC14NMode.
const (
	libxml2ModeC14N10  = 0
	libxml2ModeExcC14N = 1
	libxml2ModeC14N11  = 2
)

// libxml2Canonicalizer canonicalizes through libxml2's native
// implementation instead of the pure-Go one. Filtered input is pruned
// first, then the surviving tree is re-serialized through libxml2.
// Register it on a scoped registry to switch an algorithm over:
//
//	reg.RegisterCanonicalizer(AlgorithmC14N10, func() Canonicalizer {
//		return NewLibxml2Canonicalizer(AlgorithmC14N10)
//	})
type libxml2Canonicalizer struct {
	algorithm    string
	mode         int
	withComments bool
	inUse        bool
}

// NewLibxml2Canonicalizer returns a libxml2-backed canonicalizer for
// uri, or nil when uri is not a canonicalization algorithm.
func NewLibxml2Canonicalizer(uri string) Canonicalizer {
	c := &libxml2Canonicalizer{algorithm: uri}
	switch uri {
	case AlgorithmC14N10:
		c.mode = libxml2ModeC14N10
	case AlgorithmC14N10WithComments:
		c.mode, c.withComments = libxml2ModeC14N10, true
	case AlgorithmC14N11:
		c.mode = libxml2ModeC14N11
	case AlgorithmC14N11WithComments:
		c.mode, c.withComments = libxml2ModeC14N11, true
	case AlgorithmExcC14N:
		c.mode = libxml2ModeExcC14N
	case AlgorithmExcC14NWithComments:
		c.mode, c.withComments = libxml2ModeExcC14N, true
	default:
		return nil
	}
	return c
}

func (c *libxml2Canonicalizer) Algorithm() string { return c.algorithm }

func (c *libxml2Canonicalizer) Canonicalize(doc *etree.Document) ([]byte, error) {
	return c.CanonicalizeFiltered(doc, nil)
}

func (c *libxml2Canonicalizer) CanonicalizeFiltered(doc *etree.Document, filters []NodeFilter) ([]byte, error) {
	if c.inUse {
		return nil, newErr(ErrInvalidState, "canonicalizer %s is already in use", c.algorithm)
	}
	c.inUse = true
	defer func() { c.inUse = false }()

	if doc == nil || doc.Root() == nil {
		return nil, newErr(ErrCanonicalization, "document has no root element")
	}

	target := doc
	if len(filters) > 0 {
		pruned, err := pruneDocument(doc, filters)
		if err != nil {
			return nil, err
		}
		if pruned.Root() == nil {
			return nil, newErr(ErrCanonicalization, "node-set is empty after filtering")
		}
		target = pruned
	}

	serialized, err := target.WriteToString()
	if err != nil {
		return nil, wrapErr(ErrCanonicalization, err, "%s", c.algorithm)
	}

	p := parser.New()
	parsed, err := p.ParseString(serialized)
	if err != nil {
		return nil, wrapErr(ErrCanonicalization, err, "%s: libxml2 parse", c.algorithm)
	}
	defer parsed.Free()

	out, err := clib.XMLC14NDocDumpMemory(parsed, c.mode, c.withComments)
	if err != nil {
		return nil, wrapErr(ErrCanonicalization, err, "%s", c.algorithm)
	}
	return []byte(out), nil
}
