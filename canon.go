package dkim

import (
	"io"
	"regexp"
	"strings"
)

// Canonicalization is a canonicalization algorithm name, as used in the
// DKIM-Signature c= tag.
type Canonicalization string

const (
	CanonicalizationSimple  Canonicalization = "simple"
	CanonicalizationRelaxed Canonicalization = "relaxed"
)

var rxReduceWS = regexp.MustCompile(`[ \t\r\n]+`)

// headerCanonicalizer canonicalizes a single header field's raw bytes.
// Unlike body canonicalization, header canonicalization never needs to
// stream across chunk boundaries: the caller always hands over one
// complete header field at a time.
type headerCanonicalizer interface {
	CanonicalizeHeader(raw string) string
}

type simpleHeaderCanonicalizer struct{}

// CanonicalizeHeader implements RFC 6376 §3.4.1's "simple" header
// canonicalization: append a trailing CRLF if one is missing, otherwise
// leave the bytes untouched.
func (simpleHeaderCanonicalizer) CanonicalizeHeader(raw string) string {
	if strings.HasSuffix(raw, crlf) {
		return raw
	}
	return raw + crlf
}

type relaxedHeaderCanonicalizer struct{}

// CanonicalizeHeader implements RFC 6376 §3.4.2's "relaxed" header
// canonicalization: lowercase name, unfold FWS to a single SP, collapse
// runs of SP/HTAB, strip trailing SP/HTAB and the SP/HTAB run right after
// the colon.
func (relaxedHeaderCanonicalizer) CanonicalizeHeader(raw string) string {
	i := strings.IndexByte(raw, ':')
	if i < 0 {
		return raw
	}
	name := strings.ToLower(strings.TrimSpace(raw[:i]))
	value := rxReduceWS.ReplaceAllString(raw[i+1:], " ")
	value = strings.TrimSpace(value)
	return name + ":" + value + crlf
}

var headerCanonicalizers = map[Canonicalization]headerCanonicalizer{
	CanonicalizationSimple:  simpleHeaderCanonicalizer{},
	CanonicalizationRelaxed: relaxedHeaderCanonicalizer{},
}

// bodyState names a body canonicalizer's buffering state explicitly, so
// chunk-invariance (identical output regardless of how Feed's input is
// split) is a property a reader can see in the state names, not just
// something the buffering happens to achieve.
type bodyState int

const (
	stateInLine        bodyState = iota // mid-line, no pending whitespace or CRLF
	statePendingSpace                   // relaxed only: buffered SP/HTAB run not yet flushed
	statePendingCRLF                    // one or more CRLF pending, might be trailing-blank
	stateTrailingBlanks                 // pending CRLF run is provisionally "trailing"
)

// bodyCanonicalizer streams body bytes through simple or relaxed
// canonicalization. Feed may be called any number of times with any
// chunking; Finalize flushes the canonical suffix. Implementations must
// produce byte-identical output regardless of how Feed's input is
// chunked.
type bodyCanonicalizer interface {
	Feed(b []byte) error
	Finalize() error
}

// fixCRLF rewrites bare LF (not preceded by CR) into CRLF. Applied only
// when the FixCRLF flag is set; otherwise bare LF in the body is left
// as-is and a message that mixes line endings will fail to verify
// against a signer that canonicalized on CRLF.
func fixCRLF(b []byte) []byte {
	res := make([]byte, 0, len(b))
	for i := range b {
		if b[i] == '\n' && (i == 0 || b[i-1] != '\r') {
			res = append(res, '\r')
		}
		res = append(res, b[i])
	}
	return res
}

type simpleBodyCanon struct {
	w        io.Writer
	fixCRLF  bool
	pendCR   bool   // a lone trailing \r held back in case the next Feed starts with \n
	pendCRLF []byte // run of complete CRLFs held back (state statePendingCRLF/stateTrailingBlanks)
	state    bodyState
}

func newSimpleBodyCanon(w io.Writer, fix bool) *simpleBodyCanon {
	return &simpleBodyCanon{w: w, fixCRLF: fix, state: stateInLine}
}

func (c *simpleBodyCanon) Feed(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	var carry []byte
	if c.pendCR {
		carry = []byte{'\r'}
		c.pendCR = false
	}
	b = append(carry, b...)
	if c.fixCRLF {
		b = fixCRLF(b)
	}
	b = append(c.pendCRLF, b...)
	c.pendCRLF = nil

	end := len(b)
	if end > 0 && b[end-1] == '\r' {
		c.pendCR = true
		end--
	}
	crlfEnd := end
	for end >= 2 && b[end-2] == '\r' && b[end-1] == '\n' {
		end -= 2
	}
	c.pendCRLF = append([]byte(nil), b[end:crlfEnd]...)
	if end > 0 {
		c.state = stateInLine
		if _, err := c.w.Write(b[:end]); err != nil {
			return err
		}
	}
	if len(c.pendCRLF) > 0 {
		c.state = stateTrailingBlanks
	}
	return nil
}

// Finalize implements "ensure exactly one terminating CRLF; empty body
// emits CRLF; a run of trailing empty lines collapses to one CRLF."
func (c *simpleBodyCanon) Finalize() error {
	if c.pendCR {
		// A final lone CR is line content, so the CRLFs before it are not
		// trailing empty lines.
		if _, err := c.w.Write(append(c.pendCRLF, '\r')); err != nil {
			return err
		}
		c.pendCR = false
	}
	c.pendCRLF = nil
	_, err := c.w.Write([]byte(crlf))
	return err
}

type relaxedBodyCanon struct {
	w        io.Writer
	fixCRLF  bool
	lastCR   bool   // the previous Feed ended in '\r' (used with fixCRLF)
	wspBuf   bool   // statePendingSpace: an SP/HTAB run is pending
	crlfBuf  []byte // statePendingCRLF/stateTrailingBlanks: pending CRLF run
	wroteAny bool
	state    bodyState
}

func newRelaxedBodyCanon(w io.Writer, fix bool) *relaxedBodyCanon {
	return &relaxedBodyCanon{w: w, fixCRLF: fix, state: stateInLine}
}

func (c *relaxedBodyCanon) Feed(b []byte) error {
	if c.fixCRLF {
		fixed := fixCRLF(b)
		if c.lastCR && len(b) > 0 && b[0] == '\n' {
			// The CR for this LF ended the previous chunk.
			fixed = fixed[1:]
		}
		if len(b) > 0 {
			c.lastCR = b[len(b)-1] == '\r'
		}
		b = fixed
	}

	canonical := make([]byte, 0, len(b))
	for _, ch := range b {
		switch ch {
		case ' ', '\t':
			c.wspBuf = true
			c.state = statePendingSpace
		case '\r', '\n':
			c.wspBuf = false
			c.crlfBuf = append(c.crlfBuf, ch)
			c.state = stateTrailingBlanks
		default:
			if len(c.crlfBuf) > 0 {
				canonical = append(canonical, c.crlfBuf...)
				c.crlfBuf = nil
			}
			if c.wspBuf {
				canonical = append(canonical, ' ')
				c.wspBuf = false
			}
			canonical = append(canonical, ch)
			c.state = stateInLine
		}
	}

	if len(canonical) > 0 {
		c.wroteAny = true
		if _, err := c.w.Write(canonical); err != nil {
			return err
		}
	}
	return nil
}

func (c *relaxedBodyCanon) Finalize() error {
	c.crlfBuf = nil
	c.wspBuf = false
	if c.wroteAny {
		_, err := c.w.Write([]byte(crlf))
		return err
	}
	return nil
}

func newBodyCanonicalizer(can Canonicalization, w io.Writer, fixCRLF bool) bodyCanonicalizer {
	switch can {
	case CanonicalizationRelaxed:
		return newRelaxedBodyCanon(w, fixCRLF)
	default:
		return newSimpleBodyCanon(w, fixCRLF)
	}
}

// limitedWriter caps the number of bytes forwarded to W, implementing the
// l= body-length cap: bytes beyond the cap are silently dropped, not an
// error, and Write still reports the full input length consumed.
type limitedWriter struct {
	W io.Writer
	N int64
}

func (w *limitedWriter) Write(b []byte) (int, error) {
	if w.N <= 0 {
		return len(b), nil
	}
	n := b
	if int64(len(n)) > w.N {
		n = n[:w.N]
	}
	written, err := w.W.Write(n)
	w.N -= int64(written)
	return len(b), err
}
