package dkim

import (
	"bufio"
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Mode is the operating mode a Context was created in.
type Mode int

const (
	ModeSign Mode = iota
	ModeVerify
)

// Phase is a Context's position in the Init -> Headers -> EOH -> Body ->
// EOM -> Done lifecycle.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseHeaders
	PhaseEOH
	PhaseBody
	PhaseEOM
	PhaseDone
)

// SignRequest configures one signature to be produced by a Sign-mode
// Context. A single Context can carry more than one SignRequest, so a
// message can be signed with, say, both an RSA and an Ed25519 signature
// in one pass.
type SignRequest struct {
	Domain     string
	Selector   string
	Identifier string

	Signer crypto.Signer
	Hash   crypto.Hash // 0 selects SHA-256

	HeaderCanonicalization Canonicalization
	BodyCanonicalization   Canonicalization

	// HeaderKeys lists the header fields to sign. Nil signs the default
	// set (or every present header, if the library's default set is
	// empty); if non-nil it MUST include "From".
	HeaderKeys []string

	Expiration   time.Time
	QueryMethods []string

	// LengthCap is the l= tag. -1 (the default) disables length binding.
	LengthCap int64
}

// Context drives one message, in either Sign or Verify mode, through the
// streaming header/body/EOM state machine. A Context is not safe for
// concurrent use by multiple goroutines; distinct Contexts may run on
// distinct goroutines freely.
type Context struct {
	lib   *LibraryHandle
	mode  Mode
	jobID string
	phase Phase

	headers    []Header
	signatures []*Signature

	bodyLenSeen int64
	failed      bool
	fixCRLF     bool
}

// NewSign creates a Context that will produce a single DKIM-Signature.
// keyPEM accepts PKCS#8 (RSA or Ed25519) or legacy PKCS#1 (RSA) PEM.
// lengthCap of -1 disables l= length binding.
func NewSign(lib *LibraryHandle, jobID string, keyPEM []byte, selector, domain string, headerCan, bodyCan Canonicalization, alg Algorithm, lengthCap int64) (*Context, error) {
	signer, err := ParsePrivateKey(keyPEM)
	if err != nil {
		return nil, err
	}
	if err := checkKeyAlgoCompatible(signer, alg); err != nil {
		return nil, err
	}

	ctx := newContext(lib, jobID, ModeSign)
	req := &SignRequest{
		Domain:                 domain,
		Selector:               selector,
		Signer:                 signer,
		Hash:                   alg.hash(),
		HeaderCanonicalization: headerCan,
		BodyCanonicalization:   bodyCan,
		LengthCap:              lengthCap,
	}
	if err := ctx.AddSignRequest(req); err != nil {
		return nil, err
	}
	return ctx, nil
}

// NewVerify creates a Context that will verify every DKIM-Signature
// header found on the message.
func NewVerify(lib *LibraryHandle, jobID string) *Context {
	return newContext(lib, jobID, ModeVerify)
}

func newContext(lib *LibraryHandle, jobID string, mode Mode) *Context {
	if jobID == "" {
		jobID = NewJobID()
	}
	return &Context{
		lib:     lib,
		mode:    mode,
		jobID:   jobID,
		phase:   PhaseInit,
		fixCRLF: lib != nil && lib.Flags()&FlagFixCRLF != 0,
	}
}

// AddSignRequest adds another signature to be produced. Only valid in
// Sign mode, before EOH (headers may already have been fed).
func (c *Context) AddSignRequest(req *SignRequest) error {
	if c.mode != ModeSign {
		return newError(KindInvalidState, "AddSignRequest is only valid in Sign mode")
	}
	if c.phase != PhaseInit && c.phase != PhaseHeaders {
		return newError(KindInvalidState, "AddSignRequest must be called before EOH")
	}
	if req.Domain == "" || req.Selector == "" || req.Signer == nil {
		return newError(KindInvalidState, "SignRequest requires Domain, Selector and Signer")
	}
	headerCan := req.HeaderCanonicalization
	if headerCan == "" {
		headerCan = CanonicalizationSimple
	}
	bodyCan := req.BodyCanonicalization
	if bodyCan == "" {
		bodyCan = CanonicalizationSimple
	}
	if _, ok := headerCanonicalizers[headerCan]; !ok {
		return newError(KindInvalidState, "unknown header canonicalization %q", headerCan)
	}
	if _, ok := headerCanonicalizers[bodyCan]; !ok {
		return newError(KindInvalidState, "unknown body canonicalization %q", bodyCan)
	}

	var algo Algorithm
	switch req.Signer.Public().(type) {
	case *rsa.PublicKey:
		if req.Hash == crypto.SHA1 {
			algo = AlgorithmRSASHA1
		} else {
			algo = AlgorithmRSASHA256
			req.Hash = crypto.SHA256
		}
	case ed25519.PublicKey:
		algo = AlgorithmEd25519SHA256
		req.Hash = crypto.SHA256
	default:
		return newError(KindBadPrivKey, "unsupported key type %T", req.Signer.Public())
	}

	if req.HeaderKeys != nil {
		fromOK := false
		for _, k := range req.HeaderKeys {
			if strings.EqualFold(k, "from") {
				fromOK = true
				break
			}
		}
		if !fromOK {
			return newError(KindMissingFrom, "the From header field must be signed")
		}
	}

	lengthCap := req.LengthCap
	if lengthCap == 0 {
		lengthCap = -1
	}

	sig := &Signature{
		Index:                  len(c.signatures),
		Version:                "1",
		Algorithm:              algo,
		Domain:                 req.Domain,
		Selector:               req.Selector,
		Identifier:             req.Identifier,
		HeaderKeys:             req.HeaderKeys,
		HeaderCanonicalization: headerCan,
		BodyCanonicalization:   bodyCan,
		BodyLength:             lengthCap,
		Expiration:             req.Expiration,
		QueryMethods:           req.QueryMethods,
		req:                    req,
	}
	c.signatures = append(c.signatures, sig)
	return nil
}

func checkKeyAlgoCompatible(signer crypto.Signer, alg Algorithm) error {
	switch signer.Public().(type) {
	case *rsa.PublicKey:
		if alg.keyFamily() != "rsa" {
			return newError(KindBadPrivKey, "RSA key cannot be used with algorithm %q", alg)
		}
	case ed25519.PublicKey:
		if alg.keyFamily() != "ed25519" {
			return newError(KindBadPrivKey, "Ed25519 key cannot be used with algorithm %q", alg)
		}
	default:
		return newError(KindBadPrivKey, "unsupported key type %T", signer.Public())
	}
	return nil
}

// ParsePrivateKey decodes a PEM-encoded private key, accepting PKCS#8
// (RSA or Ed25519) or legacy PKCS#1 (RSA).
func ParsePrivateKey(keyPEM []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, newError(KindBadPrivKey, "failed to decode PEM block")
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, newError(KindBadPrivKey, "PKCS#8 key of type %T is not a crypto.Signer", key)
		}
		return signer, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	return nil, newError(KindBadPrivKey, "unrecognized private key encoding")
}

// Mode reports whether the Context is signing or verifying.
func (c *Context) Mode() Mode { return c.mode }

// JobID returns the caller-supplied (or auto-generated) job identifier.
func (c *Context) JobID() string { return c.jobID }

// Phase reports the Context's current lifecycle phase.
func (c *Context) Phase() Phase { return c.phase }

// Signatures returns the Context's Signatures, in the order encountered
// (Verify mode) or requested (Sign mode). The slice and its elements
// remain owned by the Context and should not be retained past Free.
func (c *Context) Signatures() []*Signature { return c.signatures }

func (c *Context) fail(kind Kind, format string, args ...interface{}) error {
	c.failed = true
	return newError(kind, format, args...)
}

// Header feeds one raw header line (e.g. "Subject: Hi\r\n") to the
// Context. Only valid while in the Headers phase (or Init, which
// transitions to Headers on the first call).
func (c *Context) Header(raw string) error {
	if c.failed {
		return c.fail(KindInvalidState, "Context has already failed")
	}
	if c.phase != PhaseInit && c.phase != PhaseHeaders {
		return c.fail(KindInvalidState, "Header called in phase %v", c.phase)
	}
	c.phase = PhaseHeaders

	if len(raw) > maxHeaderBytes {
		return c.fail(KindBadHeader, "header field exceeds maximum size")
	}
	name, value, err := parseHeaderLine(raw)
	if err != nil {
		c.failed = true
		return err
	}

	c.headers = append(c.headers, Header{
		Name:  strings.TrimSpace(name),
		Value: value,
		Raw:   raw,
		Index: len(c.headers),
	})
	return nil
}

// ReadHeaders is a convenience wrapper that reads and feeds headers from
// r (joining folded continuation lines onto the field they continue, with
// their CRLFs kept) until the blank line terminating the header block.
func (c *Context) ReadHeaders(r *bufio.Reader) error {
	raws, err := readRawHeaders(r)
	if err != nil {
		return err
	}
	for _, raw := range raws {
		if err := c.Header(raw); err != nil {
			return err
		}
	}
	return nil
}

// EOH ends the header phase. In Verify mode this parses every
// DKIM-Signature header and launches a key lookup per syntactically
// valid Signature; in Sign mode it finalizes the signable header set and
// initializes canonicalizers/hashers.
func (c *Context) EOH() error {
	if c.failed {
		return c.fail(KindInvalidState, "Context has already failed")
	}
	if c.phase != PhaseHeaders && c.phase != PhaseInit {
		return c.fail(KindInvalidState, "EOH called in phase %v", c.phase)
	}
	c.phase = PhaseEOH

	if c.lib != nil {
		c.lib.mu.Lock()
		c.lib.activeSessions++
		c.lib.mu.Unlock()
	}

	switch c.mode {
	case ModeVerify:
		return c.eohVerify()
	case ModeSign:
		return c.eohSign()
	}
	return nil
}

func (c *Context) eohVerify() error {
	for _, h := range c.headers {
		if !strings.EqualFold(h.Name, headerFieldName) {
			continue
		}
		allowB64Bleed := c.lib != nil && c.lib.Flags()&FlagAllowB64Bleed != 0
		sig, err := parseSignatureTags(h.Value, allowB64Bleed)
		if err != nil {
			sig = &Signature{Err: err, Flags: FlagError}
		}
		sig.Index = len(c.signatures)
		sig.RawField = h.Raw
		c.signatures = append(c.signatures, sig)

		if sig.Err != nil {
			continue
		}
		sig.Flags |= FlagProcessed

		sig.hasher = sig.Algorithm.hash().New()
		var w io.Writer = sig.hasher
		if sig.BodyLength >= 0 {
			w = &limitedWriter{W: w, N: sig.BodyLength}
		}
		sig.bodyCanon = newBodyCanonicalizer(sig.BodyCanonicalization, w, c.fixCRLF)

		if c.lib != nil {
			sig.lookup = startKeyLookup(c.lib, sig, defaultDNSTimeout)
		}
	}
	return nil
}

func (c *Context) eohSign() error {
	var allKeys []string
	for _, h := range c.headers {
		allKeys = append(allKeys, h.Name)
	}

	for _, sig := range c.signatures {
		keys := sig.HeaderKeys
		if keys == nil {
			if c.lib != nil && len(c.lib.signHeaders) > 0 {
				keys = selectPresentHeaders(removeHeaders(c.lib.signHeaders, c.lib.skipHeaders), c.headers)
			} else {
				keys = allKeys
			}
			if c.lib != nil {
				keys = append(keys, c.lib.oversignHeaders...)
			}
		}
		sig.HeaderKeys = keys

		sig.hasher = sig.Algorithm.hash().New()
		var w io.Writer = sig.hasher
		if sig.BodyLength >= 0 {
			w = &limitedWriter{W: w, N: sig.BodyLength}
		}
		sig.bodyCanon = newBodyCanonicalizer(sig.BodyCanonicalization, w, c.fixCRLF)
	}
	return nil
}

// removeHeaders returns names with every entry matching (case
// insensitively) one of skip removed, preserving order.
func removeHeaders(names, skip []string) []string {
	if len(skip) == 0 {
		return names
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		drop := false
		for _, s := range skip {
			if strings.EqualFold(n, s) {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, n)
		}
	}
	return out
}

// selectPresentHeaders returns the subset of names present (case
// insensitively) among headers, in names' order, listing each present
// occurrence of a header type once per occurrence.
func selectPresentHeaders(names []string, headers []Header) []string {
	var out []string
	for _, name := range names {
		count := 0
		for _, h := range headers {
			if strings.EqualFold(h.Name, name) {
				count++
			}
		}
		for i := 0; i < count; i++ {
			out = append(out, name)
		}
	}
	return out
}

// Body feeds body bytes to the Context. Valid in the EOH or Body phase;
// the first call transitions EOH -> Body, including a zero-byte call.
func (c *Context) Body(b []byte) error {
	if c.failed {
		return c.fail(KindInvalidState, "Context has already failed")
	}
	if c.phase != PhaseEOH && c.phase != PhaseBody {
		return c.fail(KindInvalidState, "Body called in phase %v", c.phase)
	}
	c.phase = PhaseBody
	c.bodyLenSeen += int64(len(b))

	for _, sig := range c.signatures {
		if sig.bodyCanon == nil {
			continue
		}
		if err := sig.bodyCanon.Feed(b); err != nil {
			return c.fail(KindIO, "%v", err)
		}
	}
	return nil
}

// EOM closes the body stream, finalizes every Signature's body hash, and
// computes the header hash. In Sign mode it invokes the crypto backend
// to produce b=; in Verify mode it awaits each Signature's key lookup
// (with timeout) and checks b=.
func (c *Context) EOM() (*Result, error) {
	if c.failed {
		return nil, c.fail(KindInvalidState, "Context has already failed")
	}
	if c.phase != PhaseEOH && c.phase != PhaseBody {
		return nil, c.fail(KindInvalidState, "EOM called in phase %v", c.phase)
	}

	for _, sig := range c.signatures {
		if sig.bodyCanon == nil {
			continue
		}
		if err := sig.bodyCanon.Finalize(); err != nil {
			return nil, c.fail(KindIO, "%v", err)
		}
		sig.BodyDigest = sig.hasher.Sum(nil)
	}

	var res *Result
	var err error
	switch c.mode {
	case ModeSign:
		err = c.eomSign()
		if err == nil {
			res = c.buildSignResult()
		}
	case ModeVerify:
		res, err = c.eomVerify()
	}

	c.phase = PhaseEOM
	c.phase = PhaseDone
	return res, err
}

func (c *Context) eomSign() error {
	for _, sig := range c.signatures {
		if err := c.signOne(sig); err != nil {
			return err
		}
	}
	return nil
}

func (c *Context) signOne(sig *Signature) error {
	hc := headerCanonicalizers[sig.HeaderCanonicalization]
	hasher := sig.Algorithm.hash().New()
	p := newHeaderPicker(c.headers)
	for _, key := range sig.HeaderKeys {
		kv, ok := p.Pick(key)
		if !ok {
			continue
		}
		hasher.Write([]byte(hc.CanonicalizeHeader(kv)))
	}

	params := c.buildTagParams(sig)
	params["b"] = ""
	sigField := buildSignatureField(params)
	sigField = hc.CanonicalizeHeader(sigField)
	sigField = strings.TrimRight(sigField, crlf)
	hasher.Write([]byte(sigField))

	// RFC 8463 signs/verifies Ed25519 over a 32-byte SHA-256 pre-hash
	// rather than the raw message; since the header digest above is
	// already that SHA-256 sum, the signed value is the digest itself.
	digest := hasher.Sum(nil)
	sig.HeaderDigest = digest

	sigBytes, err := cryptoSign(sig.Algorithm, sig.req.Signer, digest)
	if err != nil {
		return c.fail(KindBadPrivKey, "%v", err)
	}
	sig.SignatureBytes = sigBytes
	params["b"] = base64.StdEncoding.EncodeToString(sigBytes)
	sig.RawField = buildSignatureField(params)
	sig.Flags |= FlagProcessed | FlagPassed
	return nil
}

func (c *Context) buildTagParams(sig *Signature) map[string]string {
	now := time.Now()
	if c.lib != nil {
		now = c.lib.now()
	}

	params := map[string]string{
		"v":  "1",
		"a":  string(sig.Algorithm),
		"bh": base64.StdEncoding.EncodeToString(sig.BodyDigest),
		"c":  string(sig.HeaderCanonicalization) + "/" + string(sig.BodyCanonicalization),
		"d":  sig.Domain,
		"s":  sig.Selector,
		"t":  formatTime(now),
		"h":  formatTagList(sig.HeaderKeys),
	}
	if sig.Identifier != "" {
		params["i"] = sig.Identifier
	}
	if sig.BodyLength >= 0 {
		params["l"] = fmt.Sprintf("%d", sig.BodyLength)
	}
	if !sig.Expiration.IsZero() {
		params["x"] = formatTime(sig.Expiration)
	}
	if len(sig.QueryMethods) > 0 {
		params["q"] = formatTagList(sig.QueryMethods)
	}
	return params
}

// GetSigHeader returns the "DKIM-Signature: ..." text for signature index
// i, valid after EOM in Sign mode. The text has no trailing CRLF; the
// caller appends one before prepending it to the message.
func (c *Context) GetSigHeader(i int) (string, error) {
	if i < 0 || i >= len(c.signatures) {
		return "", newError(KindInvalidState, "signature index %d out of range", i)
	}
	sig := c.signatures[i]
	if sig.RawField == "" {
		return "", newError(KindInvalidState, "signature %d has not been finalized", i)
	}
	return sig.RawField, nil
}

func (c *Context) eomVerify() (*Result, error) {
	var authorDomain string
	for _, sig := range c.signatures {
		if sig.Err != nil {
			continue
		}

		if sig.lookup != nil {
			select {
			case r := <-sig.lookup.done:
				sig.Key = r.record
				if r.err != nil {
					sig.Err = r.err
					sig.Flags |= FlagError
					continue
				}
			}
		}
		sig.Flags |= FlagKeyLoaded

		if !sig.Expiration.IsZero() {
			now := time.Now()
			drift := time.Duration(0)
			if c.lib != nil {
				now = c.lib.now()
				drift = c.lib.clockDriftFor()
			}
			if now.After(sig.Expiration.Add(drift)) {
				sig.Err = newError(KindExpired, "signature expired at %s", sig.Expiration)
				sig.Flags |= FlagError
				continue
			}
		}

		if !constantTimeEqual(sig.BodyDigest, sig.BodyHash) {
			sig.Err = newError(KindBodyHashMismatch, "body hash did not verify")
			sig.Flags |= FlagError
			if c.lib != nil {
				c.lib.log().Debug("DKIM body hash mismatch",
					zap.String("domain", sig.Domain),
					zap.String("selector", sig.Selector),
					zap.String("expected", base64.StdEncoding.EncodeToString(sig.BodyHash)),
					zap.String("actual", base64.StdEncoding.EncodeToString(sig.BodyDigest)))
			}
			continue
		}

		hc := headerCanonicalizers[sig.HeaderCanonicalization]
		hasher := sig.Algorithm.hash().New()
		p := newHeaderPicker(c.headers)
		for _, key := range sig.HeaderKeys {
			kv, ok := p.Pick(key)
			if !ok {
				continue
			}
			hasher.Write([]byte(hc.CanonicalizeHeader(kv)))
		}
		canSig := removeSignatureValue(sig.RawField)
		canSig = hc.CanonicalizeHeader(canSig)
		canSig = strings.TrimRight(canSig, crlf)
		hasher.Write([]byte(canSig))
		sig.HeaderDigest = hasher.Sum(nil)

		if err := cryptoVerify(sig.Algorithm, sig.Key, sig.HeaderDigest, sig.SignatureBytes); err != nil {
			sig.Err = err
			sig.Flags |= FlagError
			if c.lib != nil {
				c.lib.log().Debug("DKIM signature verification failed",
					zap.String("domain", sig.Domain),
					zap.String("selector", sig.Selector),
					zap.Error(err))
			}
			continue
		}

		sig.Flags |= FlagPassed

		if authorDomain == "" {
			var senderHeaders []string
			if c.lib != nil {
				senderHeaders = c.lib.senderHeadersFor()
			}
			authorDomain = authorDomainFromFrom(c.headers, senderHeaders)
		}
		if authorDomain != "" && !strings.EqualFold(sig.Domain, authorDomain) && !strings.HasSuffix(strings.ToLower(authorDomain), "."+strings.ToLower(sig.Domain)) {
			sig.ATPSResult = checkATPS(context.Background(), c.lib, sig, authorDomain, defaultDNSTimeout)
		}
	}

	return c.buildVerifyResult(), nil
}

// removeSignatureValue blanks the b= tag's value in a raw DKIM-Signature
// field, per RFC 6376 §3.5: the header hash input includes the
// DKIM-Signature field itself with its b= value replaced by an empty
// string.
func removeSignatureValue(raw string) string {
	idx := strings.Index(raw, "b=")
	for idx >= 0 {
		// Ensure this "b=" starts a tag (preceded by ';', whitespace, or
		// the start of the value) rather than being part of another
		// tag's value or name (e.g. "bh=").
		if idx == 0 || raw[idx-1] == ';' || raw[idx-1] == ' ' || raw[idx-1] == '\t' || raw[idx-1] == '\r' || raw[idx-1] == '\n' {
			end := strings.IndexByte(raw[idx:], ';')
			var tail string
			if end < 0 {
				tail = ""
			} else {
				tail = raw[idx+end:]
			}
			return raw[:idx+2] + tail
		}
		next := strings.Index(raw[idx+1:], "b=")
		if next < 0 {
			break
		}
		idx = idx + 1 + next
	}
	return raw
}

// Result is the outcome of EOM: every Signature reached in Sign or Verify
// mode, plus an overall Err that is nil only when every Signature passed
// (Sign mode) or at least one Signature passed (Verify mode). When no
// Signature passed in Verify mode, Err is the worst per-Signature error.
type Result struct {
	JobID      string
	Mode       Mode
	Signatures []*Signature
	Err        error
}

func (c *Context) buildSignResult() *Result {
	return &Result{JobID: c.jobID, Mode: ModeSign, Signatures: c.signatures}
}

func (c *Context) buildVerifyResult() *Result {
	if len(c.signatures) == 0 {
		return &Result{JobID: c.jobID, Mode: ModeVerify, Err: newError(KindNoKey, "message has no DKIM-Signature header")}
	}
	errs := make([]error, 0, len(c.signatures))
	anyPassed := false
	for _, s := range c.signatures {
		errs = append(errs, s.Err)
		if s.Passed() {
			anyPassed = true
		}
	}
	res := &Result{JobID: c.jobID, Mode: ModeVerify, Signatures: c.signatures}
	if !anyPassed {
		res.Err = worstError(errs...)
	}
	return res
}

// Free releases a Context's resources, cancelling any key lookups that
// have not yet delivered a result. Safe to call on a Context at any
// phase, including after EOM.
func (c *Context) Free() {
	if c.lib != nil && c.phase >= PhaseEOH {
		c.lib.mu.Lock()
		if c.lib.activeSessions > 0 {
			c.lib.activeSessions--
		}
		c.lib.mu.Unlock()
	}
	for _, sig := range c.signatures {
		if sig.lookup != nil {
			sig.lookup.cancelLookup()
		}
	}
}

// Sign is a one-shot convenience wrapper around NewSign that reads r to
// EOF, computes the signature, and returns the folded DKIM-Signature
// header text ready to prepend to the message.
func Sign(lib *LibraryHandle, r io.Reader, keyPEM []byte, selector, domain string, headerCan, bodyCan Canonicalization, alg Algorithm) (string, error) {
	ctx, err := NewSign(lib, "", keyPEM, selector, domain, headerCan, bodyCan, alg, -1)
	if err != nil {
		return "", err
	}
	defer ctx.Free()

	br := bufio.NewReader(r)
	if err := ctx.ReadHeaders(br); err != nil {
		return "", err
	}
	if err := ctx.EOH(); err != nil {
		return "", err
	}
	buf := make([]byte, 32*1024)
	for {
		n, rerr := br.Read(buf)
		if n > 0 {
			if err := ctx.Body(buf[:n]); err != nil {
				return "", err
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", rerr
		}
	}
	if _, err := ctx.EOM(); err != nil {
		return "", err
	}
	return ctx.GetSigHeader(0)
}

// Verify is a one-shot convenience wrapper around NewVerify that reads r
// (a complete message, headers then body) to EOF and returns the overall
// Result.
func Verify(lib *LibraryHandle, r io.Reader) (*Result, error) {
	ctx := NewVerify(lib, "")
	defer ctx.Free()

	br := bufio.NewReader(r)
	if err := ctx.ReadHeaders(br); err != nil {
		return nil, err
	}
	if err := ctx.EOH(); err != nil {
		return nil, err
	}
	buf := make([]byte, 32*1024)
	for {
		n, rerr := br.Read(buf)
		if n > 0 {
			if err := ctx.Body(buf[:n]); err != nil {
				return nil, err
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, rerr
		}
	}
	return ctx.EOM()
}
