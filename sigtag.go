package dkim

import (
	"crypto"
	"encoding/base64"
	"fmt"
	"hash"
	"strconv"
	"strings"
	"time"
)

// Algorithm identifies a DKIM a= tag value.
type Algorithm string

const (
	AlgorithmRSASHA1     Algorithm = "rsa-sha1"
	AlgorithmRSASHA256   Algorithm = "rsa-sha256"
	AlgorithmEd25519SHA256 Algorithm = "ed25519-sha256"
)

func (a Algorithm) hash() crypto.Hash {
	switch a {
	case AlgorithmRSASHA1:
		return crypto.SHA1
	case AlgorithmRSASHA256, AlgorithmEd25519SHA256:
		return crypto.SHA256
	}
	return 0
}

func (a Algorithm) keyFamily() string {
	switch a {
	case AlgorithmRSASHA1, AlgorithmRSASHA256:
		return "rsa"
	case AlgorithmEd25519SHA256:
		return "ed25519"
	}
	return ""
}

// SignatureFlag records processing state of a Signature as it moves
// through parsing, key loading, and verification.
type SignatureFlag uint

const (
	FlagProcessed SignatureFlag = 1 << iota
	FlagIgnore
	FlagKeyLoaded
	FlagPassed
	FlagError
)

// Signature is the runtime representation of one DKIM-Signature header,
// covering both its parsed tag set and the computed state (digests, key
// record, verdict) accumulated as the Context advances.
type Signature struct {
	Index int // position among DKIM-Signature headers as encountered, for verify mode

	Version    string
	Algorithm  Algorithm
	Domain     string
	Selector   string
	Identifier string // i= tag, default "@"+Domain
	HeaderKeys []string
	HeaderCanonicalization Canonicalization
	BodyCanonicalization   Canonicalization
	BodyLength int64 // l= tag; -1 means unbounded
	Timestamp  time.Time
	Expiration time.Time
	QueryMethods []string
	CopiedHeaders string // z= tag, verbatim

	BodyHash      []byte // bh= tag, decoded
	SignatureBytes []byte // b= tag, decoded

	RawField string // the whole DKIM-Signature header field, folding included: as encountered (verify mode) or as built (sign mode)

	// Computed state.
	Flags       SignatureFlag
	HeaderDigest []byte
	BodyDigest   []byte
	Key         *KeyRecord
	ATPSResult  ATPSResult
	Err         error

	// Runtime-only fields, not part of the public data model: these live
	// alongside the index so the streaming engine doesn't need a second,
	// parallel slice to track per-signature hashing state.
	bodyCanon bodyCanonicalizer
	hasher    hash.Hash
	lookup    *keyLookup
	req       *SignRequest // sign mode only
}

// Passed reports whether this Signature's cryptographic and key-record
// checks all succeeded.
func (s *Signature) Passed() bool {
	return s.Flags&FlagPassed != 0
}

var requiredTags = []string{"v", "a", "b", "bh", "d", "s", "h"}

// parseSignatureTags parses a DKIM-Signature field value (the part after
// "DKIM-Signature:") into a Signature for the verifier, validating every
// required tag.
func parseSignatureTags(value string, allowB64Bleed bool) (*Signature, error) {
	params, seen, err := parseTagValueList(value)
	if err != nil {
		return nil, newError(KindSyntax, "%v", err)
	}

	for _, tag := range requiredTags {
		if _, ok := params[tag]; !ok {
			return nil, newError(KindMissingTag, "missing required tag %q", tag)
		}
	}
	_ = seen

	sig := &Signature{}

	sig.Version = stripWhitespace(params["v"])
	if sig.Version != "1" {
		return nil, newError(KindVersion, "unsupported version %q", sig.Version)
	}

	algo := Algorithm(stripWhitespace(params["a"]))
	switch algo {
	case AlgorithmRSASHA1, AlgorithmRSASHA256, AlgorithmEd25519SHA256:
		sig.Algorithm = algo
	default:
		return nil, newError(KindBadAlgorithm, "unsupported algorithm %q", algo)
	}

	sig.Domain = stripWhitespace(params["d"])
	sig.Selector = stripWhitespace(params["s"])

	if i, ok := params["i"]; ok {
		sig.Identifier = stripWhitespace(i)
		if !strings.HasSuffix(sig.Identifier, "@"+sig.Domain) && !strings.HasSuffix(sig.Identifier, "."+sig.Domain) {
			return nil, newError(KindDomainMismatch, "i= domain does not match d=")
		}
	} else {
		sig.Identifier = "@" + sig.Domain
	}

	sig.HeaderKeys = parseTagList(params["h"])
	fromOK := false
	for _, k := range sig.HeaderKeys {
		if strings.EqualFold(k, "from") {
			fromOK = true
			break
		}
	}
	if !fromOK {
		return nil, newError(KindMissingFrom, "h= does not list From")
	}

	headerCan, bodyCan := parseCanonicalization(params["c"])
	if _, ok := headerCanonicalizers[headerCan]; !ok {
		return nil, newError(KindSyntax, "unsupported header canonicalization %q", headerCan)
	}
	if _, ok := headerCanonicalizers[bodyCan]; !ok {
		return nil, newError(KindSyntax, "unsupported body canonicalization %q", bodyCan)
	}
	sig.HeaderCanonicalization = headerCan
	sig.BodyCanonicalization = bodyCan

	sig.BodyLength = -1
	if lStr, ok := params["l"]; ok {
		l, err := strconv.ParseInt(stripWhitespace(lStr), 10, 64)
		if err != nil || l < 0 {
			return nil, newError(KindSyntax, "malformed l= tag")
		}
		sig.BodyLength = l
	}

	if tStr, ok := params["t"]; ok {
		t, err := strconv.ParseInt(stripWhitespace(tStr), 10, 64)
		if err != nil {
			return nil, newError(KindSyntax, "malformed t= tag")
		}
		sig.Timestamp = time.Unix(t, 0)
	}
	if xStr, ok := params["x"]; ok {
		x, err := strconv.ParseInt(stripWhitespace(xStr), 10, 64)
		if err != nil {
			return nil, newError(KindSyntax, "malformed x= tag")
		}
		sig.Expiration = time.Unix(x, 0)
		if !sig.Timestamp.IsZero() && sig.Expiration.Before(sig.Timestamp) {
			return nil, newError(KindFutureExpiry, "x= precedes t=")
		}
	}

	if qStr, ok := params["q"]; ok {
		sig.QueryMethods = parseTagList(qStr)
	}
	sig.CopiedHeaders = params["z"]

	bh, err := decodeBase64Tolerant(params["bh"], allowB64Bleed)
	if err != nil {
		return nil, newError(KindCorruptB64, "malformed bh=: %v", err)
	}
	sig.BodyHash = bh

	b, err := decodeBase64Tolerant(params["b"], allowB64Bleed)
	if err != nil {
		return nil, newError(KindCorruptB64, "malformed b=: %v", err)
	}
	sig.SignatureBytes = b

	return sig, nil
}

func parseCanonicalization(s string) (headerCan, bodyCan Canonicalization) {
	headerCan = CanonicalizationSimple
	bodyCan = CanonicalizationSimple
	parts := strings.SplitN(stripWhitespace(s), "/", 2)
	if parts[0] != "" {
		headerCan = Canonicalization(parts[0])
	}
	if len(parts) > 1 {
		bodyCan = Canonicalization(parts[1])
	}
	return
}

func parseTagList(s string) []string {
	parts := strings.Split(s, ":")
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = stripWhitespace(p)
	}
	return out
}

func formatTagList(l []string) string {
	return strings.Join(l, ":")
}

// parseTagValueList parses a semicolon-separated tag=value list, with
// whitespace permitted anywhere around tags and delimiters. Duplicate
// tags are a syntax error.
func parseTagValueList(s string) (map[string]string, map[string]bool, error) {
	params := make(map[string]string)
	seen := make(map[string]bool)
	for _, part := range strings.Split(s, ";") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, nil, fmt.Errorf("malformed tag-value pair %q", part)
		}
		k := strings.TrimSpace(kv[0])
		if seen[k] {
			return nil, nil, fmt.Errorf("duplicate tag %q", k)
		}
		seen[k] = true
		params[k] = strings.TrimSpace(kv[1])
	}
	return params, seen, nil
}

func stripWhitespace(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\r' || r == '\n' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// decodeBase64Tolerant decodes base64 text (any embedded whitespace
// stripped first, as FWS is allowed around tag values). When bleed is
// true, missing trailing '=' padding is tolerated, a workaround for peers
// that truncate padding; off by default.
func decodeBase64Tolerant(s string, bleed bool) ([]byte, error) {
	s = stripWhitespace(s)
	if bleed {
		if m := len(s) % 4; m != 0 {
			s += strings.Repeat("=", 4-m)
		}
	}
	return base64.StdEncoding.DecodeString(s)
}

func formatTime(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

// buildSignatureField renders params (in the canonical v,a,c,d,q,s,t,x,h,
// i,l,bh,b tag order) as a folded "DKIM-Signature: ..." field, using the
// line-folding builder in sigtag_builder.go.
func buildSignatureField(params map[string]string) string {
	order := []string{"v", "a", "c", "d", "q", "s", "t", "x", "h", "i", "l", "bh", "b"}
	byTag := params

	sig := newDKIMSignatureBuilder()
	for _, tag := range order {
		v, ok := byTag[tag]
		if !ok {
			continue
		}
		switch tag {
		case "h":
			sig.AddDelimTag(tag, strings.Split(v, ":"), ":")
		case "b", "bh":
			sig.AddBase64Tag(tag, v)
		default:
			sig.AddPlainTag(tag, v)
		}
	}
	return sig.String()
}

