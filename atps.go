package dkim

import (
	"context"
	"crypto/sha1"
	"encoding/base32"
	"strings"
	"time"
)

// ATPSResult is the tri-state outcome of an RFC 6541 Authorized
// Third-Party Signature check. Absence of a delegation record is not a
// verification failure (RFC 6541 §4.2: "MUST NOT be treated as a
// failure"), so this is exposed on Signature.ATPSResult rather than folded
// into Signature.Err.
type ATPSResult int

const (
	ATPSUnchecked ATPSResult = iota
	ATPSAuthorized
	ATPSNotAuthorized
)

func (r ATPSResult) String() string {
	switch r {
	case ATPSAuthorized:
		return "authorized"
	case ATPSNotAuthorized:
		return "not-authorized"
	default:
		return "unchecked"
	}
}

// checkATPS looks up "<base32(sha1(d))>._atps.<authorDomain>" and reports
// whether it contains an ATPS1 record authorizing sig.Domain as a
// delegate signer for authorDomain, per RFC 6541 §3-4. Only invoked when
// sig.Domain differs from the author domain; same-domain signatures
// never need this.
func checkATPS(ctx context.Context, lib *LibraryHandle, sig *Signature, authorDomain string, timeout time.Duration) ATPSResult {
	if timeout <= 0 {
		timeout = defaultDNSTimeout
	}
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sum := sha1.Sum([]byte(sig.Domain))
	// RFC 6541 §4.3 specifies the un-padded base32 form of the hash.
	label := strings.TrimRight(base32.StdEncoding.EncodeToString(sum[:]), "=")
	qname := label + "._atps." + authorDomain

	backend := lib.backendFor()
	txts, err := backend.Query(qctx, qname)
	if err != nil {
		return ATPSUnchecked
	}
	if len(txts) == 0 {
		return ATPSNotAuthorized
	}

	for _, txt := range txts {
		params, _, err := parseTagValueList(txt)
		if err != nil {
			continue
		}
		if v, ok := params["v"]; ok && v == "ATPS1" {
			return ATPSAuthorized
		}
	}
	return ATPSNotAuthorized
}

// authorDomainFromFrom extracts the domain part of the message's author
// address, used as the ATPS "author domain". names lists the header
// fields that establish author identity (normally just From); DKIM
// itself never parses MIME or full RFC 5322 mailboxes, so this only
// looks for the last '@' in the header's raw value.
func authorDomainFromFrom(headers []Header, names []string) string {
	if len(names) == 0 {
		names = []string{"From"}
	}
	for i := len(headers) - 1; i >= 0; i-- {
		matches := false
		for _, n := range names {
			if strings.EqualFold(headers[i].Name, n) {
				matches = true
				break
			}
		}
		if !matches {
			continue
		}
		v := headers[i].Value
		if at := strings.LastIndexByte(v, '@'); at >= 0 {
			domain := v[at+1:]
			domain = strings.TrimFunc(domain, func(r rune) bool {
				return r == ' ' || r == '\t' || r == '\r' || r == '\n' || r == '>' || r == ';'
			})
			return domain
		}
	}
	return ""
}
