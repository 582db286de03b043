package dkim

import (
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"strings"
)

// KeyRecord is a parsed DKIM1 DNS TXT record (RFC 6376 §3.6.1), covering
// both RSA and Ed25519 public key material plus the t= flags and g=
// granularity tags.
type KeyRecord struct {
	Version   string // v=, must be "DKIM1" if present
	KeyAlgo   string // k=, default "rsa"
	HashAlgos []string // h=, nil means "any"
	Notes     string   // n=
	Granularity string // g=
	Services  []string // s=
	Testing   bool     // t= contains "y"
	Strict    bool     // t= contains "s"

	RSAPublicKey     *rsa.PublicKey
	Ed25519PublicKey ed25519.PublicKey
}

// parseKeyRecord parses and validates the TXT value at
// <selector>._domainkey.<domain>. minKeyBits is the library's configured
// minimum RSA key size.
func parseKeyRecord(txt string, sigAlgo Algorithm, minKeyBits int) (*KeyRecord, error) {
	params, _, err := parseTagValueList(txt)
	if err != nil {
		return nil, newError(KindKeySyntax, "%v", err)
	}

	rec := &KeyRecord{KeyAlgo: "rsa"}

	if v, ok := params["v"]; ok && v != "DKIM1" {
		return nil, newError(KindKeySyntax, "incompatible key record version %q", v)
	}
	rec.Version = "DKIM1"

	p, ok := params["p"]
	if !ok {
		return nil, newError(KindKeySyntax, "key record missing p= tag")
	}
	if strings.TrimSpace(p) == "" {
		return nil, newError(KindKeyRevoked, "key revoked (empty p=)")
	}

	if k, ok := params["k"]; ok && k != "" {
		rec.KeyAlgo = k
	}
	if rec.KeyAlgo != sigAlgo.keyFamily() {
		return nil, newError(KindKeyMismatch, "key algorithm %q does not match signature algorithm family %q", rec.KeyAlgo, sigAlgo.keyFamily())
	}

	raw, err := base64.StdEncoding.DecodeString(stripWhitespace(p))
	if err != nil {
		return nil, newError(KindKeySyntax, "malformed p=: %v", err)
	}

	switch rec.KeyAlgo {
	case "rsa":
		pub, err := x509.ParsePKIXPublicKey(raw)
		if err != nil {
			return nil, newError(KindKeySyntax, "malformed RSA public key: %v", err)
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, newError(KindKeySyntax, "key record does not contain an RSA public key")
		}
		if rsaPub.Size()*8 < minKeyBits {
			return nil, newError(KindKeyTooSmall, "RSA key has %d bits, want at least %d", rsaPub.Size()*8, minKeyBits)
		}
		rec.RSAPublicKey = rsaPub
	case "ed25519":
		if len(raw) != ed25519.PublicKeySize {
			return nil, newError(KindKeySyntax, "Ed25519 public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
		}
		rec.Ed25519PublicKey = ed25519.PublicKey(raw)
	default:
		return nil, newError(KindKeySyntax, "unsupported key algorithm %q", rec.KeyAlgo)
	}

	if h, ok := params["h"]; ok {
		rec.HashAlgos = parseTagList(h)
		hashName := strings.TrimPrefix(string(sigAlgo), sigAlgo.keyFamily()+"-")
		found := false
		for _, a := range rec.HashAlgos {
			if a == hashName {
				found = true
				break
			}
		}
		if !found {
			return nil, newError(KindKeyHashMismatch, "key record h= does not allow hash %q", hashName)
		}
	}

	rec.Notes = params["n"]
	rec.Granularity = params["g"]
	if s, ok := params["s"]; ok {
		rec.Services = parseTagList(s)
	}
	if t, ok := params["t"]; ok {
		for _, f := range parseTagList(t) {
			switch f {
			case "y":
				rec.Testing = true
			case "s":
				rec.Strict = true
			}
		}
	}

	return rec, nil
}
