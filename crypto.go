package dkim

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/subtle"
	"io"
)

var randReader io.Reader = rand.Reader

// cryptoSign signs digest under alg using signer. For RSA algorithms,
// digest is the algorithm's own hash (SHA-1 or SHA-256) and PKCS#1 v1.5
// signing is used via crypto.Signer. For Ed25519, RFC 8463 requires
// hashing the canonicalized data with SHA-256 first and signing the
// 32-byte digest with PureEdDSA (crypto.Hash(0)), rather than signing the
// raw message the way plain Ed25519 normally would.
func cryptoSign(alg Algorithm, signer crypto.Signer, digest []byte) ([]byte, error) {
	switch alg.keyFamily() {
	case "rsa":
		return signer.Sign(randReader, digest, alg.hash())
	case "ed25519":
		return signer.Sign(randReader, digest, crypto.Hash(0))
	}
	return nil, newError(KindBadPrivKey, "unsupported algorithm %q", alg)
}

// cryptoVerify checks sig against digest under alg using the public key
// material in key, returning a *Error with KindBadSig on mismatch.
func cryptoVerify(alg Algorithm, key *KeyRecord, digest, sig []byte) error {
	switch alg.keyFamily() {
	case "rsa":
		if key.RSAPublicKey == nil {
			return newError(KindKeyMismatch, "no RSA public key available")
		}
		if err := rsa.VerifyPKCS1v15(key.RSAPublicKey, alg.hash(), digest, sig); err != nil {
			return newError(KindBadSig, "%v", err)
		}
		return nil
	case "ed25519":
		if len(key.Ed25519PublicKey) != ed25519.PublicKeySize {
			return newError(KindKeyMismatch, "no Ed25519 public key available")
		}
		if len(sig) != ed25519.SignatureSize {
			return newError(KindBadSig, "signature is %d bytes, want %d", len(sig), ed25519.SignatureSize)
		}
		if !ed25519.Verify(key.Ed25519PublicKey, digest, sig) {
			return newError(KindBadSig, "Ed25519 signature did not verify")
		}
		return nil
	}
	return newError(KindBadAlgorithm, "unsupported algorithm %q", alg)
}

// constantTimeEqual compares two digests in constant time, used for the
// received bh= against the locally computed body digest so a timing
// side-channel can't leak how many leading bytes matched.
func constantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
