package dkim

import (
	"bufio"
	"crypto"
	"encoding/base64"
	"strings"
	"sync"
	"testing"
	"time"
)

const testMailHeaders = "From: Joe SixPack <joe@football.example.com>\r\n" +
	"To: Suzie Q <suzie@shopping.example.com>\r\n" +
	"Subject: Is dinner ready?\r\n" +
	"Date: Fri, 11 Jul 2003 21:00:37 -0700\r\n" +
	"Message-ID: <20030712040037.46341.5F8J@football.example.com>\r\n"

const testMailBody = "Hi.\r\n\r\nWe lost the game.  Are you hungry yet?\r\n\r\nJoe.\r\n"

// feedFullMessage reads message (headers, a blank line, then body) into
// ctx: ReadHeaders, EOH, then Body in one 4096-byte-chunked pass to EOF.
func feedFullMessage(t *testing.T, ctx *Context, message string) {
	t.Helper()
	br := bufio.NewReader(strings.NewReader(message))
	if err := ctx.ReadHeaders(br); err != nil {
		t.Fatalf("ReadHeaders: %v", err)
	}
	if err := ctx.EOH(); err != nil {
		t.Fatalf("EOH: %v", err)
	}
	buf := make([]byte, 4096)
	for {
		n, rerr := br.Read(buf)
		if n > 0 {
			if err := ctx.Body(buf[:n]); err != nil {
				t.Fatalf("Body: %v", err)
			}
		}
		if rerr != nil {
			break
		}
	}
}

// signOnce builds and runs a one-Signature Sign-mode Context and returns
// the folded "DKIM-Signature: ..." field text.
func signOnce(t *testing.T, selector, domain string, signer crypto.Signer, hc, bc Canonicalization, headerKeys []string, headers, body string, lengthCap int64, fixedTime time.Time) string {
	t.Helper()
	lib := NewLibraryHandle(nil)
	lib.SetFixedTime(fixedTime)
	ctx := newContext(lib, "", ModeSign)
	if err := ctx.AddSignRequest(&SignRequest{
		Domain: domain, Selector: selector, Signer: signer,
		HeaderCanonicalization: hc, BodyCanonicalization: bc,
		HeaderKeys: headerKeys, LengthCap: lengthCap,
	}); err != nil {
		t.Fatalf("AddSignRequest: %v", err)
	}
	feedFullMessage(t, ctx, headers+"\r\n"+body)
	if _, err := ctx.EOM(); err != nil {
		t.Fatalf("EOM: %v", err)
	}
	sigField, err := ctx.GetSigHeader(0)
	if err != nil {
		t.Fatalf("GetSigHeader: %v", err)
	}
	// GetSigHeader deliberately omits the trailing CRLF (the caller
	// prepends the field to the message and supplies it); tests that
	// splice sigField directly in front of a raw header block need it.
	return sigField + crlf
}

// verifyMessage runs message (already carrying its DKIM-Signature
// header(s)) through a Verify-mode Context backed by backend.
func verifyMessage(t *testing.T, backend Backend, fixedTime time.Time, message string) *Result {
	t.Helper()
	lib := NewLibraryHandle(backend)
	lib.SetFixedTime(fixedTime)
	ctx := NewVerify(lib, "")
	feedFullMessage(t, ctx, message)
	res, err := ctx.EOM()
	if err != nil {
		t.Fatalf("EOM: %v", err)
	}
	return res
}

func TestRoundTripMatrix(t *testing.T) {
	cans := []Canonicalization{CanonicalizationSimple, CanonicalizationRelaxed}
	type algCase struct {
		alg    Algorithm
		signer crypto.Signer
	}
	algs := []algCase{
		{AlgorithmRSASHA1, testRSASigner()},
		{AlgorithmRSASHA256, testRSASigner()},
		{AlgorithmEd25519SHA256, testEd25519Signer()},
	}
	fixedTime := time.Unix(1528637909, 0)

	for _, hc := range cans {
		for _, bc := range cans {
			for _, ac := range algs {
				t.Run(string(hc)+"/"+string(bc)+"/"+string(ac.alg), func(t *testing.T) {
					selector := "brisbane"
					domain := "football.example.com"
					sigField := signOnce(t, selector, domain, ac.signer, hc, bc, nil, testMailHeaders, testMailBody, -1, fixedTime)

					backend := NewFileBackendFromMap(map[string]string{
						selector + "._domainkey." + domain: dkim1Record(ac.signer.Public()),
					})
					res := verifyMessage(t, backend, fixedTime, sigField+testMailHeaders+"\r\n"+testMailBody)
					if res.Err != nil {
						t.Fatalf("verification failed: %v", res.Err)
					}
					if len(res.Signatures) != 1 || !res.Signatures[0].Passed() {
						t.Fatalf("expected one passing signature, got %+v", res.Signatures)
					}
				})
			}
		}
	}
}

// TestRFC8463Vector reproduces RFC 8463 Appendix A: signing the example
// message with the given Ed25519 key, selector, domain and timestamp must
// produce the exact bh= and b= values the RFC publishes.
func TestRFC8463Vector(t *testing.T) {
	lib := NewLibraryHandle(nil)
	lib.SetFixedTime(time.Unix(1528637909, 0))

	ctx := newContext(lib, "", ModeSign)
	if err := ctx.AddSignRequest(&SignRequest{
		Domain:                 "football.example.com",
		Selector:               "brisbane",
		Identifier:             "@football.example.com",
		Signer:                 testEd25519Signer(),
		HeaderCanonicalization: CanonicalizationRelaxed,
		BodyCanonicalization:   CanonicalizationRelaxed,
		QueryMethods:           []string{"dns/txt"},
		// h= as in the RFC 8463 Appendix A vector: from, subject and date
		// appear once more than they occur in the message (oversigned).
		HeaderKeys: []string{"from", "to", "subject", "date", "message-id", "from", "subject", "date"},
		LengthCap:  -1,
	}); err != nil {
		t.Fatalf("AddSignRequest: %v", err)
	}
	feedFullMessage(t, ctx, testMailHeaders+"\r\n"+testMailBody)
	if _, err := ctx.EOM(); err != nil {
		t.Fatalf("EOM: %v", err)
	}

	sig := ctx.Signatures()[0]
	gotBH := base64.StdEncoding.EncodeToString(sig.BodyDigest)
	wantBH := "2jUSOH9NhtVGCQWNr9BrIAPreKQjO6Sn7XIkfJVOzv8="
	if gotBH != wantBH {
		t.Errorf("bh = %q, want %q", gotBH, wantBH)
	}

	gotB := base64.StdEncoding.EncodeToString(sig.SignatureBytes)
	wantB := "/gCrinpcQOoIfuHNQIbq4pgh9kyIK3AQUdt9OdqQehSwhEIug4D11BusFa3bT3FY5OsU7ZbnKELq+eXdp1Q1Dw=="
	if gotB != wantB {
		t.Errorf("b = %q, want %q", gotB, wantB)
	}
}

// TestChunkInvariance checks that signing the same message produces an
// identical signature regardless of how the body is chunked into Body()
// calls, down to one byte at a time.
func TestChunkInvariance(t *testing.T) {
	fixedTime := time.Unix(1528637909, 0)

	sign := func(chunks []string) []byte {
		lib := NewLibraryHandle(nil)
		lib.SetFixedTime(fixedTime)
		ctx := newContext(lib, "", ModeSign)
		if err := ctx.AddSignRequest(&SignRequest{
			Domain:                 "football.example.com",
			Selector:               "brisbane",
			Signer:                 testEd25519Signer(),
			HeaderCanonicalization: CanonicalizationRelaxed,
			BodyCanonicalization:   CanonicalizationRelaxed,
			HeaderKeys:             []string{"From", "To", "Subject", "Date", "Message-ID"},
			LengthCap:              -1,
		}); err != nil {
			t.Fatalf("AddSignRequest: %v", err)
		}
		br := bufio.NewReader(strings.NewReader(testMailHeaders))
		if err := ctx.ReadHeaders(br); err != nil {
			t.Fatalf("ReadHeaders: %v", err)
		}
		if err := ctx.EOH(); err != nil {
			t.Fatalf("EOH: %v", err)
		}
		for _, c := range chunks {
			if err := ctx.Body([]byte(c)); err != nil {
				t.Fatalf("Body: %v", err)
			}
		}
		if _, err := ctx.EOM(); err != nil {
			t.Fatalf("EOM: %v", err)
		}
		return ctx.Signatures()[0].SignatureBytes
	}

	whole := sign([]string{testMailBody})

	var oneByte []string
	for i := 0; i < len(testMailBody); i++ {
		oneByte = append(oneByte, string(testMailBody[i]))
	}
	byByte := sign(oneByte)

	mid := len(testMailBody) / 2
	split := sign([]string{testMailBody[:mid], testMailBody[mid:]})

	if string(whole) != string(byByte) {
		t.Errorf("whole-body signature differs from byte-at-a-time signature")
	}
	if string(whole) != string(split) {
		t.Errorf("whole-body signature differs from split-in-two signature")
	}
}

// TestTamperDetection verifies that altering a signed byte in the body,
// in a signed header, or in b= itself is caught.
func TestTamperDetection(t *testing.T) {
	fixedTime := time.Unix(1528637909, 0)
	sigField := signOnce(t, "brisbane", "football.example.com", testRSASigner(), CanonicalizationRelaxed, CanonicalizationRelaxed, nil, testMailHeaders, testMailBody, -1, fixedTime)
	backend := NewFileBackendFromMap(map[string]string{
		"brisbane._domainkey.football.example.com": dkim1Record(testRSASigner().Public()),
	})

	good := sigField + testMailHeaders + "\r\n" + testMailBody
	if res := verifyMessage(t, backend, fixedTime, good); res.Err != nil {
		t.Fatalf("untampered message failed to verify: %v", res.Err)
	}

	tamperedBody := sigField + testMailHeaders + "\r\n" + strings.Replace(testMailBody, "Joe", "Moe", 1)
	if res := verifyMessage(t, backend, fixedTime, tamperedBody); res.Err == nil {
		t.Error("expected tampered body to fail verification")
	} else if !IsSigFail(res.Err) {
		t.Errorf("expected a BODY_HASH_MISMATCH or BAD_SIG, got %v", res.Err)
	}

	tamperedHeader := sigField + strings.Replace(testMailHeaders, "dinner ready?", "dinner not ready?", 1) + "\r\n" + testMailBody
	if res := verifyMessage(t, backend, fixedTime, tamperedHeader); res.Err == nil {
		t.Error("expected tampered header to fail verification")
	} else if !IsSigFail(res.Err) {
		t.Errorf("expected BAD_SIG, got %v", res.Err)
	}

	tamperedSig := strings.Replace(sigField, "b=", "b=AA", 1)
	tampered := tamperedSig + testMailHeaders + "\r\n" + testMailBody
	if res := verifyMessage(t, backend, fixedTime, tampered); res.Err == nil {
		t.Error("expected tampered b= to fail verification")
	}
}

// TestKeyMismatch verifies that an Ed25519 signature checked against a
// k=rsa key record fails KEY_MISMATCH.
func TestKeyMismatch(t *testing.T) {
	fixedTime := time.Unix(1528637909, 0)
	sigField := signOnce(t, "brisbane", "football.example.com", testEd25519Signer(), CanonicalizationRelaxed, CanonicalizationRelaxed, []string{"From", "To", "Subject", "Date", "Message-ID"}, testMailHeaders, testMailBody, -1, fixedTime)

	backend := NewFileBackendFromMap(map[string]string{
		"brisbane._domainkey.football.example.com": dkim1Record(testRSASigner().Public()),
	})
	message := sigField + testMailHeaders + "\r\n" + testMailBody
	res := verifyMessage(t, backend, fixedTime, message)
	if res.Err == nil {
		t.Fatal("expected verification to fail")
	}
	sig := res.Signatures[0]
	if e, ok := sig.Err.(*Error); !ok || e.Kind != KindKeyMismatch {
		t.Errorf("expected KEY_MISMATCH, got %v", sig.Err)
	}
}

// TestRevocation verifies that an empty p= in the key record fails
// KEY_REVOKED.
func TestRevocation(t *testing.T) {
	fixedTime := time.Unix(1528637909, 0)
	sigField := signOnce(t, "brisbane", "football.example.com", testRSASigner(), CanonicalizationRelaxed, CanonicalizationRelaxed, nil, testMailHeaders, testMailBody, -1, fixedTime)

	backend := NewFileBackendFromMap(map[string]string{
		"brisbane._domainkey.football.example.com": "v=DKIM1; k=rsa; p=",
	})
	message := sigField + testMailHeaders + "\r\n" + testMailBody
	res := verifyMessage(t, backend, fixedTime, message)
	if res.Err == nil {
		t.Fatal("expected verification to fail")
	}
	sig := res.Signatures[0]
	if e, ok := sig.Err.(*Error); !ok || e.Kind != KindKeyRevoked {
		t.Errorf("expected KEY_REVOKED, got %v", sig.Err)
	}
}

// TestLengthCap verifies that bytes appended beyond l=N do not affect
// verification, but altering a byte within the first N does.
func TestLengthCap(t *testing.T) {
	fixedTime := time.Unix(1528637909, 0)
	// l= counts canonicalized bytes; relaxed canonicalization of
	// testMailBody is shorter than the raw text.
	n := int64(len(bodyCanonOutput(t, CanonicalizationRelaxed, []string{testMailBody})))
	sigField := signOnce(t, "brisbane", "football.example.com", testRSASigner(), CanonicalizationRelaxed, CanonicalizationRelaxed, nil, testMailHeaders, testMailBody, n, fixedTime)

	backend := NewFileBackendFromMap(map[string]string{
		"brisbane._domainkey.football.example.com": dkim1Record(testRSASigner().Public()),
	})

	appended := sigField + testMailHeaders + "\r\n" + testMailBody + "extra unsigned trailer that should not matter"
	if res := verifyMessage(t, backend, fixedTime, appended); res.Err != nil {
		t.Errorf("appending bytes beyond l=%d should not break verification: %v", n, res.Err)
	}

	tampered := sigField + testMailHeaders + "\r\n" + strings.Replace(testMailBody, "Joe", "Moe", 1)
	if res := verifyMessage(t, backend, fixedTime, tampered); res.Err == nil {
		t.Error("expected altering a byte within l= to fail verification")
	}
}

// TestDualSignature verifies that a message bearing an RSA and an
// Ed25519 signature passes regardless of which header appears first.
func TestDualSignature(t *testing.T) {
	fixedTime := time.Unix(1528637909, 0)
	rsaSel, edSel := "rsabrisbane", "edbrisbane"
	rsaSigField := signOnce(t, rsaSel, "football.example.com", testRSASigner(), CanonicalizationRelaxed, CanonicalizationRelaxed, nil, testMailHeaders, testMailBody, -1, fixedTime)
	edSigField := signOnce(t, edSel, "football.example.com", testEd25519Signer(), CanonicalizationRelaxed, CanonicalizationRelaxed, []string{"From", "To", "Subject", "Date", "Message-ID"}, testMailHeaders, testMailBody, -1, fixedTime)

	dualBackend := NewFileBackendFromMap(map[string]string{
		rsaSel + "._domainkey.football.example.com": dkim1Record(testRSASigner().Public()),
		edSel + "._domainkey.football.example.com":  dkim1Record(testEd25519Signer().Public()),
	})

	for _, order := range [][2]string{{rsaSigField, edSigField}, {edSigField, rsaSigField}} {
		message := order[0] + order[1] + testMailHeaders + "\r\n" + testMailBody
		res := verifyMessage(t, dualBackend, fixedTime, message)
		if res.Err != nil {
			t.Errorf("dual signature verification failed: %v", res.Err)
		}
		if len(res.Signatures) != 2 {
			t.Fatalf("expected 2 signatures, got %d", len(res.Signatures))
		}
		for _, s := range res.Signatures {
			if !s.Passed() {
				t.Errorf("signature for domain %s/selector %s did not pass: %v", s.Domain, s.Selector, s.Err)
			}
		}
	}
}

// TestMultiThreadedIndependence runs several Contexts for distinct
// messages concurrently and checks each produces the same signature it
// would produce alone.
func TestMultiThreadedIndependence(t *testing.T) {
	fixedTime := time.Unix(1528637909, 0)
	const n = 8
	subjects := make([]string, n)
	want := make([]string, n)
	for i := 0; i < n; i++ {
		subjects[i] = strings.Replace(testMailHeaders, "Is dinner ready?", "Is dinner ready? "+string(rune('A'+i)), 1)
		want[i] = signOnce(t, "brisbane", "football.example.com", testRSASigner(), CanonicalizationRelaxed, CanonicalizationRelaxed, nil, subjects[i], testMailBody, -1, fixedTime)
	}

	got := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = signOnce(t, "brisbane", "football.example.com", testRSASigner(), CanonicalizationRelaxed, CanonicalizationRelaxed, nil, subjects[i], testMailBody, -1, fixedTime)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if got[i] != want[i] {
			t.Errorf("message %d: concurrent signature differs from serial signature", i)
		}
	}
}

// TestLineEndingStrictness verifies that, without FixCRLF, a body with a
// bare LF fails verification against a signature computed over CRLF, and
// that with FixCRLF on both sides it succeeds.
func TestLineEndingStrictness(t *testing.T) {
	fixedTime := time.Unix(1528637909, 0)
	bareLFBody := strings.ReplaceAll(testMailBody, "\r\n", "\n")

	sigField := signOnce(t, "brisbane", "football.example.com", testRSASigner(), CanonicalizationRelaxed, CanonicalizationRelaxed, nil, testMailHeaders, testMailBody, -1, fixedTime)

	backend := NewFileBackendFromMap(map[string]string{
		"brisbane._domainkey.football.example.com": dkim1Record(testRSASigner().Public()),
	})

	withBareLF := sigField + testMailHeaders + "\r\n" + bareLFBody
	if res := verifyMessage(t, backend, fixedTime, withBareLF); res.Err == nil {
		t.Error("expected a bare-LF body to fail verification without FixCRLF")
	}

	fixLib := NewLibraryHandle(backend)
	fixLib.SetFixedTime(fixedTime)
	if err := fixLib.SetFlags(FlagFixCRLF); err != nil {
		t.Fatalf("SetFlags: %v", err)
	}
	fixCtx := NewVerify(fixLib, "")
	feedFullMessage(t, fixCtx, withBareLF)
	res, err := fixCtx.EOM()
	if err != nil {
		t.Fatalf("EOM: %v", err)
	}
	if res.Err != nil {
		t.Errorf("expected FixCRLF to repair a bare-LF body: %v", res.Err)
	}
}

// TestOverSigning verifies that listing a header twice in h= when it only
// occurs once causes an attacker-prepended second occurrence to break
// verification.
func TestOverSigning(t *testing.T) {
	fixedTime := time.Unix(1528637909, 0)
	sigField := signOnce(t, "brisbane", "football.example.com", testRSASigner(), CanonicalizationRelaxed, CanonicalizationRelaxed,
		[]string{"From", "To", "Subject", "Subject", "Date", "Message-ID"}, testMailHeaders, testMailBody, -1, fixedTime)

	backend := NewFileBackendFromMap(map[string]string{
		"brisbane._domainkey.football.example.com": dkim1Record(testRSASigner().Public()),
	})

	good := sigField + testMailHeaders + "\r\n" + testMailBody
	if res := verifyMessage(t, backend, fixedTime, good); res.Err != nil {
		t.Fatalf("expected over-signed message to verify: %v", res.Err)
	}

	prepended := "Subject: Injected\r\n" + testMailHeaders
	attacked := sigField + prepended + "\r\n" + testMailBody
	if res := verifyMessage(t, backend, fixedTime, attacked); res.Err == nil {
		t.Error("expected a prepended Subject to break an over-signed signature")
	}
}

// TestInvalidStatePhaseOrdering verifies that calling Body before any
// Header/EOH call fails INVALID_STATE and latches the Context into a
// failed state that rejects every subsequent call.
func TestInvalidStatePhaseOrdering(t *testing.T) {
	ctx := NewVerify(nil, "")
	err := ctx.Body([]byte("x"))
	if err == nil {
		t.Fatal("expected Body before Header/EOH to fail")
	}
	if e, ok := err.(*Error); !ok || e.Kind != KindInvalidState {
		t.Errorf("expected INVALID_STATE, got %v", err)
	}
	if err := ctx.Header("Subject: x\r\n"); err == nil {
		t.Error("expected Header on a failed Context to fail")
	}
}

// TestAddSignRequestRejectsMissingFrom verifies that a SignRequest
// whose explicit HeaderKeys omit From is rejected.
func TestAddSignRequestRejectsMissingFrom(t *testing.T) {
	ctx := newContext(nil, "", ModeSign)
	err := ctx.AddSignRequest(&SignRequest{
		Domain: "example.com", Selector: "s", Signer: testRSASigner(),
		HeaderKeys: []string{"To", "Subject"},
	})
	if err == nil {
		t.Fatal("expected an error when From is missing from HeaderKeys")
	}
}

// TestNewSignRejectsMismatchedKeyAlgorithm verifies that an Ed25519 key
// cannot be paired with an RSA algorithm or vice versa.
func TestNewSignRejectsMismatchedKeyAlgorithm(t *testing.T) {
	if _, err := NewSign(nil, "", []byte(testEd25519KeyPEM), "s", "example.com", CanonicalizationRelaxed, CanonicalizationRelaxed, AlgorithmRSASHA256, -1); err == nil {
		t.Error("expected an Ed25519 key requested with rsa-sha256 to fail")
	}
	if _, err := NewSign(nil, "", []byte(testRSAKeyPEM), "s", "example.com", CanonicalizationRelaxed, CanonicalizationRelaxed, AlgorithmEd25519SHA256, -1); err == nil {
		t.Error("expected an RSA key requested with ed25519-sha256 to fail")
	}
}
