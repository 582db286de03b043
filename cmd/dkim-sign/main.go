// Command dkim-sign reads a message from stdin, signs it, and writes the
// message with a prepended DKIM-Signature header to stdout.
package main

import (
	"bytes"
	"flag"
	"io"
	"log"
	"os"

	"github.com/sigmail/dkim"
)

func main() {
	selector := flag.String("s", "", "selector")
	domain := flag.String("d", "", "signing domain")
	keyFile := flag.String("k", "", "private key PEM file")
	algo := flag.String("a", "rsa-sha256", "signature algorithm (rsa-sha1, rsa-sha256, ed25519-sha256)")
	headerCanon := flag.String("hc", "relaxed", "header canonicalization (simple, relaxed)")
	bodyCanon := flag.String("bc", "relaxed", "body canonicalization (simple, relaxed)")
	flag.Parse()

	if *selector == "" || *domain == "" || *keyFile == "" {
		log.Fatal("dkim-sign: -s, -d and -k are required")
	}

	keyPEM, err := os.ReadFile(*keyFile)
	if err != nil {
		log.Fatalf("dkim-sign: %v", err)
	}

	msg, err := io.ReadAll(os.Stdin)
	if err != nil {
		log.Fatalf("dkim-sign: %v", err)
	}

	lib := dkim.NewLibraryHandle(nil)
	sigField, err := dkim.Sign(
		lib,
		bytes.NewReader(msg),
		keyPEM,
		*selector,
		*domain,
		dkim.Canonicalization(*headerCanon),
		dkim.Canonicalization(*bodyCanon),
		dkim.Algorithm(*algo),
	)
	if err != nil {
		log.Fatalf("dkim-sign: %v", err)
	}

	os.Stdout.WriteString(sigField)
	os.Stdout.WriteString("\r\n")
	os.Stdout.Write(msg)
}
