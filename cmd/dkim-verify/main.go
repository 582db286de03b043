// Command dkim-verify reads a message from stdin and verifies every
// DKIM-Signature header found on it, printing one line per signature.
package main

import (
	"log"
	"os"

	"go.uber.org/zap"

	"github.com/sigmail/dkim"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	lib := dkim.NewLibraryHandle(dkim.NewLiveBackend())
	lib.SetLogger(logger)

	result, err := dkim.Verify(lib, os.Stdin)
	if err != nil {
		log.Fatalf("dkim-verify: %v", err)
	}

	if len(result.Signatures) == 0 {
		log.Println("no DKIM-Signature header found")
		os.Exit(1)
	}

	exitCode := 0
	for _, sig := range result.Signatures {
		if sig.Err == nil && sig.Passed() {
			log.Printf("PASS domain=%s selector=%s algorithm=%s", sig.Domain, sig.Selector, sig.Algorithm)
			continue
		}
		exitCode = 1
		switch {
		case sig.Err != nil:
			log.Printf("FAIL domain=%s selector=%s: %v", sig.Domain, sig.Selector, sig.Err)
		default:
			log.Printf("FAIL domain=%s selector=%s: signature did not verify", sig.Domain, sig.Selector)
		}
	}
	os.Exit(exitCode)
}
