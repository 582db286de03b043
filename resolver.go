package dkim

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// keyLookup is the in-flight state for one Signature's key-record
// resolution, launched at EOH and awaited at EOM: one goroutine per
// signature, with its result delivered over a buffered channel so a slow
// or hung lookup for one Signature never blocks the others.
type keyLookup struct {
	sigIndex int
	done     chan keyLookupResult
	cancel   context.CancelFunc
}

type keyLookupResult struct {
	record *KeyRecord
	err    error
}

const defaultDNSTimeout = 10 * time.Second

// startKeyLookup issues the DNS query for sig's selector/domain and
// returns immediately; the result is delivered asynchronously on the
// returned keyLookup's channel.
func startKeyLookup(lib *LibraryHandle, sig *Signature, timeout time.Duration) *keyLookup {
	if timeout <= 0 {
		timeout = defaultDNSTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	kl := &keyLookup{sigIndex: sig.Index, done: make(chan keyLookupResult, 1), cancel: cancel}

	qname, err := buildQueryName(lib, sig.Selector, sig.Domain)
	if err != nil {
		cancel()
		kl.done <- keyLookupResult{err: err}
		return kl
	}

	backend := lib.backendFor()
	go func() {
		defer cancel()
		txts, err := backend.Query(ctx, qname)
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				lib.log().Warn("Failed to fetch DKIM public key",
					zap.String("domain", sig.Domain),
					zap.String("selector", sig.Selector),
					zap.Error(ctx.Err()))
				kl.done <- keyLookupResult{err: newError(KindDNSTimeout, "timed out querying %s", qname)}
				return
			}
			lib.log().Warn("Failed to fetch DKIM public key",
				zap.String("domain", sig.Domain),
				zap.String("selector", sig.Selector),
				zap.Error(err))
			kl.done <- keyLookupResult{err: newError(KindNoRecord, "DNS query for %s failed: %v", qname, err)}
			return
		}
		if len(txts) == 0 {
			lib.log().Warn("Failed to fetch DKIM public key",
				zap.String("domain", sig.Domain),
				zap.String("selector", sig.Selector),
				zap.Error(fmt.Errorf("no TXT records at %s", qname)))
			kl.done <- keyLookupResult{err: newError(KindNoRecord, "no key record at %s", qname)}
			return
		}

		joined := ""
		for _, t := range txts {
			joined += t
		}
		rec, err := parseKeyRecord(joined, sig.Algorithm, lib.minKeyBitsFor())
		if err != nil {
			lib.log().Warn("Failed to fetch DKIM public key",
				zap.String("domain", sig.Domain),
				zap.String("selector", sig.Selector),
				zap.Error(err))
		}
		kl.done <- keyLookupResult{record: rec, err: err}
	}()

	return kl
}

func (lib *LibraryHandle) backendFor() Backend {
	lib.mu.RLock()
	defer lib.mu.RUnlock()
	return lib.backend
}

func (lib *LibraryHandle) minKeyBitsFor() int {
	lib.mu.RLock()
	defer lib.mu.RUnlock()
	return lib.minKeyBits
}

// buildQueryName constructs "<selector>._domainkey.<domain>", validating
// RFC 1035 label lengths after normalizing domain to its ASCII (IDNA)
// form.
func buildQueryName(lib *LibraryHandle, selector, domain string) (string, error) {
	lib.mu.RLock()
	profile := lib.idna
	lib.mu.RUnlock()

	normDomain, err := profile.ToASCII(domain)
	if err != nil {
		return "", newError(KindKeySyntax, "invalid domain %q: %v", domain, err)
	}
	for _, label := range splitLabels(selector + "._domainkey." + normDomain) {
		if len(label) > 63 {
			return "", newError(KindKeySyntax, "DNS label %q exceeds 63 octets", label)
		}
	}
	return fmt.Sprintf("%s._domainkey.%s", selector, normDomain), nil
}

func splitLabels(name string) []string {
	var labels []string
	start := 0
	for i := 0; i < len(name); i++ {
		if name[i] == '.' {
			labels = append(labels, name[start:i])
			start = i + 1
		}
	}
	labels = append(labels, name[start:])
	return labels
}

// cancelLookup releases the lookup's resources without waiting for a
// result, cancelling any in-flight DNS query.
func (kl *keyLookup) cancelLookup() {
	kl.cancel()
}
