package dkim

import (
	"context"
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

// LiveBackend is a Backend that queries TXT records over the network
// directly via miekg/dns, rather than net.LookupTXT, so the response
// rcode is observable to distinguish "name does not exist" from a
// transient resolver failure.
type LiveBackend struct {
	Client  *dns.Client
	Servers []string // "host:port" resolvers to query, tried in order
}

// NewLiveBackend builds a LiveBackend using servers (each "host:port"); if
// none are given, it falls back to "1.1.1.1:53" and "8.8.8.8:53".
func NewLiveBackend(servers ...string) *LiveBackend {
	if len(servers) == 0 {
		servers = []string{"1.1.1.1:53", "8.8.8.8:53"}
	}
	return &LiveBackend{
		Client:  &dns.Client{},
		Servers: servers,
	}
}

func (b *LiveBackend) Query(ctx context.Context, qname string) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(qname), dns.TypeTXT)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range b.Servers {
		reply, _, err := b.Client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		if reply.Rcode == dns.RcodeNameError {
			return nil, nil
		}
		if reply.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("dkim: DNS query for %s returned rcode %s", qname, dns.RcodeToString[reply.Rcode])
			continue
		}

		var txts []string
		for _, rr := range reply.Answer {
			if t, ok := rr.(*dns.TXT); ok {
				txts = append(txts, strings.Join(t.Txt, ""))
			}
		}
		return txts, nil
	}
	return nil, lastErr
}
