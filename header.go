package dkim

import (
	"bufio"
	"fmt"
	"net/textproto"
	"strings"
)

const crlf = "\r\n"

const headerFieldName = "DKIM-Signature"

// maxHeaderBytes bounds a single header field's size.
const maxHeaderBytes = 64 * 1024

// Header is a single parsed header field: name, value, the raw
// "name: value\r\n" bytes as received, and the index at which it arrived.
// Keeping the parsed name and arrival index alongside the raw bytes lets
// duplicate-aware lookups (headerPicker) avoid re-splitting on every Pick.
type Header struct {
	Name  string
	Value string
	Raw   string
	Index int
}

// parseHeaderLine splits a raw, possibly-folded header line into name and
// value at the first colon.
func parseHeaderLine(raw string) (name, value string, err error) {
	i := strings.IndexByte(raw, ':')
	if i < 0 {
		return "", "", newError(KindBadHeader, "missing colon in header field")
	}
	name = raw[:i]
	for _, r := range name {
		if r < 0x21 || r > 0x7e {
			return "", "", newError(KindBadHeader, "non-printable-ASCII byte in header name %q", name)
		}
	}
	value = raw[i+1:]
	return name, value, nil
}

// readRawHeaders reads header lines up to the blank line terminating the
// header block, returning raw "name: value\r\n" strings with folded
// continuation lines re-joined onto the field they continue.
func readRawHeaders(r *bufio.Reader) ([]string, error) {
	tr := textproto.NewReader(r)

	var raw []string
	for {
		l, err := tr.ReadLine()
		if err != nil {
			return raw, fmt.Errorf("dkim: failed to read header: %v", err)
		}
		if len(l) == 0 {
			break
		}
		if len(raw) > 0 && (l[0] == ' ' || l[0] == '\t') {
			raw[len(raw)-1] += l + crlf
		} else {
			raw = append(raw, l+crlf)
		}
	}
	return raw, nil
}

// headerPicker implements the verification-side header binding rule: for
// each name in h=, bind the Nth-from-last occurrence, where N counts how
// many times that name has already been consumed walking left to right
// through h=.
type headerPicker struct {
	headers []Header
	picked  map[string]int
}

func newHeaderPicker(headers []Header) *headerPicker {
	return &headerPicker{
		headers: headers,
		picked:  make(map[string]int),
	}
}

// Pick returns the raw bytes of the next not-yet-consumed occurrence of
// name, walking from the end of the header list backward, or "" if name
// has no more occurrences (over-signing: a name in h= beyond the number
// of times it occurs contributes zero bytes).
func (p *headerPicker) Pick(name string) (string, bool) {
	key := strings.ToLower(name)
	skip := p.picked[key]
	for i := len(p.headers) - 1; i >= 0; i-- {
		h := p.headers[i]
		if !strings.EqualFold(h.Name, key) {
			continue
		}
		if skip == 0 {
			p.picked[key]++
			return h.Raw, true
		}
		skip--
	}
	return "", false
}
