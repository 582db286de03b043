package dkim

import "strings"

// This file implements a line-folding builder for DKIM-Signature field
// values: each tag is added one at a time and folded onto a continuation
// line whenever the running line length would exceed 78 bytes. A tag is
// split only after its name, after '=', and at its delimiter (the ':' of
// h=); a value with no delimiter (b=, bh= and other plain values) that
// does not fit on a fresh continuation line is written there whole, so
// that line can exceed 78 bytes.

type dkimTag interface {
	reset()
	getString(limit int) (chars string, ok bool)
	getRemaining() string
	done() bool
}

type dkimTagDelim struct {
	tagLen      int
	tagAndValue string
	delimiter   string
	idx         int
}

func (t *dkimTagDelim) reset() { t.idx = 0 }

func (t *dkimTagDelim) nextBreak(idx int) int {
	if idx == 0 {
		return t.tagLen
	} else if idx == t.tagLen {
		return t.tagLen + 1
	}
	if t.delimiter == "" {
		return len(t.tagAndValue)
	}
	i := strings.Index(t.tagAndValue[idx:], t.delimiter)
	if i == -1 {
		return len(t.tagAndValue)
	}
	if i == 0 {
		return idx + len(t.delimiter)
	}
	return i + idx
}

func (t *dkimTagDelim) getString(limit int) (chars string, ok bool) {
	endMax := len(t.tagAndValue)
	if endMax-t.idx <= limit {
		chars = t.tagAndValue[t.idx:]
		t.idx = endMax
		ok = true
		return
	}
	if t.idx+limit < endMax {
		endMax = t.idx + limit
	}
	end := t.idx
	for end < endMax {
		idx := t.nextBreak(end)
		if idx <= endMax {
			end = idx
		} else {
			break
		}
	}
	if t.idx < end {
		chars = t.tagAndValue[t.idx:end]
		t.idx = end
		ok = true
	}
	return
}

func (t *dkimTagDelim) getRemaining() string {
	chars := t.tagAndValue[t.idx:]
	t.idx = len(t.tagAndValue)
	return chars
}

func (t *dkimTagDelim) done() bool {
	return t.idx == len(t.tagAndValue)
}

type dkimTagBase64 struct {
	dkimTagDelim
}

func newDKIMTagPlain(tag, value string) dkimTag {
	return &dkimTagDelim{tagLen: len(tag), tagAndValue: tag + "=" + value}
}

func newDKIMTagDelim(tag string, values []string, delimiter string) dkimTag {
	var sb strings.Builder
	sb.WriteString(tag)
	sb.WriteByte('=')
	for i, v := range values {
		if i > 0 {
			sb.WriteString(delimiter)
		}
		sb.WriteString(v)
	}
	return &dkimTagDelim{tagLen: len(tag), tagAndValue: sb.String(), delimiter: delimiter}
}

func newDKIMTagBase64(tag, value string) dkimTag {
	return &dkimTagBase64{dkimTagDelim{tagLen: len(tag), tagAndValue: tag + "=" + value}}
}

type dkimSignatureBuilder struct {
	buf     strings.Builder
	lineLen int
}

func newDKIMSignatureBuilder() *dkimSignatureBuilder {
	b := &dkimSignatureBuilder{}
	b.buf.WriteString(headerFieldName)
	b.buf.WriteString(": ")
	b.lineLen = len(headerFieldName) + 2
	return b
}

func (b *dkimSignatureBuilder) AddTag(tag dkimTag) {
	tag.reset()
	for !tag.done() {
		maxChars := 80 - b.lineLen - 1 - 2 // allow for CRLF and the trailing semicolon
		if maxChars <= 0 {
			b.buf.WriteString(crlf + " ")
			b.lineLen = 1
			continue
		}
		s, ok := tag.getString(maxChars)
		if !ok {
			if b.lineLen > 1 {
				b.buf.WriteString(crlf + " ")
				b.lineLen = 1
				continue
			}
			s = tag.getRemaining()
		}
		b.buf.WriteString(s)
		b.lineLen += len(s)
		if tag.done() {
			b.buf.WriteString(";")
			b.lineLen++
		}
	}
}

func (b *dkimSignatureBuilder) AddPlainTag(tag, value string) {
	b.AddTag(newDKIMTagPlain(tag, value))
}

func (b *dkimSignatureBuilder) AddDelimTag(tag string, values []string, delimiter string) {
	b.AddTag(newDKIMTagDelim(tag, values, delimiter))
}

func (b *dkimSignatureBuilder) AddBase64Tag(tag, value string) {
	b.AddTag(newDKIMTagBase64(tag, value))
}

func (b *dkimSignatureBuilder) String() string {
	return b.buf.String()
}
