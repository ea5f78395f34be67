package oracle

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Parsed is the result of interpreting oracle output. It is one of
// *StructuredPayload, *FencedCodeBlock, *KeyPrefixedText or *Unparseable.
type Parsed interface {
	// Raw returns the unmodified oracle text.
	Raw() string
	parsed()
}

// StructuredPayload is a JSON document, either the whole reply or the first
// acceptable document embedded in surrounding prose.
type StructuredPayload struct {
	Data     json.RawMessage
	Embedded bool
	raw      string
}

// FencedCodeBlock is the first ``` fenced block in the reply.
type FencedCodeBlock struct {
	Lang string
	Code string
	raw  string
}

// KeyPrefixedText holds "KEY: value" records. A record ends when a key
// repeats; continuation lines are appended to the preceding key.
type KeyPrefixedText struct {
	Records []map[string]string
	raw     string
}

// Unparseable carries output no strategy could interpret.
type Unparseable struct {
	raw string
}

func (p *StructuredPayload) Raw() string { return p.raw }
func (p *FencedCodeBlock) Raw() string   { return p.raw }
func (p *KeyPrefixedText) Raw() string   { return p.raw }
func (p *Unparseable) Raw() string       { return p.raw }

func (*StructuredPayload) parsed() {}
func (*FencedCodeBlock) parsed()   {}
func (*KeyPrefixedText) parsed()   {}
func (*Unparseable) parsed()       {}

// Decode unmarshals the payload into v.
func (p *StructuredPayload) Decode(v any) error {
	return json.Unmarshal(p.Data, v)
}

// Field returns key from the first record, or "".
func (p *KeyPrefixedText) Field(key string) string {
	if len(p.Records) == 0 {
		return ""
	}
	return p.Records[0][strings.ToUpper(key)]
}

// Parse interprets text, accepting any JSON payload.
func Parse(text string) Parsed {
	return ParseWith(text, nil)
}

// ParseWith interprets text trying, in order: strict JSON, JSON embedded in
// prose, a fenced code block, key-prefixed text. The first success wins.
// accept, when non-nil, rejects JSON candidates that do not fit the
// consumer, so a stray "{}" inside source code is not mistaken for a reply.
func ParseWith(text string, accept func(json.RawMessage) bool) Parsed {
	if accept == nil {
		accept = func(json.RawMessage) bool { return true }
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return &Unparseable{raw: text}
	}

	if json.Valid([]byte(trimmed)) && isContainer(trimmed) && accept(json.RawMessage(trimmed)) {
		return &StructuredPayload{Data: json.RawMessage(trimmed), raw: text}
	}
	if data, ok := embeddedJSON(trimmed, accept); ok {
		return &StructuredPayload{Data: data, Embedded: true, raw: text}
	}
	if lang, code, ok := fencedBlock(text); ok {
		return &FencedCodeBlock{Lang: lang, Code: code, raw: text}
	}
	if records := keyPrefixed(text); len(records) > 0 {
		return &KeyPrefixedText{Records: records, raw: text}
	}
	return &Unparseable{raw: text}
}

func isContainer(s string) bool {
	return strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[")
}

// embeddedJSON returns the first balanced object or array in s that is
// valid JSON and accepted.
func embeddedJSON(s string, accept func(json.RawMessage) bool) (json.RawMessage, bool) {
	for start := 0; start < len(s); start++ {
		if s[start] != '{' && s[start] != '[' {
			continue
		}
		end := balancedEnd(s, start)
		if end < 0 {
			continue
		}
		candidate := []byte(s[start : end+1])
		if !json.Valid(candidate) {
			continue
		}
		if accept(json.RawMessage(candidate)) {
			return json.RawMessage(candidate), true
		}
	}
	return nil, false
}

// balancedEnd returns the index of the bracket closing s[start], honoring
// JSON string literals, or -1.
func balancedEnd(s string, start int) int {
	var stack []byte
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return -1
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i
			}
		}
	}
	return -1
}

var fenceRe = regexp.MustCompile("(?s)```([A-Za-z0-9_+.-]*)[ \t]*\r?\n(.*?)(?:```|$)")

func fencedBlock(text string) (lang, code string, ok bool) {
	m := fenceRe.FindStringSubmatch(text)
	if m == nil {
		return "", "", false
	}
	return strings.ToLower(m[1]), m[2], true
}

var keyLineRe = regexp.MustCompile(`^([A-Z][A-Z_]{1,31}):[ \t]?(.*)$`)

func keyPrefixed(text string) []map[string]string {
	var (
		records []map[string]string
		current map[string]string
		lastKey string
	)
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		if m := keyLineRe.FindStringSubmatch(line); m != nil {
			key := m[1]
			if current == nil {
				current = map[string]string{}
			} else if _, dup := current[key]; dup {
				records = append(records, current)
				current = map[string]string{}
			}
			current[key] = m[2]
			lastKey = key
			continue
		}
		if current != nil && lastKey != "" {
			current[lastKey] += "\n" + line
		}
	}
	if current != nil {
		records = append(records, current)
	}
	for _, r := range records {
		for k, v := range r {
			r[k] = strings.TrimRight(strings.TrimPrefix(v, "\n"), "\n \t")
		}
	}
	return records
}
