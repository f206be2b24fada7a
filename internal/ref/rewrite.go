package ref

import (
	"bytes"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// Mapper отдаёт новый id цели. ok=false: ссылку не трогать.
type Mapper func(Reference) (target string, ok bool)

const bareBody = `node_[A-Za-z0-9_-]+|shared-ref-[A-Za-z0-9_-]+|[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}(?:-\d+)*`

var ErrInvalidPayload = errors.New("payload is not valid JSON")

func replacePrefixed(s string, fn Mapper) (string, int) {
	matches := prefixed.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, 0
	}
	var b strings.Builder
	last, found := 0, 0
	for _, m := range matches {
		prefix := s[m[2]:m[3]]
		if !strings.HasPrefix(prefix, "@") && wordBefore(s, m[0]) {
			continue
		}
		found++
		r := fromMatch(prefix, s[m[4]:m[5]])
		target, ok := fn(r)
		if !ok || target == r.TargetID {
			continue
		}
		b.WriteString(s[last:m[4]])
		b.WriteString(target)
		last = m[5]
	}
	if last == 0 {
		return s, found
	}
	b.WriteString(s[last:])
	return b.String(), found
}

// RewriteString заменяет id во всех ссылках строки. Всё, что не ссылка,
// остаётся байт-в-байт.
func RewriteString(s string, fn Mapper) string {
	out, found := replacePrefixed(s, fn)
	if found == 0 && bare.MatchString(s) {
		if target, ok := fn(Reference{Kind: classifyNode(s), TargetID: s, Form: FormBare}); ok {
			return target
		}
	}
	return out
}

// Rewrite: RewriteString по всему декодированному значению (включая ключи).
// Исходное значение не изменяется.
func Rewrite(v any, fn Mapper) any {
	switch x := v.(type) {
	case string:
		return RewriteString(x, fn)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = Rewrite(e, fn)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[RewriteString(k, fn)] = Rewrite(e, fn)
		}
		return out
	default:
		return v
	}
}

// строковый литерал JSON (payload уже прошёл json.Valid)
var stringLiteral = regexp.MustCompile(`"(?:[^"\\]|\\.)*"`)

// RewriteJSON переписывает ссылки прямо в тексте JSON: порядок ключей,
// числа и пробелы сохраняются. Литералы с escape-последовательностями
// декодируются и после замены кодируются заново. Если ничего не поменялось,
// возвращается raw.
func RewriteJSON(raw json.RawMessage, fn Mapper) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return raw, nil
	}
	if !json.Valid(raw) {
		return nil, ErrInvalidPayload
	}
	s := string(raw)
	out := stringLiteral.ReplaceAllStringFunc(s, func(lit string) string {
		inner := lit[1 : len(lit)-1]
		if !strings.Contains(inner, `\`) {
			if rewritten := RewriteString(inner, fn); rewritten != inner {
				return `"` + rewritten + `"`
			}
			return lit
		}
		var decoded string
		if err := json.Unmarshal([]byte(lit), &decoded); err != nil {
			return lit
		}
		rewritten := RewriteString(decoded, fn)
		if rewritten == decoded {
			return lit
		}
		return encodeString(rewritten)
	})
	if out == s {
		return raw, nil
	}
	return json.RawMessage(out), nil
}

func encodeString(s string) string {
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	return strings.TrimSuffix(b.String(), "\n")
}

// MapperFrom строит Mapper из функции поиска по ключу сущности.
func MapperFrom(lookup func(Key) (string, bool)) Mapper {
	return func(r Reference) (string, bool) { return lookup(r.Key()) }
}
