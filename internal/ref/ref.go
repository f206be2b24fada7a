// Package ref: типизированные ссылки внутри payload'ов capacities
// (`@value.<id>`, `condition:<id>`, `shared-ref-<id>` ...). Весь разбор и
// переписывание строк-ссылок живёт только здесь.
package ref

import (
	"fmt"
	"regexp"
	"strings"

	"treeleaf/internal/model"
)

type Kind string

const (
	KindNode      Kind = "node"
	KindFormula   Kind = "formula"
	KindCondition Kind = "condition"
	KindTable     Kind = "table"
	KindSharedRef Kind = "sharedRef"
)

// Form: текстовый префикс, с которым ссылка была записана. Сохраняется при
// переписывании, чтобы менялся только id.
type Form string

const (
	FormValue              Form = "@value."
	FormValueFormula       Form = "@value.node-formula:"
	FormValueNodeCondition Form = "@value.node-condition:"
	FormValueCondition     Form = "@value.condition:"
	FormValueTable         Form = "@value.node-table:"
	FormTable              Form = "@table."
	FormFormula            Form = "node-formula:"
	FormNodeCondition      Form = "node-condition:"
	FormCondition          Form = "condition:"
	FormNodeTable          Form = "node-table:"
	FormBare               Form = ""
)

const sharedRefPrefix = "shared-ref-"

// порядок важен: более длинные префиксы раньше
var prefixed = regexp.MustCompile(
	`(@value\.node-formula:|@value\.node-condition:|@value\.condition:|@value\.node-table:|@value\.|@table\.|node-formula:|node-condition:|condition:|node-table:)([A-Za-z0-9_-]+)`)

var bare = regexp.MustCompile(`^(` + bareBody + `)$`)

var formKind = map[Form]Kind{
	FormValue:              KindNode,
	FormValueFormula:       KindFormula,
	FormValueNodeCondition: KindCondition,
	FormValueCondition:     KindCondition,
	FormValueTable:         KindTable,
	FormTable:              KindTable,
	FormFormula:            KindFormula,
	FormNodeCondition:      KindCondition,
	FormCondition:          KindCondition,
	FormNodeTable:          KindTable,
}

// Reference: ребро графа, указатель из payload'а на узел или capacity.
type Reference struct {
	Kind     Kind   `json:"kind"`
	TargetID string `json:"targetId"`
	Form     Form   `json:"form"`
}

func (r Reference) String() string { return string(r.Form) + r.TargetID }

// Bare: ссылка без префикса (голый UUID, node_xxx, shared-ref-xxx). Такие
// строки могут оказаться и обычными данными, поэтому они «слабые».
func (r Reference) Bare() bool { return r.Form == FormBare }

// Entity: вид сущности, на которую указывает ссылка (sharedRef тоже узел).
func (r Reference) Entity() model.Kind {
	switch r.Kind {
	case KindFormula:
		return model.KindFormula
	case KindCondition:
		return model.KindCondition
	case KindTable:
		return model.KindTable
	default:
		return model.KindNode
	}
}

// Key: ключ сущности-цели (для реестра и обхода).
func (r Reference) Key() Key { return Key{Kind: r.Entity(), ID: r.TargetID} }

// WithTarget: та же ссылка с другим id.
func (r Reference) WithTarget(id string) Reference {
	r.TargetID = id
	if r.Kind == KindNode || r.Kind == KindSharedRef {
		r.Kind = classifyNode(id)
	}
	return r
}

type Key struct {
	Kind model.Kind `json:"kind"`
	ID   string     `json:"id"`
}

func (k Key) String() string { return string(k.Kind) + ":" + k.ID }

// IsSharedID: id узла общей ссылки (shared-ref-xxx).
func IsSharedID(id string) bool { return strings.HasPrefix(id, sharedRefPrefix) }

func classifyNode(id string) Kind {
	if IsSharedID(id) {
		return KindSharedRef
	}
	return KindNode
}

func fromMatch(prefix, id string) Reference {
	f := Form(prefix)
	k := formKind[f]
	if k == KindNode {
		k = classifyNode(id)
	}
	return Reference{Kind: k, TargetID: id, Form: f}
}

// Parse разбирает строку, целиком являющуюся ссылкой.
func Parse(s string) (Reference, error) {
	if m := prefixed.FindStringSubmatchIndex(s); m != nil && m[0] == 0 && m[1] == len(s) {
		return fromMatch(s[m[2]:m[3]], s[m[4]:m[5]]), nil
	}
	if bare.MatchString(s) {
		return Reference{Kind: classifyNode(s), TargetID: s, Form: FormBare}, nil
	}
	return Reference{}, fmt.Errorf("not a reference: %q", s)
}

// ParseSourceRef разбирает sourceRef переменной. Всё, что не распознано как
// префиксная ссылка,: id узла-поля.
func ParseSourceRef(s string) (Reference, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Reference{}, false
	}
	if r, err := Parse(s); err == nil {
		return r, true
	}
	return Reference{Kind: classifyNode(s), TargetID: s, Form: FormBare}, true
}

// wordBefore: перед совпадением стоит буква/цифра ("precondition:x" не ссылка).
func wordBefore(s string, at int) bool {
	if at == 0 {
		return false
	}
	c := s[at-1]
	return c == '_' || (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// FindAll: все ссылки в произвольной строке. Префиксные ищутся где угодно,
// голые: только если строка целиком является id.
func FindAll(s string) []Reference {
	var out []Reference
	for _, m := range prefixed.FindAllStringSubmatchIndex(s, -1) {
		if !strings.HasPrefix(s[m[2]:m[3]], "@") && wordBefore(s, m[0]) {
			continue
		}
		out = append(out, fromMatch(s[m[2]:m[3]], s[m[4]:m[5]]))
	}
	if len(out) == 0 && bare.MatchString(s) {
		out = append(out, Reference{Kind: classifyNode(s), TargetID: s, Form: FormBare})
	}
	return out
}
