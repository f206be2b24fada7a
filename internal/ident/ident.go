// Package ident реализует схему идентификаторов копий: <canonical>-<n>.
package ident

import (
	"io"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Canonicals знает, какие id являются каноническими (не копиями).
// Для не-UUID идентификаторов без него суффикс не отрезается.
type Canonicals interface {
	IsCanonical(id string) bool
}

// CanonicalSet: простейшая реализация Canonicals поверх множества.
type CanonicalSet map[string]struct{}

func (s CanonicalSet) IsCanonical(id string) bool { _, ok := s[id]; return ok }

func (s CanonicalSet) Add(ids ...string) {
	for _, id := range ids {
		s[id] = struct{}{}
	}
}

var (
	uuidAnchored = regexp.MustCompile(`^([0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})((?:-\d+)*)$`)
	numericTail  = regexp.MustCompile(`-\d+$`)
)

const (
	displayPrefix = "display-"
	totalSuffix   = "-sum-total"
)

// Scheme снимает и навешивает суффиксы. Нулевое значение понимает только UUID.
type Scheme struct {
	known Canonicals
}

func NewScheme(known Canonicals) Scheme { return Scheme{known: known} }

// Strip возвращает канонический id. Идемпотентна.
//
// UUID-идентификаторы режутся по якорю: сегменты самого UUID не трогаются.
// Остальные: только если Canonicals подтверждает найденную основу.
func (s Scheme) Strip(id string) string {
	if m := uuidAnchored.FindStringSubmatch(id); m != nil {
		return m[1]
	}
	if s.known == nil || s.known.IsCanonical(id) {
		return id
	}
	cur := id
	for {
		loc := numericTail.FindStringIndex(cur)
		if loc == nil {
			return id
		}
		cur = cur[:loc[0]]
		if s.known.IsCanonical(cur) {
			return cur
		}
	}
}

// WithSuffix = Strip(base) + "-" + n. normalized=true, если base уже нёс суффикс
// (вызывающий обязан это залогировать). n < 1 означает «без суффикса».
func (s Scheme) WithSuffix(base string, n int) (id string, normalized bool) {
	canonical := s.Strip(base)
	normalized = canonical != base
	if n < 1 {
		return canonical, normalized
	}
	return canonical + "-" + strconv.Itoa(n), normalized
}

// Suffix возвращает номер копии (последний числовой сегмент после канонического id).
func (s Scheme) Suffix(id string) (int, bool) {
	canonical := s.Strip(id)
	if canonical == id {
		return 0, false
	}
	rest := id[len(canonical):]
	i := strings.LastIndexByte(rest, '-')
	n, err := strconv.Atoi(rest[i+1:])
	if err != nil {
		return 0, false
	}
	return n, true
}

// DoubleSuffixed: после канонического id больше одного числового сегмента (id-1-1).
func (s Scheme) DoubleSuffixed(id string) bool {
	canonical := s.Strip(id)
	if canonical == id {
		return false
	}
	return strings.Count(id[len(canonical):], "-") > 1
}

// StripSuffix: Strip без справочника канонических id.
func StripSuffix(id string) string { return Scheme{}.Strip(id) }

// WithSuffix: WithSuffix без справочника канонических id.
func WithSuffix(base string, n int) string {
	id, _ := Scheme{}.WithSuffix(base, n)
	return id
}

func IsUUID(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// DisplayID: id узла отображения для переменной.
func DisplayID(variableID string) string { return displayPrefix + variableID }

// VariableOfDisplay: обратное к DisplayID.
func VariableOfDisplay(displayID string) (string, bool) {
	if !strings.HasPrefix(displayID, displayPrefix) || len(displayID) == len(displayPrefix) {
		return "", false
	}
	return displayID[len(displayPrefix):], true
}

// TotalID: id узла «Total», суммирующего копии узла.
func TotalID(nodeID string) string { return nodeID + totalSuffix }

// TotalFormulaID: id формулы суммы у узла «Total».
func TotalFormulaID(totalNodeID string) string { return totalNodeID + "-formula" }

// Generator выдаёт новые канонические id (ULID). В ULID нет '-', поэтому
// такие id никогда не путаются с суффиксом копии.
type Generator struct {
	mu      sync.Mutex
	entropy io.Reader
}

func NewGenerator() *Generator {
	src := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Generator{entropy: ulid.Monotonic(src, 0)}
}

func (g *Generator) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy).String()
}

var defaultGen = NewGenerator()

// NewID: id из генератора по умолчанию.
func NewID() string { return defaultGen.New() }
