// Package registry: таблица соответствия старых id новым в рамках одной
// операции копирования, отдельно по каждому виду сущности.
package registry

import (
	"fmt"
	"sort"

	"treeleaf/internal/model"
	"treeleaf/internal/ref"
)

// ConflictError: попытка отобразить один старый id в два разных новых.
type ConflictError struct {
	Kind     model.Kind
	OldID    string
	Existing string
	New      string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("registry: %s %q already mapped to %q, refusing %q", e.Kind, e.OldID, e.Existing, e.New)
}

// Pair: одна запись реестра.
type Pair struct {
	Kind  model.Kind `json:"kind"`
	OldID string     `json:"oldId"`
	NewID string     `json:"newId"`
}

// Registry не потокобезопасен: живёт внутри одной операции.
type Registry struct {
	m     map[model.Kind]map[string]string
	order []Pair
}

func New() *Registry {
	return &Registry{m: map[model.Kind]map[string]string{}}
}

// Register добавляет old→new. Повтор той же пары ничего не делает, другая цель даёт ошибку.
func (r *Registry) Register(kind model.Kind, oldID, newID string) error {
	byKind := r.m[kind]
	if byKind == nil {
		byKind = map[string]string{}
		r.m[kind] = byKind
	}
	if cur, ok := byKind[oldID]; ok {
		if cur == newID {
			return nil
		}
		return &ConflictError{Kind: kind, OldID: oldID, Existing: cur, New: newID}
	}
	byKind[oldID] = newID
	r.order = append(r.order, Pair{Kind: kind, OldID: oldID, NewID: newID})
	return nil
}

// Resolve ищет строго в namespace kind.
func (r *Registry) Resolve(kind model.Kind, oldID string) (string, bool) {
	id, ok := r.m[kind][oldID]
	return id, ok
}

func (r *Registry) Has(kind model.Kind, oldID string) bool {
	_, ok := r.Resolve(kind, oldID)
	return ok
}

// Lookup: Resolve по ключу ссылки.
func (r *Registry) Lookup(k ref.Key) (string, bool) { return r.Resolve(k.Kind, k.ID) }

// Mapper: переписывание ссылок через реестр; неизвестные цели не трогаются.
func (r *Registry) Mapper() ref.Mapper { return ref.MapperFrom(r.Lookup) }

// MapIDs переводит список id одного вида. Неизвестные остаются как есть.
func (r *Registry) MapIDs(kind model.Kind, ids []string) []string {
	if ids == nil {
		return nil
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		if n, ok := r.Resolve(kind, id); ok {
			out[i] = n
		} else {
			out[i] = id
		}
	}
	return out
}

func (r *Registry) Len() int { return len(r.order) }

// All: все записи в порядке регистрации.
func (r *Registry) All() []Pair { return append([]Pair(nil), r.order...) }

// Pairs: записи одного вида, по старому id.
func (r *Registry) Pairs(kind model.Kind) []Pair {
	var out []Pair
	for _, p := range r.order {
		if p.Kind == kind {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OldID < out[j].OldID })
	return out
}

// Kinds: виды, для которых есть записи, по алфавиту.
func (r *Registry) Kinds() []model.Kind {
	out := make([]model.Kind, 0, len(r.m))
	for k, v := range r.m {
		if len(v) > 0 {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ByKind: копия отображения одного вида.
func (r *Registry) ByKind(kind model.Kind) map[string]string {
	out := make(map[string]string, len(r.m[kind]))
	for k, v := range r.m[kind] {
		out[k] = v
	}
	return out
}
