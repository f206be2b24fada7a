package copier

import (
	"fmt"
	"strings"

	"treeleaf/internal/integrity"
	"treeleaf/internal/model"
	"treeleaf/internal/ref"
)

// Unresolved: ссылка из payload'а, цель которой не существует.
type Unresolved struct {
	Kind      model.Kind    `json:"kind"`
	ID        string        `json:"id"`
	Field     string        `json:"field"`
	Reference ref.Reference `json:"reference"`
}

// UnresolvableReferenceError: фаза Plan, до любых записей.
type UnresolvableReferenceError struct {
	References []Unresolved
}

func (e *UnresolvableReferenceError) Error() string {
	parts := make([]string, 0, len(e.References))
	for _, u := range e.References {
		parts = append(parts, fmt.Sprintf("%s %s.%s -> %s", u.Kind, u.ID, u.Field, u.Reference))
	}
	return "unresolvable references: " + strings.Join(parts, "; ")
}

// DuplicateSuffixError: id уже нёс суффикс копии и был нормализован.
// Не прерывает операцию: попадает в предупреждения и в лог.
type DuplicateSuffixError struct {
	Kind      model.Kind `json:"kind"`
	ID        string     `json:"id"`
	Canonical string     `json:"canonical"`
	Suffix    int        `json:"suffix"`
}

func (e *DuplicateSuffixError) Error() string {
	return fmt.Sprintf("%s %s already suffixed, normalized to %s before applying -%d", e.Kind, e.ID, e.Canonical, e.Suffix)
}

// OrphanEntityError: проверка перед commit нашла разрывы в новой партии.
type OrphanEntityError struct {
	Issues []integrity.Issue
}

func (e *OrphanEntityError) Error() string {
	codes := make([]string, 0, len(e.Issues))
	for _, i := range e.Issues {
		codes = append(codes, i.Code+"("+i.ID+")")
	}
	return "copy leaves orphans: " + strings.Join(codes, ", ")
}

// TransactionAbortError: ошибка хранилища в фазе Materialize.
type TransactionAbortError struct {
	Entity model.Kind
	ID     string
	Err    error
}

func (e *TransactionAbortError) Error() string {
	return fmt.Sprintf("materialize %s %s: %v", e.Entity, e.ID, e.Err)
}

func (e *TransactionAbortError) Unwrap() error { return e.Err }

// SuffixTakenError: явно запрошенный суффикс уже занят копией.
type SuffixTakenError struct {
	Kind   model.Kind
	ID     string
	Suffix int
}

func (e *SuffixTakenError) Error() string {
	return fmt.Sprintf("suffix %d is taken: %s %s already exists", e.Suffix, e.Kind, e.ID)
}
