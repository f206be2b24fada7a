// Package repeat: экземпляры повторителя (копии его шаблонов с общим
// суффиксом) и копирование связанной переменной.
package repeat

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"treeleaf/internal/copier"
	"treeleaf/internal/ident"
	"treeleaf/internal/model"
	"treeleaf/internal/store"
	"treeleaf/internal/submission"
)

var (
	ErrNotRepeater = errors.New("node is not a repeater")
	ErrNoTemplates = errors.New("repeater has no usable templates")
)

type Options struct {
	Suffix  int    `json:"suffix,omitempty"`
	ScopeID string `json:"scopeId,omitempty"`
	Actor   string `json:"actor,omitempty"`
}

// TemplatePlan: что станет с одним шаблоном.
type TemplatePlan struct {
	TemplateID string `json:"templateId"`
	NewID      string `json:"newId"`
	ParentID   string `json:"parentId,omitempty"`
}

type InstancePlan struct {
	RepeaterID string                         `json:"repeaterId"`
	Suffix     int                            `json:"suffix"`
	Templates  []TemplatePlan                 `json:"templates"`
	Entities   []copier.Entity                `json:"entities"`
	Counts     copier.Counts                  `json:"counts"`
	Totals     []string                       `json:"totals,omitempty"`
	Warnings   []string                       `json:"warnings,omitempty"`
	Normalized []*copier.DuplicateSuffixError `json:"normalized,omitempty"`
}

type InstanceResult struct {
	*copier.Result
	RepeaterID     string   `json:"repeaterId"`
	TemplateIssues []string `json:"templateIssues,omitempty"`
	SubmissionRows int      `json:"submissionRows"`
}

type Service struct {
	store       store.Store
	engine      *copier.Engine
	submissions *submission.Service
	log         zerolog.Logger
}

func NewService(st store.Store, engine *copier.Engine, subs *submission.Service, log zerolog.Logger) *Service {
	return &Service{store: st, engine: engine, submissions: subs, log: log.With().Str("component", "repeat").Logger()}
}

// templates: канонические шаблоны повторителя. Суффиксные и несуществующие
// id отбрасываются с предупреждением.
func templates(ctx context.Context, tx store.Tx, repeaterID string) ([]string, []string, error) {
	rep, err := tx.GetNode(ctx, repeaterID)
	if err != nil {
		return nil, nil, fmt.Errorf("repeater %s: %w", repeaterID, err)
	}
	if rep.Type != model.NodeRepeater {
		return nil, nil, fmt.Errorf("%s: %w", repeaterID, ErrNotRepeater)
	}
	tree, err := tx.LoadTree(ctx, rep.TreeID)
	if err != nil {
		return nil, nil, err
	}
	scheme := ident.NewScheme(tree)
	var ids, warnings []string
	seen := map[string]bool{}
	for _, id := range rep.TemplateNodeIDs {
		n := tree.Nodes[id]
		switch {
		case n == nil:
			warnings = append(warnings, fmt.Sprintf("template %s does not exist", id))
		case n.IsCopy() || scheme.Strip(id) != id:
			warnings = append(warnings, fmt.Sprintf("template %s is a copy of %s", id, n.Canonical(scheme.Strip(id))))
		case seen[id]:
		default:
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, warnings, fmt.Errorf("%s: %w", repeaterID, ErrNoTemplates)
	}
	return ids, warnings, nil
}

func request(repeaterID string, ids []string, opts Options) copier.Request {
	scope := opts.ScopeID
	if scope == "" {
		scope = repeaterID
	}
	return copier.Request{RootID: ids[0], Roots: ids[1:], Suffix: opts.Suffix, ScopeID: scope, Actor: opts.Actor}
}

// PlanInstances: план копирования всех шаблонов с одним суффиксом. Ничего не пишет.
func (s *Service) PlanInstances(ctx context.Context, repeaterID string, opts Options) (*InstancePlan, error) {
	var out *InstancePlan
	err := s.store.View(ctx, func(tx store.Tx) error {
		ids, warnings, err := templates(ctx, tx, repeaterID)
		if err != nil {
			return err
		}
		p, err := s.engine.Plan(ctx, tx, request(repeaterID, ids, opts))
		if err != nil {
			return err
		}
		out = &InstancePlan{
			RepeaterID: repeaterID,
			Suffix:     p.Suffix,
			Entities:   p.Entities,
			Counts:     p.Counts(),
			Totals:     p.Totals,
			Warnings:   warnings,
			Normalized: p.Warnings,
		}
		for _, r := range p.Roots {
			out.Templates = append(out.Templates, TemplatePlan{TemplateID: r.OldID, NewID: r.NewID, ParentID: r.ParentID})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ExecuteInstances копирует все шаблоны в одной транзакции и синхронизирует
// submissions. TemplateNodeIDs повторителя не меняются.
func (s *Service) ExecuteInstances(ctx context.Context, repeaterID string, opts Options) (*InstanceResult, error) {
	var out *InstanceResult
	err := s.store.Update(ctx, func(tx store.Tx) error {
		ids, warnings, err := templates(ctx, tx, repeaterID)
		if err != nil {
			return err
		}
		p, err := s.engine.Plan(ctx, tx, request(repeaterID, ids, opts))
		if err != nil {
			return err
		}
		res, err := s.engine.Materialize(ctx, tx, p)
		if err != nil {
			return err
		}
		rows, err := s.submissions.SyncVariables(ctx, tx, res.TreeID, res.Variables)
		if err != nil {
			return fmt.Errorf("sync submissions: %w", err)
		}
		out = &InstanceResult{Result: res, RepeaterID: repeaterID, TemplateIssues: warnings, SubmissionRows: rows}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("repeater", repeaterID).Int("suffix", out.Suffix).Int("templates", len(out.Roots)).Msg("instances created")
	return out, nil
}

// Copy: обычное глубокое копирование поддерева с синхронизацией submissions.
func (s *Service) Copy(ctx context.Context, req copier.Request) (*copier.Result, error) {
	var out *copier.Result
	err := s.store.Update(ctx, func(tx store.Tx) error {
		p, err := s.engine.Plan(ctx, tx, req)
		if err != nil {
			return err
		}
		if out, err = s.engine.Materialize(ctx, tx, p); err != nil {
			return err
		}
		_, err = s.submissions.SyncVariables(ctx, tx, out.TreeID, out.Variables)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CopyLinkedVariable копирует одну переменную узла nodeID.
func (s *Service) CopyLinkedVariable(ctx context.Context, nodeID string, req copier.VariableRequest) (*copier.VariableResult, error) {
	req.NodeID = nodeID
	var out *copier.VariableResult
	err := s.store.Update(ctx, func(tx store.Tx) error {
		res, err := s.engine.CopyVariable(ctx, tx, req)
		if err != nil {
			return err
		}
		n, err := tx.GetNode(ctx, res.NodeID)
		if err != nil {
			return err
		}
		if _, err := s.submissions.SyncVariables(ctx, tx, n.TreeID, []*model.Variable{res.Variable}); err != nil {
			return fmt.Errorf("sync submissions: %w", err)
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
