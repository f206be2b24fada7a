// Package submission ведёт строки SubmissionData для переменных дерева:
// при создании submission и при появлении новых переменных после копирования.
package submission

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"treeleaf/internal/ident"
	"treeleaf/internal/model"
	"treeleaf/internal/store"
)

const StatusDraft = "draft"

type Service struct {
	log   zerolog.Logger
	now   func() time.Time
	newID func() string
}

func New(log zerolog.Logger) *Service {
	return &Service{
		log:   log.With().Str("component", "submission").Logger(),
		now:   time.Now,
		newID: ident.NewID,
	}
}

// Create: новая submission дерева и по строке данных на каждую переменную.
func (s *Service) Create(ctx context.Context, tx store.Tx, treeID, orgID string) (*model.Submission, error) {
	tree, err := tx.LoadTree(ctx, treeID)
	if err != nil {
		return nil, err
	}
	sub := &model.Submission{
		ID:             s.newID(),
		TreeID:         treeID,
		OrganizationID: orgID,
		Status:         StatusDraft,
		CreatedAt:      s.now().UTC().Truncate(time.Millisecond),
	}
	if err := tx.InsertSubmission(ctx, sub); err != nil {
		return nil, fmt.Errorf("insert submission: %w", err)
	}
	for _, id := range model.SortedIDs(tree.Variables) {
		if err := tx.InsertSubmissionData(ctx, s.row(sub.ID, tree.Variables[id])); err != nil {
			return nil, fmt.Errorf("insert submission data for %s: %w", id, err)
		}
	}
	s.log.Info().Str("tree", treeID).Str("submission", sub.ID).Int("variables", len(tree.Variables)).Msg("submission created")
	return sub, nil
}

// SyncVariables дописывает строки для новых переменных во все submissions
// дерева. Идемпотентна по (submission, variable). Возвращает число новых строк.
func (s *Service) SyncVariables(ctx context.Context, tx store.Tx, treeID string, vars []*model.Variable) (int, error) {
	if len(vars) == 0 {
		return 0, nil
	}
	subs, err := tx.ListSubmissions(ctx, treeID)
	if err != nil {
		return 0, err
	}
	added := 0
	for _, sub := range subs {
		rows, err := tx.ListSubmissionData(ctx, sub.ID)
		if err != nil {
			return added, err
		}
		have := make(map[string]bool, len(rows))
		for _, r := range rows {
			if r.VariableID != "" {
				have[r.VariableID] = true
			}
		}
		for _, v := range vars {
			if have[v.ID] {
				continue
			}
			if err := tx.InsertSubmissionData(ctx, s.row(sub.ID, v)); err != nil {
				return added, fmt.Errorf("sync %s into %s: %w", v.ID, sub.ID, err)
			}
			have[v.ID] = true
			added++
		}
	}
	if added > 0 {
		s.log.Debug().Str("tree", treeID).Int("rows", added).Msg("submission data synced")
	}
	return added, nil
}

func (s *Service) row(submissionID string, v *model.Variable) *model.SubmissionData {
	return &model.SubmissionData{
		ID:           s.newID(),
		SubmissionID: submissionID,
		NodeID:       v.NodeID,
		VariableID:   v.ID,
		ExposedKey:   v.ExposedKey,
		DisplayName:  v.DisplayName,
		Unit:         v.Unit,
		IsVariable:   true,
	}
}
