package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"treeleaf/internal/model"
	"treeleaf/internal/store"
)

// Store: store.Store поверх database/sql (postgres через pgx или sqlite).
type Store struct {
	db  *DB
	log zerolog.Logger
}

var _ store.Store = (*Store)(nil)

func NewStore(db *DB, log zerolog.Logger) *Store {
	return &Store{db: db, log: log.With().Str("component", "pg").Str("driver", db.Driver.String()).Logger()}
}

func (s *Store) View(ctx context.Context, fn func(store.Tx) error) error {
	opts := &sql.TxOptions{}
	if s.db.Driver == DriverPostgres {
		opts = &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	}
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	return fn(&sqlTx{tx: tx, driver: s.db.Driver})
}

// Update: BEGIN ... COMMIT; любая ошибка fn откатывает транзакцию целиком.
func (s *Store) Update(ctx context.Context, fn func(store.Tx) error) error {
	opts := &sql.TxOptions{}
	if s.db.Driver == DriverPostgres {
		opts = &sql.TxOptions{Isolation: sql.LevelRepeatableRead}
	}
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(&sqlTx{tx: tx, driver: s.db.Driver}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.log.Error().Err(rbErr).Msg("rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", mapErr(err))
	}
	return nil
}

type sqlTx struct {
	tx     *sql.Tx
	driver Driver
}

func (t *sqlTx) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.driver.rebind(q), args...)
}

func (t *sqlTx) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.driver.rebind(q), args...)
}

// mapErr переводит ошибки драйверов в sentinel-ошибки store.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%s: %w", pgErr.Detail, store.ErrAlreadyExists)
		case "23503":
			return fmt.Errorf("%s: %w", pgErr.Detail, store.ErrNotFound)
		}
		return err
	}
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		switch sqErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return fmt.Errorf("%v: %w", err, store.ErrAlreadyExists)
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return fmt.Errorf("%v: %w", err, store.ErrNotFound)
		}
		return err
	}
	// подстраховка по фразе
	if strings.Contains(strings.ToLower(err.Error()), "unique constraint") {
		return fmt.Errorf("%v: %w", err, store.ErrAlreadyExists)
	}
	return err
}

func encodeIDs(ids []string) string {
	if len(ids) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(ids)
	return string(b)
}

func decodeIDs(s string) ([]string, error) {
	if s == "" || s == "[]" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func nullRaw(r json.RawMessage) sql.NullString {
	if len(r) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(r), Valid: true}
}

func rawOf(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func nullStr(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func affected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, store.ErrNotFound)
	}
	return nil
}

// ---- nodes ----

const nodeCols = `id, tree_id, parent_id, type, label, sort_order,
 has_formula, has_condition, has_table, has_data,
 linked_formula_ids, linked_condition_ids, linked_table_ids, linked_variable_ids, template_node_ids,
 owner_variable_id, aggregate_of, is_shared_reference, shared_reference_id,
 calculated_value, metadata, canonical_id, copy_suffix, copied_from_id`

func nodeArgs(n *model.Node) []any {
	return []any{
		n.ID, n.TreeID, n.ParentID, string(n.Type), n.Label, n.Order,
		n.HasFormula, n.HasCondition, n.HasTable, n.HasData,
		encodeIDs(n.LinkedFormulaIDs), encodeIDs(n.LinkedConditionIDs), encodeIDs(n.LinkedTableIDs),
		encodeIDs(n.LinkedVariableIDs), encodeIDs(n.TemplateNodeIDs),
		n.OwnerVariableID, n.AggregateOf, n.IsSharedReference, n.SharedReferenceID,
		nullStr(n.CalculatedValue), nullRaw(n.Metadata), n.CanonicalID, n.CopySuffix, n.CopiedFromID,
	}
}

type scanner interface{ Scan(dest ...any) error }

func scanNode(r scanner) (*model.Node, error) {
	var (
		n                    model.Node
		typ                  string
		lf, lc, lt, lv, tpl  string
		calculated, metadata sql.NullString
	)
	if err := r.Scan(&n.ID, &n.TreeID, &n.ParentID, &typ, &n.Label, &n.Order,
		&n.HasFormula, &n.HasCondition, &n.HasTable, &n.HasData,
		&lf, &lc, &lt, &lv, &tpl,
		&n.OwnerVariableID, &n.AggregateOf, &n.IsSharedReference, &n.SharedReferenceID,
		&calculated, &metadata, &n.CanonicalID, &n.CopySuffix, &n.CopiedFromID); err != nil {
		return nil, err
	}
	n.Type = model.NodeType(typ)
	n.CalculatedValue = strPtr(calculated)
	n.Metadata = rawOf(metadata)
	for _, p := range []struct {
		dst *[]string
		src string
	}{{&n.LinkedFormulaIDs, lf}, {&n.LinkedConditionIDs, lc}, {&n.LinkedTableIDs, lt}, {&n.LinkedVariableIDs, lv}, {&n.TemplateNodeIDs, tpl}} {
		ids, err := decodeIDs(p.src)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", n.ID, err)
		}
		*p.dst = ids
	}
	return &n, nil
}

func (t *sqlTx) queryNodes(ctx context.Context, where string, args ...any) ([]*model.Node, error) {
	rows, err := t.query(ctx, "SELECT "+nodeCols+" FROM tbl_nodes WHERE "+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (t *sqlTx) GetNode(ctx context.Context, id string) (*model.Node, error) {
	nodes, err := t.queryNodes(ctx, "id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("node %s: %w", id, store.ErrNotFound)
	}
	return nodes[0], nil
}

func (t *sqlTx) FindNodes(ctx context.Context, treeID, canonicalID string) ([]*model.Node, error) {
	return t.queryNodes(ctx,
		"tree_id = ? AND (canonical_id = ? OR (canonical_id = '' AND id = ?)) ORDER BY copy_suffix, id",
		treeID, canonicalID, canonicalID)
}

func (t *sqlTx) InsertNode(ctx context.Context, n *model.Node) error {
	_, err := t.exec(ctx, "INSERT INTO tbl_nodes ("+nodeCols+") VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)", nodeArgs(n)...)
	return mapErr(err)
}

func (t *sqlTx) UpdateNode(ctx context.Context, n *model.Node) error {
	args := nodeArgs(n)
	res, err := t.exec(ctx, `UPDATE tbl_nodes SET tree_id=?, parent_id=?, type=?, label=?, sort_order=?,
 has_formula=?, has_condition=?, has_table=?, has_data=?,
 linked_formula_ids=?, linked_condition_ids=?, linked_table_ids=?, linked_variable_ids=?, template_node_ids=?,
 owner_variable_id=?, aggregate_of=?, is_shared_reference=?, shared_reference_id=?,
 calculated_value=?, metadata=?, canonical_id=?, copy_suffix=?, copied_from_id=? WHERE id=?`,
		append(args[1:], n.ID)...)
	if err != nil {
		return mapErr(err)
	}
	return affected(res, "node", n.ID)
}

// ---- capacities ----

func (t *sqlTx) InsertFormula(ctx context.Context, f *model.Formula) error {
	_, err := t.exec(ctx, `INSERT INTO tbl_formulas (id, tree_id, node_id, name, tokens, canonical_id, copy_suffix, copied_from_id)
 VALUES (?,?,?,?,?,?,?,?)`, f.ID, f.TreeID, f.NodeID, f.Name, rawText(f.Tokens, "[]"), f.CanonicalID, f.CopySuffix, f.CopiedFromID)
	return mapErr(err)
}

func (t *sqlTx) UpdateFormula(ctx context.Context, f *model.Formula) error {
	res, err := t.exec(ctx, `UPDATE tbl_formulas SET tree_id=?, node_id=?, name=?, tokens=?, canonical_id=?, copy_suffix=?, copied_from_id=? WHERE id=?`,
		f.TreeID, f.NodeID, f.Name, rawText(f.Tokens, "[]"), f.CanonicalID, f.CopySuffix, f.CopiedFromID, f.ID)
	if err != nil {
		return mapErr(err)
	}
	return affected(res, "formula", f.ID)
}

func (t *sqlTx) InsertCondition(ctx context.Context, c *model.Condition) error {
	_, err := t.exec(ctx, `INSERT INTO tbl_conditions (id, tree_id, node_id, name, condition_set, canonical_id, copy_suffix, copied_from_id)
 VALUES (?,?,?,?,?,?,?,?)`, c.ID, c.TreeID, c.NodeID, c.Name, rawText(c.ConditionSet, "{}"), c.CanonicalID, c.CopySuffix, c.CopiedFromID)
	return mapErr(err)
}

func (t *sqlTx) UpdateCondition(ctx context.Context, c *model.Condition) error {
	res, err := t.exec(ctx, `UPDATE tbl_conditions SET tree_id=?, node_id=?, name=?, condition_set=?, canonical_id=?, copy_suffix=?, copied_from_id=? WHERE id=?`,
		c.TreeID, c.NodeID, c.Name, rawText(c.ConditionSet, "{}"), c.CanonicalID, c.CopySuffix, c.CopiedFromID, c.ID)
	if err != nil {
		return mapErr(err)
	}
	return affected(res, "condition", c.ID)
}

func (t *sqlTx) InsertTable(ctx context.Context, tb *model.Table) error {
	_, err := t.exec(ctx, `INSERT INTO tbl_tables (id, tree_id, node_id, name, columns_json, rows_json, meta_json, canonical_id, copy_suffix, copied_from_id)
 VALUES (?,?,?,?,?,?,?,?,?,?)`, tb.ID, tb.TreeID, tb.NodeID, tb.Name, nullRaw(tb.Columns), nullRaw(tb.Rows), nullRaw(tb.Meta),
		tb.CanonicalID, tb.CopySuffix, tb.CopiedFromID)
	return mapErr(err)
}

func (t *sqlTx) UpdateTable(ctx context.Context, tb *model.Table) error {
	res, err := t.exec(ctx, `UPDATE tbl_tables SET tree_id=?, node_id=?, name=?, columns_json=?, rows_json=?, meta_json=?, canonical_id=?, copy_suffix=?, copied_from_id=? WHERE id=?`,
		tb.TreeID, tb.NodeID, tb.Name, nullRaw(tb.Columns), nullRaw(tb.Rows), nullRaw(tb.Meta), tb.CanonicalID, tb.CopySuffix, tb.CopiedFromID, tb.ID)
	if err != nil {
		return mapErr(err)
	}
	return affected(res, "table", tb.ID)
}

func rawText(r json.RawMessage, def string) string {
	if len(r) == 0 {
		return def
	}
	return string(r)
}

// ---- variables ----

const variableCols = `id, tree_id, node_id, exposed_key, display_name, unit, "precision", visible_to_user,
 source_type, source_ref, display_node_id, canonical_id, copy_suffix, copied_from_id`

func variableArgs(v *model.Variable) []any {
	return []any{v.ID, v.TreeID, v.NodeID, v.ExposedKey, v.DisplayName, v.Unit, v.Precision, v.VisibleToUser,
		v.SourceType, v.SourceRef, v.DisplayNodeID, v.CanonicalID, v.CopySuffix, v.CopiedFromID}
}

func (t *sqlTx) InsertVariable(ctx context.Context, v *model.Variable) error {
	_, err := t.exec(ctx, "INSERT INTO tbl_variables ("+variableCols+") VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)", variableArgs(v)...)
	return mapErr(err)
}

func (t *sqlTx) UpdateVariable(ctx context.Context, v *model.Variable) error {
	args := variableArgs(v)
	res, err := t.exec(ctx, `UPDATE tbl_variables SET tree_id=?, node_id=?, exposed_key=?, display_name=?, unit=?, "precision"=?, visible_to_user=?,
 source_type=?, source_ref=?, display_node_id=?, canonical_id=?, copy_suffix=?, copied_from_id=? WHERE id=?`, append(args[1:], v.ID)...)
	if err != nil {
		return mapErr(err)
	}
	return affected(res, "variable", v.ID)
}

// ---- tree ----

func (t *sqlTx) LoadTree(ctx context.Context, treeID string) (*model.Tree, error) {
	nodes, err := t.queryNodes(ctx, "tree_id = ?", treeID)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("tree %s: %w", treeID, store.ErrNotFound)
	}
	tree := model.NewTree(treeID)
	for _, n := range nodes {
		tree.PutNode(n)
	}

	if err := t.each(ctx, `SELECT id, tree_id, node_id, name, tokens, canonical_id, copy_suffix, copied_from_id FROM tbl_formulas WHERE tree_id = ?`,
		[]any{treeID}, func(r scanner) error {
			var f model.Formula
			var tokens string
			if err := r.Scan(&f.ID, &f.TreeID, &f.NodeID, &f.Name, &tokens, &f.CanonicalID, &f.CopySuffix, &f.CopiedFromID); err != nil {
				return err
			}
			f.Tokens = json.RawMessage(tokens)
			tree.PutFormula(&f)
			return nil
		}); err != nil {
		return nil, fmt.Errorf("load formulas: %w", err)
	}

	if err := t.each(ctx, `SELECT id, tree_id, node_id, name, condition_set, canonical_id, copy_suffix, copied_from_id FROM tbl_conditions WHERE tree_id = ?`,
		[]any{treeID}, func(r scanner) error {
			var c model.Condition
			var set string
			if err := r.Scan(&c.ID, &c.TreeID, &c.NodeID, &c.Name, &set, &c.CanonicalID, &c.CopySuffix, &c.CopiedFromID); err != nil {
				return err
			}
			c.ConditionSet = json.RawMessage(set)
			tree.PutCondition(&c)
			return nil
		}); err != nil {
		return nil, fmt.Errorf("load conditions: %w", err)
	}

	if err := t.each(ctx, `SELECT id, tree_id, node_id, name, columns_json, rows_json, meta_json, canonical_id, copy_suffix, copied_from_id FROM tbl_tables WHERE tree_id = ?`,
		[]any{treeID}, func(r scanner) error {
			var tb model.Table
			var cols, rws, meta sql.NullString
			if err := r.Scan(&tb.ID, &tb.TreeID, &tb.NodeID, &tb.Name, &cols, &rws, &meta, &tb.CanonicalID, &tb.CopySuffix, &tb.CopiedFromID); err != nil {
				return err
			}
			tb.Columns, tb.Rows, tb.Meta = rawOf(cols), rawOf(rws), rawOf(meta)
			tree.PutTable(&tb)
			return nil
		}); err != nil {
		return nil, fmt.Errorf("load tables: %w", err)
	}

	if err := t.each(ctx, "SELECT "+variableCols+" FROM tbl_variables WHERE tree_id = ?", []any{treeID}, func(r scanner) error {
		var v model.Variable
		if err := r.Scan(&v.ID, &v.TreeID, &v.NodeID, &v.ExposedKey, &v.DisplayName, &v.Unit, &v.Precision, &v.VisibleToUser,
			&v.SourceType, &v.SourceRef, &v.DisplayNodeID, &v.CanonicalID, &v.CopySuffix, &v.CopiedFromID); err != nil {
			return err
		}
		tree.PutVariable(&v)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("load variables: %w", err)
	}
	return tree, nil
}

func (t *sqlTx) each(ctx context.Context, q string, args []any, fn func(scanner) error) error {
	rows, err := t.query(ctx, q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ---- submissions ----

func (t *sqlTx) InsertSubmission(ctx context.Context, s *model.Submission) error {
	_, err := t.exec(ctx, `INSERT INTO tbl_submissions (id, tree_id, organization_id, status, created_at) VALUES (?,?,?,?,?)`,
		s.ID, s.TreeID, s.OrganizationID, s.Status, s.CreatedAt.UnixMilli())
	return mapErr(err)
}

func (t *sqlTx) ListSubmissions(ctx context.Context, treeID string) ([]*model.Submission, error) {
	var out []*model.Submission
	err := t.each(ctx, `SELECT id, tree_id, organization_id, status, created_at FROM tbl_submissions WHERE tree_id = ? ORDER BY id`,
		[]any{treeID}, func(r scanner) error {
			var s model.Submission
			var created int64
			if err := r.Scan(&s.ID, &s.TreeID, &s.OrganizationID, &s.Status, &created); err != nil {
				return err
			}
			s.CreatedAt = time.UnixMilli(created).UTC()
			out = append(out, &s)
			return nil
		})
	return out, err
}

func (t *sqlTx) InsertSubmissionData(ctx context.Context, d *model.SubmissionData) error {
	_, err := t.exec(ctx, `INSERT INTO tbl_submission_data (id, submission_id, node_id, variable_id, value, exposed_key, display_name, unit, is_variable)
 VALUES (?,?,?,?,?,?,?,?,?)`, d.ID, d.SubmissionID, d.NodeID, d.VariableID, nullStr(d.Value), d.ExposedKey, d.DisplayName, d.Unit, d.IsVariable)
	return mapErr(err)
}

func (t *sqlTx) ListSubmissionData(ctx context.Context, submissionID string) ([]*model.SubmissionData, error) {
	var out []*model.SubmissionData
	err := t.each(ctx, `SELECT id, submission_id, node_id, variable_id, value, exposed_key, display_name, unit, is_variable
 FROM tbl_submission_data WHERE submission_id = ? ORDER BY node_id, id`, []any{submissionID}, func(r scanner) error {
		var d model.SubmissionData
		var value sql.NullString
		if err := r.Scan(&d.ID, &d.SubmissionID, &d.NodeID, &d.VariableID, &value, &d.ExposedKey, &d.DisplayName, &d.Unit, &d.IsVariable); err != nil {
			return err
		}
		d.Value = strPtr(value)
		out = append(out, &d)
		return nil
	})
	return out, err
}
