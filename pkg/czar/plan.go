package czar

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/opcode"

	"github.com/qserv/replica/pkg/statement"
)

// ErrParse covers every rejection in steps 2-3 of the query session:
// unparseable SQL, disallowed ORDER BY functions, UNION JOIN, or a query
// with no recognizable FROM table.
var ErrParse = errors.New("czar: parse error")

// Constraint is one spatial or secondary-index predicate extracted from a
// SELECT's WHERE clause, destined for the external SecondaryIndex
// collaborator.
type Constraint struct {
	// Column is the qualified or unqualified column the predicate
	// constrains (e.g. "objectId" for an sIndex equality lookup).
	Column string
	// Op is the comparison token ("=", "IN" or "LIKE").
	Op string
	// Args are the predicate's literal operands, rendered as SQL text.
	Args []string
	// HasNot is true for a negated predicate ("NOT IN", "NOT LIKE"):
	// the secondary index can narrow the search by what's included, but
	// a negated predicate excludes rows the index still has to return.
	// For a NOT IN the canonical query carries the extra position columns
	// a client needs to re-filter them (spec.md §8 scenario 3); a NOT LIKE
	// leaves the canonical query unchanged.
	HasNot bool
}

// ChunkSpec is one chunk (and its subchunks, if any) a plan must dispatch
// to. Subchunks is nil for a whole-chunk (non-subchunked) table.
type ChunkSpec struct {
	Chunk     uint32
	Workers   []string
	SubChunks []uint32
}

// ChunkSpecVector is the ordered set of chunks a query must scatter to,
// as resolved by SecondaryIndex from a query's Constraints.
type ChunkSpecVector []ChunkSpec

// SecondaryIndex is the external collaborator (spec.md §4.10 point 4)
// converting extracted constraints into the chunks a query must visit. A
// nil/empty Constraints slice means "the full chunk map" (no constraint
// narrowed the search), which SecondaryIndex implementations resolve by
// consulting the family's FindAll-derived chunk-to-worker map instead of a
// per-row index.
type SecondaryIndex interface {
	Lookup(database string, constraints []Constraint) (ChunkSpecVector, error)
}

// ParsedQuery is steps 2-3 of the query session: a parsed SELECT plus the
// dominant table it resolves against and the constraints extracted from
// its WHERE clause.
type ParsedQuery struct {
	SQL    string
	Stmt  *ast.SelectStmt
	Table string // dominant table the query resolves against

	Constraints []Constraint

	hasLimit bool
}

// unionJoinPattern rejects the ANSI "UNION JOIN" join operator, which the
// tidb parser accepts syntactically but this system never plans for (no
// worker-side merge semantics exist for it).
var unionJoinPattern = regexp.MustCompile(`(?is)\bUNION\s+JOIN\b`)

// Parse parses sql as a SELECT, enforcing spec.md §4.10 point 2's
// restrictions (no functions in ORDER BY, no UNION JOIN), and resolves its
// dominant table (point 3; a more thorough resolver would consult the
// family/database catalog, but the first FROM table is what every plugin
// below keys off of).
func Parse(sql string) (*ParsedQuery, error) {
	if unionJoinPattern.MatchString(sql) {
		return nil, fmt.Errorf("%w: Failed to instantiate query", ErrParse)
	}

	stmt, err := statement.Parse(sql)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	sel, ok := stmt.(*ast.SelectStmt)
	if !ok {
		return nil, fmt.Errorf("%w: not a SELECT", ErrParse)
	}

	if sel.OrderBy != nil {
		for _, item := range sel.OrderBy.Items {
			if isFunctionCall(item.Expr) {
				return nil, fmt.Errorf("%w: qserv does not support functions in ORDER BY", ErrParse)
			}
		}
	}

	table, err := dominantTable(sel)
	if err != nil {
		return nil, err
	}

	pq := &ParsedQuery{
		SQL:         sql,
		Stmt:        sel,
		Table:       table,
		Constraints: extractConstraints(sel),
		hasLimit:    sel.Limit != nil,
	}
	return pq, nil
}

func isFunctionCall(expr ast.ExprNode) bool {
	switch expr.(type) {
	case *ast.FuncCallExpr, *ast.FuncCastExpr, *ast.AggregateFuncExpr, *ast.WindowFuncExpr:
		return true
	default:
		return false
	}
}

func dominantTable(sel *ast.SelectStmt) (string, error) {
	if sel.From == nil || sel.From.TableRefs == nil {
		return "", fmt.Errorf("%w: no FROM clause", ErrParse)
	}
	name := firstTableName(sel.From.TableRefs)
	if name == "" {
		return "", fmt.Errorf("%w: could not resolve a FROM table", ErrParse)
	}
	return name, nil
}

func firstTableName(node ast.ResultSetNode) string {
	switch n := node.(type) {
	case *ast.TableName:
		return n.Name.O
	case *ast.TableSource:
		return firstTableName(n.Source)
	case *ast.Join:
		if left := firstTableName(n.Left); left != "" {
			return left
		}
		if n.Right != nil {
			return firstTableName(n.Right)
		}
	}
	return ""
}

// extractConstraints walks the WHERE clause for equality, IN and LIKE predicates
// on an unqualified or simply-qualified column, the common sIndex lookup
// shape; anything more elaborate (spatial function calls, subqueries) is
// left for the full query to evaluate on the worker and is not narrowed
// here, matching the original system's "best-effort" secondary-index use.
func extractConstraints(sel *ast.SelectStmt) []Constraint {
	if sel.Where == nil {
		return nil
	}
	var out []Constraint
	var walk func(ast.ExprNode)
	walk = func(expr ast.ExprNode) {
		switch e := expr.(type) {
		case *ast.BinaryOperationExpr:
			if col, ok := e.L.(*ast.ColumnNameExpr); ok && e.Op == opcode.EQ {
				out = append(out, Constraint{Column: col.Name.Name.O, Op: "=", Args: []string{restoreExpr(e.R)}})
				return
			}
			walk(e.L)
			walk(e.R)
		case *ast.PatternInExpr:
			if col, ok := e.Expr.(*ast.ColumnNameExpr); ok {
				args := make([]string, 0, len(e.List))
				for _, item := range e.List {
					args = append(args, restoreExpr(item))
				}
				out = append(out, Constraint{Column: col.Name.Name.O, Op: "IN", Args: args, HasNot: e.Not})
			}
		case *ast.PatternLikeExpr:
			if col, ok := e.Expr.(*ast.ColumnNameExpr); ok {
				out = append(out, Constraint{Column: col.Name.Name.O, Op: "LIKE", Args: []string{restoreExpr(e.Pattern)}, HasNot: e.Not})
			}
		}
	}
	walk(sel.Where)
	return out
}

func restoreExpr(expr ast.ExprNode) string {
	switch e := expr.(type) {
	case *ast.ValueExpr:
		return fmt.Sprintf("%v", e.GetValue())
	default:
		return ""
	}
}

// FullScanConstraints reports whether pq's constraints are too sparse to
// narrow the chunk search, signaling SecondaryIndex.Lookup to return every
// chunk in the family rather than a filtered subset.
func (pq *ParsedQuery) FullScanConstraints() bool {
	return len(pq.Constraints) == 0
}
