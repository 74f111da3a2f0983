// Package statement classifies incoming czar SQL text and rewrites
// partitioned-table references to their per-chunk physical names. It is
// built on the same tidb parser the teacher uses for ALTER-clause
// inspection (pkg/utils), generalized here to SELECT/admin classification
// and qualified-name rewriting rather than DDL safety checks.
package statement

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/format"
	"github.com/pingcap/tidb/pkg/parser/model"
)

// Class is the coarse statement category the czar plan builder branches on.
type Class int

const (
	ClassUnknown Class = iota
	ClassSelect
	ClassAdmin
)

func (c Class) String() string {
	switch c {
	case ClassSelect:
		return "SELECT"
	case ClassAdmin:
		return "ADMIN"
	default:
		return "UNKNOWN"
	}
}

// adminStatementPattern matches the non-SELECT statements the czar accepts
// and passes through to a single worker/metadata path rather than
// scatter-gathering (SET, SHOW, USE, and friends). SELECT statements are
// recognized via the parser itself rather than a regexp, since they are
// the one class that needs a full AST for chunk-name rewriting.
var adminStatementPattern = regexp.MustCompile(`(?is)^\s*(SET|SHOW|USE|DESCRIBE|DESC|EXPLAIN|KILL)\b`)

// Parse parses sql into a single statement node using the same
// parser.New().Parse(sql, "", "") call the teacher's ALTER-clause checks
// use. It returns an error if sql contains anything other than exactly one
// statement.
func Parse(sql string) (ast.StmtNode, error) {
	p := parser.New()
	stmtNodes, _, err := p.Parse(sql, "", "")
	if err != nil {
		return nil, fmt.Errorf("statement: parse: %w", err)
	}
	if len(stmtNodes) != 1 {
		return nil, fmt.Errorf("statement: expected exactly one statement, got %d", len(stmtNodes))
	}
	return stmtNodes[0], nil
}

// Classify reports which class sql belongs to, without requiring it to
// parse cleanly for the admin case (many admin statements use
// vendor-specific syntax the parser will choke on).
func Classify(sql string) Class {
	trimmed := strings.TrimSpace(sql)
	if adminStatementPattern.MatchString(trimmed) {
		return ClassAdmin
	}
	if stmt, err := Parse(sql); err == nil {
		if _, ok := stmt.(*ast.SelectStmt); ok {
			return ClassSelect
		}
	}
	return ClassUnknown
}

// RewriteForChunk parses sql as a SELECT statement and replaces every
// reference to a table listed in partitioned (matched case-insensitively)
// with its chunk-qualified physical name (e.g. "Object" -> "Object_1234"),
// returning the regenerated SQL text. Non-matching tables, including
// fully-replicated tables joined into the same query, are left untouched.
func RewriteForChunk(sql string, partitioned map[string]bool, chunk uint32) (string, error) {
	stmt, err := Parse(sql)
	if err != nil {
		return "", err
	}
	sel, ok := stmt.(*ast.SelectStmt)
	if !ok {
		return "", fmt.Errorf("statement: RewriteForChunk requires a SELECT statement")
	}
	v := &chunkRewriter{partitioned: partitioned, chunk: chunk}
	sel.Accept(v)

	var buf bytes.Buffer
	ctx := format.NewRestoreCtx(format.DefaultRestoreFlags, &buf)
	if err := sel.Restore(ctx); err != nil {
		return "", fmt.Errorf("statement: restore: %w", err)
	}
	return buf.String(), nil
}

type chunkRewriter struct {
	partitioned map[string]bool
	chunk       uint32
}

func (v *chunkRewriter) Enter(n ast.Node) (ast.Node, bool) {
	if tn, ok := n.(*ast.TableName); ok {
		if v.partitioned[strings.ToLower(tn.Name.O)] {
			tn.Name = model.NewCIStr(fmt.Sprintf("%s_%d", tn.Name.O, v.chunk))
		}
	}
	return n, false
}

func (v *chunkRewriter) Leave(n ast.Node) (ast.Node, bool) {
	return n, true
}
