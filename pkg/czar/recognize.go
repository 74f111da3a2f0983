// Package czar implements the coordinator's query session (C10): statement
// class recognition, parsing, constraint extraction, planning, and
// per-chunk task dispatch. It builds on pkg/statement for parsing and
// name rewriting the same way the teacher's utils.AlgorithmInplaceConsideredSafe
// parses then type-switches on the AST, generalized here to a fuller
// classify/plan/dispatch pipeline.
package czar

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/qserv/replica/pkg/statement"
)

// Class is the recognized statement category a Session branches its
// handling on.
type Class int

const (
	ClassUnrecognized Class = iota
	ClassSelect
	ClassSubmitSelect
	ClassDropDatabase
	ClassDropTable
	ClassFlushChunksCache
	ClassShowProcessList
	ClassKill
	ClassCancel
	ClassInformationSchemaProcessList
)

func (c Class) String() string {
	switch c {
	case ClassSelect:
		return "SELECT"
	case ClassSubmitSelect:
		return "SUBMIT_SELECT"
	case ClassDropDatabase:
		return "DROP_DATABASE"
	case ClassDropTable:
		return "DROP_TABLE"
	case ClassFlushChunksCache:
		return "FLUSH_QSERV_CHUNKS_CACHE"
	case ClassShowProcessList:
		return "SHOW_PROCESSLIST"
	case ClassKill:
		return "KILL"
	case ClassCancel:
		return "CANCEL"
	case ClassInformationSchemaProcessList:
		return "INFORMATION_SCHEMA_PROCESSLIST"
	default:
		return "UNRECOGNIZED"
	}
}

// Recognition is the outcome of Recognize: the statement's Class plus
// whatever fields that class carries (spec.md §8 scenario 1). SQL is the
// text a caller should feed to Parse for ClassSelect/ClassSubmitSelect —
// the original text, except for SUBMIT SELECT, where the leading SUBMIT
// keyword has already been stripped.
type Recognition struct {
	Class    Class
	SQL      string
	Database string // ClassDropDatabase, ClassDropTable (qualifier, may be empty)
	Table    string // ClassDropTable
	ID       uint64 // ClassKill, ClassCancel
}

// rejectedIdentifierError is returned by Recognize when sql references an
// identifier beginning with an underscore, reserved for internal chunk
// tables and never a legal user-visible name.
type rejectedIdentifierError struct{ identifier string }

func (e *rejectedIdentifierError) Error() string {
	return "Identifiers in Qserv may not start with an underscore: " + e.identifier
}

var underscoreIdentifierPattern = regexp.MustCompile(`\b_[A-Za-z0-9_]*\b`)

// identPattern matches one bare, backtick-quoted, or double-quoted SQL
// identifier. Single-quoted names are deliberately not an alternative
// here: spec.md §4.10 point 1 rejects them, and the admin statement
// patterns below rely on identPattern simply failing to match a
// single-quoted name so the statement falls through to "unrecognized"
// rather than being accepted with a wrong identifier.
const identPattern = "(?:`[^`]+`|\"[^\"]+\"|[A-Za-z][A-Za-z0-9_$]*)"

var (
	submitSelectPattern = regexp.MustCompile(`(?is)^SUBMIT\s+`)
	dropDatabasePattern = regexp.MustCompile(`(?is)^DROP\s+(?:DATABASE|SCHEMA)\s+(` + identPattern + `)\s*;?\s*$`)
	dropTablePattern    = regexp.MustCompile(`(?is)^DROP\s+TABLE\s+(?:(` + identPattern + `)\.)?(` + identPattern + `)\s*;?\s*$`)
	flushChunksPattern  = regexp.MustCompile(`(?is)^FLUSH\s+QSERV_CHUNKS_CACHE\b`)
	showProcessPattern  = regexp.MustCompile(`(?is)^SHOW\s+(FULL\s+)?PROCESSLIST\b`)
	killPattern         = regexp.MustCompile(`(?is)^KILL\s+(?:QUERY\s+|CONNECTION\s+)?(\d+)\s*$`)
	cancelPattern       = regexp.MustCompile(`(?is)^CANCEL\s+(\d+)\s*$`)
	infoSchemaProcPattern = regexp.MustCompile(`(?is)^SELECT\b.*\bFROM\s+INFORMATION_SCHEMA\.PROCESSLIST\b`)
)

// stripIdentQuotes removes a matched backtick or double-quote pair from
// an identifier captured by identPattern; a bare identifier is returned
// unchanged.
func stripIdentQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '`' && s[len(s)-1] == '`') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// Recognize classifies sql, rejecting underscore-prefixed identifiers
// outright regardless of class, and extracting the fields each admin
// class carries (spec.md §8 scenario 1).
func Recognize(sql string) (Recognition, error) {
	trimmed := strings.TrimSpace(sql)
	if m := underscoreIdentifierPattern.FindString(trimmed); m != "" {
		return Recognition{Class: ClassUnrecognized}, &rejectedIdentifierError{identifier: m}
	}

	if submitSelectPattern.MatchString(trimmed) {
		stripped := submitSelectPattern.ReplaceAllString(trimmed, "")
		if statement.Classify(stripped) == statement.ClassSelect {
			return Recognition{Class: ClassSubmitSelect, SQL: stripped}, nil
		}
	}
	if m := dropDatabasePattern.FindStringSubmatch(trimmed); m != nil {
		return Recognition{Class: ClassDropDatabase, Database: stripIdentQuotes(m[1])}, nil
	}
	if m := dropTablePattern.FindStringSubmatch(trimmed); m != nil {
		return Recognition{Class: ClassDropTable, Database: stripIdentQuotes(m[1]), Table: stripIdentQuotes(m[2])}, nil
	}
	if flushChunksPattern.MatchString(trimmed) {
		return Recognition{Class: ClassFlushChunksCache}, nil
	}
	if m := killPattern.FindStringSubmatch(trimmed); m != nil {
		id, _ := strconv.ParseUint(m[1], 10, 64)
		return Recognition{Class: ClassKill, ID: id}, nil
	}
	if m := cancelPattern.FindStringSubmatch(trimmed); m != nil {
		id, _ := strconv.ParseUint(m[1], 10, 64)
		return Recognition{Class: ClassCancel, ID: id}, nil
	}
	if infoSchemaProcPattern.MatchString(trimmed) {
		return Recognition{Class: ClassInformationSchemaProcessList, SQL: trimmed}, nil
	}
	if showProcessPattern.MatchString(trimmed) {
		return Recognition{Class: ClassShowProcessList}, nil
	}
	if statement.Classify(trimmed) == statement.ClassSelect {
		return Recognition{Class: ClassSelect, SQL: trimmed}, nil
	}
	return Recognition{Class: ClassUnrecognized}, nil
}
