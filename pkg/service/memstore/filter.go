package memstore

import (
	"fmt"
	"strconv"
	"strings"

	goValuate "gopkg.in/Knetic/govaluate.v3"

	"github.com/forcedotcom/Data-Migration-Tool/pkg/common"
)

const (
	nullParam    = "$null"
	literalParam = "$lit"
)

// filterExpr is a compiled filter. Field names and string literals are bound
// as parameters so literal text is never reinterpreted by the evaluator.
type filterExpr struct {
	expression *goValuate.EvaluableExpression
	literals   []string
}

// recordParams resolves filter parameters against one record. Absent and
// empty fields resolve to nil so they compare equal to null.
type recordParams struct {
	filter *filterExpr
	record *common.Record
}

func (p recordParams) Get(name string) (interface{}, error) {
	switch {
	case name == nullParam:
		return nil, nil
	case strings.HasPrefix(name, literalParam):
		i, err := strconv.Atoi(strings.TrimPrefix(name, literalParam))
		if err != nil || i >= len(p.filter.literals) {
			return nil, fmt.Errorf("unknown filter literal %q", name)
		}
		return p.filter.literals[i], nil
	}
	v := p.record.Get(name)
	if common.IsEmpty(v) {
		return nil, nil
	}
	return common.StringValue(v), nil
}

func (f *filterExpr) match(r *common.Record) (bool, error) {
	result, err := f.expression.Eval(recordParams{filter: f, record: r})
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("filter does not evaluate to a boolean")
	}
	return b, nil
}

// parseFilter compiles a filter of `Field = 'value'`, `Field != null` style
// comparisons combined with AND, OR, NOT and parentheses.
func parseFilter(filter string) (func(*common.Record) bool, error) {
	if strings.TrimSpace(filter) == "" {
		return func(*common.Record) bool { return true }, nil
	}

	expr, literals, err := translateFilter(filter)
	if err != nil {
		return nil, err
	}
	expression, err := goValuate.NewEvaluableExpression(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid filter %q: %w", filter, err)
	}
	f := &filterExpr{expression: expression, literals: literals}
	if _, err := f.match(&common.Record{}); err != nil {
		return nil, fmt.Errorf("invalid filter %q: %w", filter, err)
	}

	return func(r *common.Record) bool {
		ok, err := f.match(r)
		return err == nil && ok
	}, nil
}

// translateFilter rewrites the filter into evaluator syntax
func translateFilter(filter string) (string, []string, error) {
	var (
		out      strings.Builder
		literals []string
	)
	for i := 0; i < len(filter); {
		c := filter[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			out.WriteByte(' ')
			i++
		case c == '(' || c == ')':
			out.WriteByte(c)
			i++
		case c == '=':
			out.WriteString("==")
			i++
		case c == '!' && i+1 < len(filter) && filter[i+1] == '=':
			out.WriteString("!=")
			i += 2
		case c == '\'':
			lit, n, err := readLiteral(filter[i:])
			if err != nil {
				return "", nil, err
			}
			fmt.Fprintf(&out, "[%s%d]", literalParam, len(literals))
			literals = append(literals, lit)
			i += n
		case isIdentStart(c):
			j := i + 1
			for j < len(filter) && isIdentPart(filter[j]) {
				j++
			}
			word := filter[i:j]
			switch strings.ToLower(word) {
			case "and":
				out.WriteString("&&")
			case "or":
				out.WriteString("||")
			case "not":
				out.WriteString("!")
			case "null":
				fmt.Fprintf(&out, "[%s]", nullParam)
			default:
				fmt.Fprintf(&out, "[%s]", word)
			}
			i = j
		default:
			return "", nil, fmt.Errorf("unsupported filter %q: unexpected %q", filter, c)
		}
	}
	return out.String(), literals, nil
}

// readLiteral reads a single quoted literal, honoring backslash escapes, and
// returns its value with the number of bytes consumed.
func readLiteral(s string) (string, int, error) {
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if i+1 < len(s) {
				i++
				b.WriteByte(s[i])
			}
		case '\'':
			return b.String(), i + 1, nil
		default:
			b.WriteByte(s[i])
		}
	}
	return "", 0, fmt.Errorf("unterminated literal in filter %q", s)
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c == '.' || (c >= '0' && c <= '9')
}
