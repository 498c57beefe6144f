package selector

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/cel-go/cel"
)

const (
	regexDelimiter = "/"
	celPrefix      = "cel:"
	defaultFlags   = "gm"
	allowedFlags   = "gimsuy"
	celCostLimit   = 100000
)

type matchFunc func(target) bool

func compileMatcher(matcher string) (matchFunc, error) {
	switch {
	case strings.HasPrefix(matcher, regexDelimiter):
		re, err := compilePattern(matcher)
		if err != nil {
			return nil, err
		}
		return func(t target) bool {
			if re.MatchString(t.raw) {
				return true
			}
			return t.requestURI != "" && re.MatchString(t.requestURI)
		}, nil
	case strings.HasPrefix(matcher, celPrefix):
		return compileCEL(strings.TrimPrefix(matcher, celPrefix))
	default:
		return func(t target) bool { return t.raw == matcher }, nil
	}
}

// compilePattern turns "/body/flags" into a Go regexp. The body runs up to the
// last delimiter when what follows it is a flag set; otherwise the whole
// remainder is the body. Flags g, u and y do not affect matching.
func compilePattern(matcher string) (*regexp.Regexp, error) {
	rest := strings.TrimPrefix(matcher, regexDelimiter)
	body, flags := rest, ""
	if i := strings.LastIndex(rest, regexDelimiter); i >= 0 && isFlagSet(rest[i+1:]) {
		body, flags = rest[:i], rest[i+1:]
	}
	if flags == "" {
		flags = defaultFlags
	}
	if body == "" {
		body = ".*"
	}

	var inline strings.Builder
	for _, f := range "ims" {
		if strings.ContainsRune(flags, f) {
			inline.WriteRune(f)
		}
	}
	if inline.Len() > 0 {
		body = "(?" + inline.String() + ")" + body
	}
	re, err := regexp.Compile(body)
	if err != nil {
		return nil, fmt.Errorf("compile pattern: %w", err)
	}
	return re, nil
}

func isFlagSet(s string) bool {
	for _, r := range s {
		if !strings.ContainsRune(allowedFlags, r) {
			return false
		}
	}
	return true
}

func compileCEL(expr string) (matchFunc, error) {
	env, err := cel.NewEnv(
		cel.Variable("url", cel.StringType),
		cel.Variable("scheme", cel.StringType),
		cel.Variable("host", cel.StringType),
		cel.Variable("path", cel.StringType),
		cel.Variable("query", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile CEL expression: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("CEL expression must return bool, got %s", ast.OutputType())
	}
	prog, err := env.Program(ast, cel.CostLimit(celCostLimit))
	if err != nil {
		return nil, fmt.Errorf("build CEL program: %w", err)
	}
	return func(t target) bool {
		out, _, err := prog.Eval(map[string]any{
			"url":    t.raw,
			"scheme": t.scheme,
			"host":   t.host,
			"path":   t.path,
			"query":  t.query,
		})
		if err != nil {
			return false
		}
		matched, ok := out.Value().(bool)
		return ok && matched
	}, nil
}
