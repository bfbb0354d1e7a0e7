package store

import (
	"fmt"
	"strconv"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v5"
)

// Placeholders understood in query templates.
const (
	PlaceholderTopic  = "{:topic}"
	PlaceholderLimit  = "{:limit}"
	PlaceholderOffset = "{:offset}"
)

var forbiddenWords = map[string]struct{}{
	"INSERT": {}, "UPDATE": {}, "DELETE": {}, "REPLACE": {}, "UPSERT": {},
	"DROP": {}, "CREATE": {}, "ALTER": {}, "ATTACH": {}, "DETACH": {},
	"PRAGMA": {}, "VACUUM": {}, "REINDEX": {}, "ANALYZE": {},
	"BEGIN": {}, "COMMIT": {}, "ROLLBACK": {}, "SAVEPOINT": {}, "RELEASE": {},
	"TRUNCATE": {}, "GRANT": {}, "REVOKE": {}, "LOAD_EXTENSION": {},
}

// ValidateTemplate accepts a single read-only SELECT (or WITH ... SELECT)
// statement. Placeholders are allowed anywhere. The template is lexed so that
// keywords inside string literals, quoted identifiers and comments are not
// mistaken for statements.
func ValidateTemplate(template string) error {
	tmpl := trimStatement(template)
	if tmpl == "" {
		return fmt.Errorf("%w: empty query", ErrInvalidQuery)
	}

	scanned, err := pg_query.Scan(tmpl)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}

	tokens := scanned.GetTokens()
	var first string
	terminated := false
	for i, tok := range tokens {
		text := tmpl[tok.GetStart():tok.GetEnd()]
		if err := checkLexeme(text); err != nil {
			return err
		}
		if strings.HasPrefix(text, "--") || strings.HasPrefix(text, "/*") {
			continue
		}
		if terminated {
			return fmt.Errorf("%w: only one statement is allowed", ErrInvalidQuery)
		}
		if text == ";" {
			terminated = true
			continue
		}
		if strings.HasPrefix(text, "'") || strings.HasPrefix(text, `"`) {
			continue
		}

		word := strings.ToUpper(text)
		if first == "" {
			first = word
			if first != "SELECT" && first != "WITH" {
				return fmt.Errorf("%w: only SELECT statements are allowed, got %s", ErrInvalidQuery, text)
			}
		}
		if _, bad := forbiddenWords[word]; bad && !(word == "REPLACE" && calledAsFunction(tmpl, tokens, i)) {
			return fmt.Errorf("%w: %s is not allowed", ErrInvalidQuery, text)
		}
		lower := strings.ToLower(text)
		if strings.HasPrefix(lower, "sqlite_") || strings.HasPrefix(lower, "pragma_") {
			return fmt.Errorf("%w: access to %s is not allowed", ErrInvalidQuery, text)
		}
	}
	if first == "" {
		return fmt.Errorf("%w: empty query", ErrInvalidQuery)
	}
	return nil
}

// Render validates template and substitutes its placeholders. limit < 0 means
// no limit.
func Render(template, table string, limit, offset int64) (string, error) {
	if err := ValidateTemplate(template); err != nil {
		return "", err
	}
	return strings.NewReplacer(
		PlaceholderTopic, quoteIdent(table),
		PlaceholderLimit, strconv.FormatInt(limit, 10),
		PlaceholderOffset, strconv.FormatInt(offset, 10),
	).Replace(trimStatement(template)), nil
}

// checkLexeme rejects tokens the Postgres lexer reads as a single literal or
// comment but SQLite splits up: dollar quoting, E'', B'', N'' and U&''
// strings, and nested block comments.
func checkLexeme(text string) error {
	switch {
	case strings.HasPrefix(text, "$"):
		return fmt.Errorf("%w: dollar quoting and positional parameters are not supported", ErrInvalidQuery)
	case strings.HasPrefix(text, "/*") && strings.Contains(text[2:], "/*"):
		return fmt.Errorf("%w: nested comments are not supported", ErrInvalidQuery)
	}
	upper := strings.ToUpper(text)
	for _, prefix := range []string{"E'", "B'", "N'", "U&'", `U&"`} {
		if strings.HasPrefix(upper, prefix) {
			return fmt.Errorf("%w: %s literals are not supported", ErrInvalidQuery, prefix[:len(prefix)-1])
		}
	}
	return nil
}

// calledAsFunction reports whether the token at i is directly followed by an
// opening parenthesis, as in replace(payload, 'a', 'b').
func calledAsFunction(tmpl string, tokens []*pg_query.ScanToken, i int) bool {
	if i+1 >= len(tokens) {
		return false
	}
	next := tokens[i+1]
	return tmpl[next.GetStart():next.GetEnd()] == "("
}

func trimStatement(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ";")
	return strings.TrimSpace(s)
}
