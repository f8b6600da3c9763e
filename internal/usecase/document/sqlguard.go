package document

import (
	"strings"
)

// forbiddenKeywords may not appear as bare words in a read-only query unless
// they are called as a function, like SQLite's replace().
var forbiddenKeywords = map[string]bool{
	"insert": true, "update": true, "delete": true, "replace": true,
	"drop": true, "alter": true, "create": true, "attach": true,
	"detach": true, "pragma": true, "vacuum": true, "reindex": true,
}

type tokenKind int

const (
	tokWord  tokenKind = iota // bare word, lowercased in lower
	tokIdent                  // quoted identifier: "x", `x` or [x]
	tokPunct
)

type sqlToken struct {
	kind  tokenKind
	text  string
	lower string
}

func (t sqlToken) is(kind tokenKind, lower string) bool {
	return t.kind == kind && t.lower == lower
}

// checkReadOnly rejects anything but a single SELECT or WITH statement.
// String literals and comments are ignored when scanning.
func checkReadOnly(query string) string {
	q := strings.TrimRight(strings.TrimSpace(query), "; \t\r\n")
	if q == "" {
		return "empty query"
	}
	toks, semicolon := tokenize(q)
	if semicolon {
		return "only a single statement is allowed"
	}
	if len(toks) == 0 || !(toks[0].is(tokWord, "select") || toks[0].is(tokWord, "with")) {
		return "only SELECT queries are allowed"
	}
	for i, t := range toks {
		if t.kind != tokWord || !forbiddenKeywords[t.lower] {
			continue
		}
		if i+1 < len(toks) && toks[i+1].is(tokPunct, "(") {
			continue
		}
		return "statement contains forbidden keyword " + strings.ToUpper(t.lower)
	}
	return ""
}

// tokenize splits q into words, quoted identifiers and punctuation. String
// literals and comments are dropped.
func tokenize(q string) (toks []sqlToken, semicolon bool) {
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			s := cur.String()
			toks = append(toks, sqlToken{kind: tokWord, text: s, lower: strings.ToLower(s)})
			cur.Reset()
		}
	}
	for i := 0; i < len(q); i++ {
		c := q[i]
		switch {
		case c == '\'':
			flush()
			for i++; i < len(q) && q[i] != '\''; i++ {
			}
		case c == '"' || c == '`' || c == '[':
			flush()
			end := c
			if c == '[' {
				end = ']'
			}
			start := i + 1
			for i++; i < len(q) && q[i] != end; i++ {
			}
			name := q[start:min(i, len(q))]
			toks = append(toks, sqlToken{kind: tokIdent, text: name, lower: strings.ToLower(name)})
		case c == '-' && i+1 < len(q) && q[i+1] == '-':
			flush()
			for i < len(q) && q[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(q) && q[i+1] == '*':
			flush()
			i += 2
			for i+1 < len(q) && !(q[i] == '*' && q[i+1] == '/') {
				i++
			}
			i++
		case c == ';':
			flush()
			semicolon = true
		case c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9'):
			cur.WriteByte(c)
		case c == '(' || c == ')' || c == ',':
			flush()
			toks = append(toks, sqlToken{kind: tokPunct, text: string(c), lower: string(c)})
		default:
			flush()
		}
	}
	flush()
	return toks, semicolon
}

// referencedTables returns the table names used after FROM/JOIN, minus CTE
// names, table functions, and internal sqlite/grist tables.
func referencedTables(query string) []string {
	toks, _ := tokenize(query)
	isName := func(i int) bool {
		return i < len(toks) && (toks[i].kind == tokWord || toks[i].kind == tokIdent)
	}

	ctes := map[string]bool{}
	for i := 1; i+2 < len(toks); i++ {
		prev := toks[i-1]
		if !isName(i) || !toks[i+1].is(tokWord, "as") || !toks[i+2].is(tokPunct, "(") {
			continue
		}
		if prev.is(tokWord, "with") || prev.is(tokWord, "recursive") || prev.is(tokPunct, ",") {
			ctes[toks[i].lower] = true
		}
	}

	seen := map[string]bool{}
	var out []string
	for i := 0; i+1 < len(toks); i++ {
		if !toks[i].is(tokWord, "from") && !toks[i].is(tokWord, "join") {
			continue
		}
		if !isName(i + 1) {
			continue
		}
		name := toks[i+1]
		if i+2 < len(toks) && toks[i+2].is(tokPunct, "(") {
			continue
		}
		if ctes[name.lower] || seen[name.lower] ||
			strings.HasPrefix(name.lower, "sqlite_") || strings.HasPrefix(name.lower, "_grist") {
			continue
		}
		seen[name.lower] = true
		out = append(out, name.text)
	}
	return out
}
