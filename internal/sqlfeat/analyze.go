// Package sqlfeat extracts lexical features from a SQL statement: the
// operation type and its weight, referenced tables, and the shape counters
// used by the anomaly model. It does not parse SQL semantics.
package sqlfeat

import (
	"regexp"
	"strings"
)

// Query-type weights applied to the sensitivity coefficient.
const (
	WeightRead = 1.0
	WeightDML  = 3.0
	WeightDDL  = 5.0
)

var userHintPattern = regexp.MustCompile(`/\*\s*user_id:\s*(.*?)\s*\*/`)

// Statement is the lexical summary of one SQL statement.
type Statement struct {
	Operation      string   `json:"operation"`
	Weight         float64  `json:"weight"`
	Tables         []string `json:"tables"`
	UserHint       string   `json:"userHint,omitempty"`
	Length         int      `json:"length"`
	ConditionCount int      `json:"conditionCount"`
	JoinCount      int      `json:"joinCount"`
	NestedLevel    int      `json:"nestedLevel"`
	HasAlwaysTrue  bool     `json:"hasAlwaysTrue"`
}

// TypeWeight returns the query-type weight of an operation keyword.
func TypeWeight(op string) float64 {
	switch strings.ToUpper(op) {
	case "DROP", "TRUNCATE", "GRANT", "REVOKE", "ALTER":
		return WeightDDL
	case "UPDATE", "DELETE", "INSERT", "REPLACE", "MERGE":
		return WeightDML
	default:
		return WeightRead
	}
}

// StripUserHint removes every "/* user_id:X */" hint and returns the first X.
func StripUserHint(sql string) (string, string) {
	var user string
	if m := userHintPattern.FindStringSubmatch(sql); m != nil {
		user = m[1]
	}
	return strings.TrimSpace(userHintPattern.ReplaceAllString(sql, "")), user
}

// tableKeywords are followed by a table reference.
var tableKeywords = map[string]bool{
	"FROM": true, "JOIN": true, "INTO": true, "UPDATE": true, "TABLE": true, "TRUNCATE": true,
}

// clauseKeywords cannot be a table alias and end a table list.
var clauseKeywords = map[string]bool{
	"WHERE": true, "ON": true, "USING": true, "SET": true, "JOIN": true, "INNER": true,
	"LEFT": true, "RIGHT": true, "FULL": true, "CROSS": true, "OUTER": true, "NATURAL": true,
	"GROUP": true, "ORDER": true, "LIMIT": true, "HAVING": true, "UNION": true, "VALUES": true,
	"VALUE": true, "SELECT": true, "AS": true, "FOR": true, "WINDOW": true, "STRAIGHT_JOIN": true,
	"PARTITION": true, "USE": true, "FORCE": true, "IGNORE": true, "LOCK": true, "INTO": true,
	"RETURNING": true, "EXCEPT": true, "INTERSECT": true, "OFFSET": true, "FETCH": true,
	"IF": true, "EXISTS": true, "NOT": true, "WITH": true, "CASCADE": true, "RESTRICT": true,
	"LOW_PRIORITY": true, "QUICK": true, "DELAYED": true, "HIGH_PRIORITY": true,
	"ADD": true, "DROP": true, "MODIFY": true, "CHANGE": true, "RENAME": true, "DUPLICATE": true,
}

var conditionOps = map[string]bool{
	"=": true, "<>": true, "!=": true, "<": true, ">": true, "<=": true, ">=": true, "<=>": true,
}

// Analyze builds the lexical summary of sql.
func Analyze(sql string) Statement {
	clean, hint := StripUserHint(sql)
	toks := tokenize(clean)

	st := Statement{UserHint: hint, Length: len(clean), Tables: []string{}}
	st.Operation = operation(toks)
	st.Weight = TypeWeight(st.Operation)

	ctes := cteNames(toks)
	seen := map[string]bool{}
	addTable := func(name string) {
		key := strings.ToLower(name)
		if name == "" || strings.HasPrefix(name, "@") || ctes[key] || seen[key] {
			return
		}
		seen[key] = true
		st.Tables = append(st.Tables, name)
	}

	selects := 0
	inCondition := false
	for i, t := range toks {
		if t.kind == tokWord {
			kw := strings.ToUpper(t.text)
			switch kw {
			case "SELECT":
				selects++
			case "JOIN", "STRAIGHT_JOIN":
				st.JoinCount++
			case "WHERE", "ON", "HAVING":
				inCondition = true
			case "GROUP", "ORDER", "LIMIT", "SET", "UNION", "VALUES":
				inCondition = false
			case "LIKE", "IN", "BETWEEN", "IS", "REGEXP", "RLIKE":
				if inCondition {
					st.ConditionCount++
				}
			}
			if tableKeywords[kw] {
				for _, name := range tableList(toks, i+1, kw == "FROM" || kw == "UPDATE") {
					addTable(name)
				}
			}
			continue
		}
		if t.kind == tokOp && inCondition && conditionOps[t.text] {
			st.ConditionCount++
			if t.text == "=" && i > 0 && i+1 < len(toks) && sameLiteral(toks[i-1], toks[i+1]) {
				st.HasAlwaysTrue = true
			}
		}
	}
	if selects > 1 {
		st.NestedLevel = selects - 1
	}
	return st
}

func operation(toks []token) string {
	for i, t := range toks {
		if t.kind != tokWord {
			if t.kind == tokPunct && t.text == "(" {
				continue
			}
			return ""
		}
		op := strings.ToUpper(t.text)
		if op != "WITH" {
			return op
		}
		// The statement keyword of a CTE query follows the definitions at depth 0.
		depth := 0
		for _, u := range toks[i+1:] {
			switch {
			case u.kind == tokPunct && u.text == "(":
				depth++
			case u.kind == tokPunct && u.text == ")":
				depth--
			case depth == 0 && u.kind == tokWord:
				switch kw := strings.ToUpper(u.text); kw {
				case "SELECT", "INSERT", "UPDATE", "DELETE", "REPLACE":
					return kw
				}
			}
		}
		return "WITH"
	}
	return ""
}

// modifierKeywords may sit between a table keyword and the table name.
var modifierKeywords = map[string]bool{
	"TABLE": true, "IF": true, "NOT": true, "EXISTS": true, "IGNORE": true, "ONLY": true,
	"LOW_PRIORITY": true, "QUICK": true, "DELAYED": true, "HIGH_PRIORITY": true, "TEMPORARY": true,
}

func isModifier(t token) bool {
	return t.kind == tokWord && modifierKeywords[strings.ToUpper(t.text)]
}

func isClause(t token) bool {
	return t.kind == tokWord && (clauseKeywords[strings.ToUpper(t.text)] || modifierKeywords[strings.ToUpper(t.text)])
}

// tableList reads table references starting at toks[i]. When list is true a
// comma-separated list with optional aliases is accepted.
func tableList(toks []token, i int, list bool) []string {
	var names []string
	for i < len(toks) {
		for i < len(toks) && isModifier(toks[i]) {
			i++
		}
		if i >= len(toks) || !toks[i].ident() || isClause(toks[i]) {
			break
		}
		names = append(names, toks[i].text)
		i++
		if !list {
			break
		}
		if i < len(toks) && toks[i].word("AS") {
			i += 2
		} else if i < len(toks) && toks[i].ident() && !isClause(toks[i]) {
			i++
		}
		if i < len(toks) && toks[i].kind == tokPunct && toks[i].text == "," {
			i++
			continue
		}
		break
	}
	return names
}

// cteNames returns the lower-cased names defined by a leading WITH clause.
func cteNames(toks []token) map[string]bool {
	names := map[string]bool{}
	for i := 0; i+3 < len(toks); i++ {
		if (toks[i].word("WITH") || toks[i].word("RECURSIVE") || (toks[i].kind == tokPunct && toks[i].text == ",")) &&
			toks[i+1].ident() && toks[i+2].word("AS") && toks[i+3].kind == tokPunct && toks[i+3].text == "(" {
			names[strings.ToLower(toks[i+1].text)] = true
		}
	}
	return names
}

func sameLiteral(a, b token) bool {
	if a.kind != b.kind {
		return false
	}
	return (a.kind == tokNumber || a.kind == tokString) && a.text == b.text
}
