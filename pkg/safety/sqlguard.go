package safety

import (
	"strings"
)

// StatementType is the coarse class of a SQL statement.
type StatementType string

const (
	StmtSelect  StatementType = "SELECT"
	StmtInsert  StatementType = "INSERT"
	StmtUpdate  StatementType = "UPDATE"
	StmtDelete  StatementType = "DELETE"
	StmtDDL     StatementType = "DDL"
	StmtDCL     StatementType = "DCL"
	StmtTCL     StatementType = "TCL"
	StmtUnknown StatementType = "UNKNOWN"
)

// Indicator flags a structural injection pattern. Indicators inform the
// risk classifier; no single indicator is a verdict on its own.
type Indicator string

const (
	IndicatorOrTrue            Indicator = "or_always_true"
	IndicatorStackedStatements Indicator = "stacked_statements"
	IndicatorCommentTruncation Indicator = "comment_truncation"
	IndicatorUnionSelect       Indicator = "union_select"
	IndicatorCharEvasion       Indicator = "char_evasion"
)

// indicatorWeights order indicators by severity for the sensitivity
// threshold check.
var indicatorWeights = map[Indicator]int{
	IndicatorOrTrue:            3,
	IndicatorStackedStatements: 3,
	IndicatorCommentTruncation: 3,
	IndicatorUnionSelect:       2,
	IndicatorCharEvasion:       1,
}

// Analysis is the structural read of one SQL statement.
type Analysis struct {
	Statement  StatementType
	Keyword    string // the leading keyword as written, uppercased
	Indicators []Indicator
	HasWhere   bool
	HasLimit   bool
	Stacked    bool // more than one statement in the text
}

// MaxIndicatorWeight returns the severity of the strongest indicator.
func (a Analysis) MaxIndicatorWeight() int {
	max := 0
	for _, ind := range a.Indicators {
		if w := indicatorWeights[ind]; w > max {
			max = w
		}
	}
	return max
}

// token kinds produced by the scanner.
type tokenKind int

const (
	tokWord tokenKind = iota
	tokNumber
	tokString
	tokOperator
	tokSemicolon
	tokComment
	tokOpenComment // block comment with no terminator
)

type token struct {
	kind tokenKind
	text string // uppercased for words, verbatim otherwise
}

// AnalyzeSQL reads a statement at a structural level. It tokenizes rather
// than parses: enough to classify the statement, spot guard clauses, and
// flag injection-shaped patterns, without a grammar per dialect.
func AnalyzeSQL(query string) Analysis {
	tokens := scanSQL(query)
	a := Analysis{Statement: StmtUnknown}

	words := 0
	var statements int
	sawContentSinceSemicolon := false
	for i, tok := range tokens {
		switch tok.kind {
		case tokWord:
			words++
			if words == 1 {
				a.Keyword = tok.text
				a.Statement = statementType(tok.text)
			}
			switch tok.text {
			case "WHERE":
				a.HasWhere = true
			case "LIMIT", "FETCH", "TOP":
				a.HasLimit = true
			case "UNION":
				if next, ok := nextWord(tokens, i); ok && (next == "SELECT" || next == "ALL") {
					a.addIndicator(IndicatorUnionSelect)
				}
			case "CHAR", "CHR", "UNHEX":
				if i+1 < len(tokens) && tokens[i+1].text == "(" {
					a.addIndicator(IndicatorCharEvasion)
				}
			case "OR":
				if orAlwaysTrue(tokens, i) {
					a.addIndicator(IndicatorOrTrue)
				}
			}
			sawContentSinceSemicolon = true
		case tokNumber:
			if strings.HasPrefix(tok.text, "0X") && len(tok.text) > 2 {
				a.addIndicator(IndicatorCharEvasion)
			}
			sawContentSinceSemicolon = true
		case tokString, tokOperator:
			sawContentSinceSemicolon = true
		case tokSemicolon:
			if sawContentSinceSemicolon {
				statements++
			}
			sawContentSinceSemicolon = false
		case tokComment:
			// A trailing line comment after real content is the classic
			// truncation shape: everything the caller appended is dead.
			if sawContentSinceSemicolon && i == len(tokens)-1 {
				a.addIndicator(IndicatorCommentTruncation)
			}
		case tokOpenComment:
			a.addIndicator(IndicatorCommentTruncation)
		}
	}
	if sawContentSinceSemicolon {
		statements++
	}
	if statements > 1 {
		a.Stacked = true
		a.addIndicator(IndicatorStackedStatements)
	}
	return a
}

func (a *Analysis) addIndicator(ind Indicator) {
	for _, existing := range a.Indicators {
		if existing == ind {
			return
		}
	}
	a.Indicators = append(a.Indicators, ind)
}

func statementType(keyword string) StatementType {
	switch keyword {
	case "SELECT", "SHOW", "EXPLAIN", "DESCRIBE", "PRAGMA", "WITH", "VALUES":
		return StmtSelect
	case "INSERT", "REPLACE":
		return StmtInsert
	case "UPDATE", "MERGE":
		return StmtUpdate
	case "DELETE":
		return StmtDelete
	case "CREATE", "ALTER", "DROP", "TRUNCATE", "RENAME", "COMMENT", "VACUUM", "REINDEX":
		return StmtDDL
	case "GRANT", "REVOKE", "DENY":
		return StmtDCL
	case "BEGIN", "START", "COMMIT", "ROLLBACK", "SAVEPOINT", "RELEASE", "SET":
		return StmtTCL
	default:
		return StmtUnknown
	}
}

func nextWord(tokens []token, from int) (string, bool) {
	for i := from + 1; i < len(tokens); i++ {
		if tokens[i].kind == tokWord {
			return tokens[i].text, true
		}
		if tokens[i].kind != tokComment {
			return "", false
		}
	}
	return "", false
}

// orAlwaysTrue matches OR TRUE and OR <literal> = <same literal> at the
// token level, including quoted variants like OR '1'='1'.
func orAlwaysTrue(tokens []token, orIndex int) bool {
	rest := make([]token, 0, 3)
	for i := orIndex + 1; i < len(tokens) && len(rest) < 3; i++ {
		if tokens[i].kind == tokComment {
			continue
		}
		rest = append(rest, tokens[i])
	}
	if len(rest) == 0 {
		return false
	}
	if rest[0].kind == tokWord && rest[0].text == "TRUE" {
		return true
	}
	if len(rest) == 3 &&
		(rest[0].kind == tokNumber || rest[0].kind == tokString) &&
		rest[1].kind == tokOperator && rest[1].text == "=" &&
		rest[2].kind == rest[0].kind && rest[2].text == rest[0].text {
		return true
	}
	return false
}

// scanSQL splits query text into tokens. Strings and comments are handled
// so quoted semicolons or keywords never leak into the structural read.
func scanSQL(query string) []token {
	var tokens []token
	i := 0
	n := len(query)
	for i < n {
		c := query[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case c == '-' && i+1 < n && query[i+1] == '-':
			end := strings.IndexByte(query[i:], '\n')
			if end < 0 {
				tokens = append(tokens, token{tokComment, query[i:]})
				i = n
			} else {
				tokens = append(tokens, token{tokComment, query[i : i+end]})
				i += end + 1
			}

		case c == '#':
			end := strings.IndexByte(query[i:], '\n')
			if end < 0 {
				tokens = append(tokens, token{tokComment, query[i:]})
				i = n
			} else {
				tokens = append(tokens, token{tokComment, query[i : i+end]})
				i += end + 1
			}

		case c == '/' && i+1 < n && query[i+1] == '*':
			end := strings.Index(query[i+2:], "*/")
			if end < 0 {
				tokens = append(tokens, token{tokOpenComment, query[i:]})
				i = n
			} else {
				tokens = append(tokens, token{tokComment, query[i : i+end+4]})
				i += end + 4
			}

		case c == '\'' || c == '"' || c == '`':
			text, next := scanQuoted(query, i, c)
			tokens = append(tokens, token{tokString, text})
			i = next

		case c == ';':
			tokens = append(tokens, token{tokSemicolon, ";"})
			i++

		case c >= '0' && c <= '9':
			j := i
			for j < n && (isWordByte(query[j]) || query[j] == '.') {
				j++
			}
			tokens = append(tokens, token{tokNumber, strings.ToUpper(query[i:j])})
			i = j

		case isWordByte(c):
			j := i
			for j < n && isWordByte(query[j]) {
				j++
			}
			tokens = append(tokens, token{tokWord, strings.ToUpper(query[i:j])})
			i = j

		default:
			tokens = append(tokens, token{tokOperator, string(c)})
			i++
		}
	}
	return tokens
}

// scanQuoted returns the unquoted body and the index past the closing
// quote. Doubled quotes escape themselves per SQL convention.
func scanQuoted(query string, start int, quote byte) (string, int) {
	var body strings.Builder
	i := start + 1
	n := len(query)
	for i < n {
		if query[i] == quote {
			if i+1 < n && query[i+1] == quote {
				body.WriteByte(quote)
				i += 2
				continue
			}
			return body.String(), i + 1
		}
		body.WriteByte(query[i])
		i++
	}
	// Unterminated string: treat the rest as the body.
	return body.String(), n
}

func isWordByte(c byte) bool {
	return c == '_' || c == '$' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
