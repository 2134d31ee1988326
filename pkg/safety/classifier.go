package safety

import (
	"fmt"

	"github.com/querypilot/querypilot/pkg/mcp"
)

// Risk is the ordered severity scale assigned to an operation.
type Risk int

const (
	RiskSafe Risk = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r Risk) String() string {
	switch r {
	case RiskSafe:
		return "SAFE"
	case RiskLow:
		return "LOW"
	case RiskMedium:
		return "MEDIUM"
	case RiskHigh:
		return "HIGH"
	case RiskCritical:
		return "CRITICAL"
	}
	return fmt.Sprintf("RISK(%d)", int(r))
}

// MaxRisk returns the higher of two risks.
func MaxRisk(a, b Risk) Risk {
	if a > b {
		return a
	}
	return b
}

// Target describes what an operation runs against. Production marks
// resources where schema changes escalate to CRITICAL.
type Target struct {
	Kind       mcp.Kind
	Resource   string
	Production bool
}

// Assessment is the classifier's verdict with its supporting reasons.
type Assessment struct {
	Risk     Risk
	Reasons  []string
	Analysis *Analysis // populated for SQL input only
}

func (a *Assessment) reason(format string, args ...any) {
	a.Reasons = append(a.Reasons, fmt.Sprintf(format, args...))
}

// sensitivityThreshold is the indicator weight at which an injection
// indicator alone forces CRITICAL. Weaker indicators escalate instead of
// forcing.
const sensitivityThreshold = 2

// ClassifyRequest assigns risk to a backend request: SQL text goes through
// the guard, structured requests through per-backend rules.
func ClassifyRequest(target Target, req mcp.Request) Assessment {
	switch {
	case req.SQL != "":
		return ClassifySQL(target, req.SQL)
	case req.Document != nil:
		return classifyDocument(req.Document)
	case req.KV != nil:
		return classifyKV(req.KV)
	case req.Graph != nil:
		return classifyGraph(req.Graph)
	default:
		a := Assessment{Risk: RiskMedium}
		a.reason("empty request shape")
		return a
	}
}

// ClassifySQL runs the guard over query text and applies the risk rules.
func ClassifySQL(target Target, query string) Assessment {
	analysis := AnalyzeSQL(query)
	a := Assessment{Analysis: &analysis}

	switch analysis.Statement {
	case StmtSelect:
		if analysis.HasLimit || analysis.HasWhere {
			a.Risk = RiskSafe
		} else {
			a.Risk = RiskLow
			a.reason("unbounded read without WHERE or LIMIT")
		}
	case StmtInsert:
		a.Risk = RiskLow
	case StmtUpdate, StmtDelete:
		if analysis.HasWhere {
			a.Risk = RiskMedium
		} else {
			a.Risk = RiskHigh
			a.reason("%s without WHERE clause affects every row", analysis.Statement)
		}
	case StmtDDL:
		switch analysis.Keyword {
		case "DROP", "TRUNCATE":
			a.Risk = RiskCritical
			a.reason("%s destroys data irreversibly", analysis.Keyword)
		default:
			if target.Production {
				a.Risk = RiskCritical
				a.reason("schema change against production resource %q", target.Resource)
			} else {
				a.Risk = RiskHigh
				a.reason("schema change")
			}
		}
	case StmtDCL:
		a.Risk = RiskHigh
		a.reason("permission change")
	case StmtTCL:
		a.Risk = RiskLow
	default:
		a.Risk = RiskMedium
		a.reason("unrecognized statement shape")
	}

	for _, ind := range analysis.Indicators {
		a.reason("injection indicator: %s", ind)
	}
	if analysis.MaxIndicatorWeight() >= sensitivityThreshold {
		a.Risk = RiskCritical
	} else if len(analysis.Indicators) > 0 {
		a.Risk = MaxRisk(a.Risk, RiskHigh)
	}
	return a
}

func classifyDocument(d *mcp.DocumentRequest) Assessment {
	var a Assessment
	switch d.Operation {
	case mcp.DocFind, mcp.DocAggregate, mcp.DocListIndexes:
		if len(d.Filter) == 0 && d.Limit == 0 && d.Operation == mcp.DocFind {
			a.Risk = RiskLow
			a.reason("unbounded collection scan")
		} else {
			a.Risk = RiskSafe
		}
	case mcp.DocInsertOne, mcp.DocInsertMany:
		a.Risk = RiskLow
	case mcp.DocUpdateOne:
		a.Risk = RiskMedium
	case mcp.DocUpdateMany:
		if len(d.Filter) == 0 {
			a.Risk = RiskHigh
			a.reason("update_many with empty filter mutates every document")
		} else {
			a.Risk = RiskMedium
		}
	case mcp.DocDeleteOne:
		a.Risk = RiskMedium
	case mcp.DocDeleteMany:
		if len(d.Filter) == 0 {
			a.Risk = RiskHigh
			a.reason("delete_many with empty filter removes every document")
		} else {
			a.Risk = RiskMedium
		}
	case mcp.DocCreateIndex:
		a.Risk = RiskMedium
	case mcp.DocDropIndex:
		a.Risk = RiskHigh
		a.reason("dropping an index")
	case mcp.DocDropCollection:
		a.Risk = RiskCritical
		a.reason("drop_collection destroys the collection irreversibly")
	default:
		a.Risk = RiskMedium
		a.reason("unknown document operation %q", d.Operation)
	}
	return a
}

func classifyKV(k *mcp.KVRequest) Assessment {
	var a Assessment
	switch k.Op {
	case mcp.KVGet, mcp.KVKeys, mcp.KVType, mcp.KVTTL, mcp.KVHGet:
		a.Risk = RiskSafe
	case mcp.KVSet, mcp.KVIncr, mcp.KVHSet, mcp.KVExpire:
		a.Risk = RiskLow
	case mcp.KVDel:
		a.Risk = RiskMedium
	case mcp.KVFlush:
		a.Risk = RiskCritical
		a.reason("flush removes every key in the database")
	default:
		a.Risk = RiskMedium
		a.reason("unknown kv operation %q", k.Op)
	}
	return a
}

func classifyGraph(g *mcp.GraphRequest) Assessment {
	text := g.Cypher
	if text == "" {
		text = g.Gremlin
	}
	var a Assessment
	a.Risk = RiskLow
	for _, tok := range []string{"DELETE", "DETACH", "DROP", "REMOVE"} {
		if containsWord(text, tok) {
			a.Risk = RiskHigh
			a.reason("graph mutation keyword %s", tok)
			break
		}
	}
	return a
}

// containsWord does a token-level scan so quoted text never matches.
func containsWord(text, word string) bool {
	for _, tok := range scanSQL(text) {
		if tok.kind == tokWord && tok.text == word {
			return true
		}
	}
	return false
}
