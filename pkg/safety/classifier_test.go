package safety

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/querypilot/querypilot/pkg/mcp"
)

func sqlAssessment(t *testing.T, sql string) Assessment {
	t.Helper()
	return ClassifySQL(Target{Kind: mcp.KindPostgres, Resource: "db"}, sql)
}

func TestClassifySQLRiskLadder(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want Risk
	}{
		{"guarded select", "SELECT * FROM users WHERE id = 1 LIMIT 10", RiskSafe},
		{"select with where only", "SELECT * FROM users WHERE id = 1", RiskSafe},
		{"unbounded select", "SELECT * FROM users", RiskLow},
		{"insert", "INSERT INTO t (a) VALUES (1)", RiskLow},
		{"guarded update", "UPDATE t SET a = 1 WHERE id = 2", RiskMedium},
		{"guarded delete", "DELETE FROM t WHERE id = 2", RiskMedium},
		{"update without where", "UPDATE t SET a = 1", RiskHigh},
		{"delete without where", "DELETE FROM t", RiskHigh},
		{"grant", "GRANT ALL ON t TO bob", RiskHigh},
		{"drop table", "DROP TABLE users", RiskCritical},
		{"truncate", "TRUNCATE users", RiskCritical},
		{"create table", "CREATE TABLE t (id int)", RiskHigh},
		{"commit", "COMMIT", RiskLow},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, sqlAssessment(t, tc.sql).Risk)
		})
	}
}

func TestClassifySQLProductionDDL(t *testing.T) {
	prod := Target{Kind: mcp.KindPostgres, Resource: "orders-prod", Production: true}
	a := ClassifySQL(prod, "ALTER TABLE orders ADD COLUMN note text")
	assert.Equal(t, RiskCritical, a.Risk)

	dev := Target{Kind: mcp.KindPostgres, Resource: "orders-dev"}
	a = ClassifySQL(dev, "ALTER TABLE orders ADD COLUMN note text")
	assert.Equal(t, RiskHigh, a.Risk)
}

func TestClassifySQLInjectionForcesCritical(t *testing.T) {
	for _, sql := range []string{
		"SELECT * FROM users WHERE name = 'x' OR 1=1",
		"SELECT 1; DROP TABLE users",
		"SELECT * FROM users WHERE name = 'a' --",
		"SELECT a FROM t UNION SELECT password FROM credentials",
	} {
		a := sqlAssessment(t, sql)
		assert.Equal(t, RiskCritical, a.Risk, "query: %s", sql)
		assert.NotEmpty(t, a.Reasons)
	}
}

func TestClassifySQLWeakIndicatorEscalatesOnly(t *testing.T) {
	// CHAR() alone is below the sensitivity threshold: escalate, don't
	// force CRITICAL.
	a := sqlAssessment(t, "SELECT * FROM t WHERE name = CHAR(97) LIMIT 1")
	assert.Equal(t, RiskHigh, a.Risk)
}

func TestClassifyDocumentRules(t *testing.T) {
	tests := []struct {
		name string
		doc  mcp.DocumentRequest
		want Risk
	}{
		{"filtered find", mcp.DocumentRequest{Operation: mcp.DocFind, Collection: "c",
			Filter: map[string]any{"a": 1}}, RiskSafe},
		{"unbounded find", mcp.DocumentRequest{Operation: mcp.DocFind, Collection: "c"}, RiskLow},
		{"insert", mcp.DocumentRequest{Operation: mcp.DocInsertOne, Collection: "c",
			Documents: []map[string]any{{"a": 1}}}, RiskLow},
		{"filtered update_many", mcp.DocumentRequest{Operation: mcp.DocUpdateMany, Collection: "c",
			Filter: map[string]any{"a": 1}, Update: map[string]any{"$set": map[string]any{"b": 2}}}, RiskMedium},
		{"empty-filter update_many", mcp.DocumentRequest{Operation: mcp.DocUpdateMany, Collection: "c",
			Update: map[string]any{"$set": map[string]any{"b": 2}}}, RiskHigh},
		{"filtered delete_many", mcp.DocumentRequest{Operation: mcp.DocDeleteMany, Collection: "c",
			Filter: map[string]any{"a": 1}}, RiskMedium},
		{"empty-filter delete_many", mcp.DocumentRequest{Operation: mcp.DocDeleteMany, Collection: "c"}, RiskHigh},
		{"drop collection", mcp.DocumentRequest{Operation: mcp.DocDropCollection, Collection: "c"}, RiskCritical},
		{"drop index", mcp.DocumentRequest{Operation: mcp.DocDropIndex, Collection: "c", Index: "i"}, RiskHigh},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			doc := tc.doc
			a := ClassifyRequest(Target{Kind: mcp.KindMongo}, mcp.Request{Document: &doc})
			assert.Equal(t, tc.want, a.Risk)
		})
	}
}

func TestClassifyKVRules(t *testing.T) {
	tests := []struct {
		kv   mcp.KVRequest
		want Risk
	}{
		{mcp.KVRequest{Op: mcp.KVGet, Key: "k"}, RiskSafe},
		{mcp.KVRequest{Op: mcp.KVKeys, Pattern: "*"}, RiskSafe},
		{mcp.KVRequest{Op: mcp.KVSet, Key: "k", Value: "v"}, RiskLow},
		{mcp.KVRequest{Op: mcp.KVDel, Key: "k"}, RiskMedium},
		{mcp.KVRequest{Op: mcp.KVFlush}, RiskCritical},
	}
	for _, tc := range tests {
		t.Run(string(tc.kv.Op), func(t *testing.T) {
			kv := tc.kv
			a := ClassifyRequest(Target{Kind: mcp.KindRedis}, mcp.Request{KV: &kv})
			assert.Equal(t, tc.want, a.Risk)
		})
	}
}

func TestClassifyGraph(t *testing.T) {
	a := ClassifyRequest(Target{Kind: mcp.KindNeo4j},
		mcp.Request{Graph: &mcp.GraphRequest{Cypher: "MATCH (n:User) RETURN n LIMIT 10"}})
	assert.Equal(t, RiskLow, a.Risk)

	a = ClassifyRequest(Target{Kind: mcp.KindNeo4j},
		mcp.Request{Graph: &mcp.GraphRequest{Cypher: "MATCH (n:User) DETACH DELETE n"}})
	assert.Equal(t, RiskHigh, a.Risk)
}

func TestRiskTagOnlyRaises(t *testing.T) {
	assert.Equal(t, RiskHigh, MaxRisk(RiskSafe, RiskHigh))
	assert.Equal(t, RiskCritical, MaxRisk(RiskCritical, RiskLow))
	assert.Equal(t, RiskMedium, MaxRisk(RiskMedium, RiskMedium))
}
