package sqlfeat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTypeWeight(t *testing.T) {
	tests := []struct {
		op   string
		want float64
	}{
		{"DROP", WeightDDL},
		{"truncate", WeightDDL},
		{"GRANT", WeightDDL},
		{"UPDATE", WeightDML},
		{"delete", WeightDML},
		{"INSERT", WeightDML},
		{"SELECT", WeightRead},
		{"SHOW", WeightRead},
		{"", WeightRead},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TypeWeight(tt.op), tt.op)
	}
}

func TestStripUserHint(t *testing.T) {
	clean, user := StripUserHint("/* user_id:alice */ SELECT * FROM users")
	assert.Equal(t, "SELECT * FROM users", clean)
	assert.Equal(t, "alice", user)

	clean, user = StripUserHint("SELECT 1")
	assert.Equal(t, "SELECT 1", clean)
	assert.Empty(t, user)
}

func TestAnalyzeTables(t *testing.T) {
	tests := []struct {
		name   string
		sql    string
		op     string
		tables []string
	}{
		{"select join", "SELECT * FROM salary s JOIN customers c ON s.id = c.id WHERE s.amount > 100", "SELECT", []string{"salary", "customers"}},
		{"comma list", "SELECT a FROM t1, t2 AS b WHERE t1.id = b.id", "SELECT", []string{"t1", "t2"}},
		{"insert", "INSERT INTO orders (id, amount) VALUES (1, 2)", "INSERT", []string{"orders"}},
		{"update", "UPDATE users SET name = 'x' WHERE id = 1", "UPDATE", []string{"users"}},
		{"delete", "DELETE FROM logs WHERE id < 5", "DELETE", []string{"logs"}},
		{"drop if exists", "DROP TABLE IF EXISTS audit_tmp", "DROP", []string{"audit_tmp"}},
		{"truncate", "TRUNCATE TABLE logs", "TRUNCATE", []string{"logs"}},
		{"quoted qualified", "SELECT * FROM `hr`.`salary`", "SELECT", []string{"hr.salary"}},
		{"subquery", "SELECT * FROM (SELECT id FROM secret) x", "SELECT", []string{"secret"}},
		{"cte", "WITH recent AS (SELECT * FROM orders) SELECT * FROM recent", "SELECT", []string{"orders"}},
		{"string literal ignored", "SELECT 'FROM fake' FROM real_table", "SELECT", []string{"real_table"}},
		{"comments ignored", "SELECT 1 -- FROM hidden\nFROM shown /* FROM nope */", "SELECT", []string{"shown"}},
		{"grant", "GRANT ALL ON db.* TO someone", "GRANT", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := Analyze(tt.sql)
			assert.Equal(t, tt.op, st.Operation)
			assert.Equal(t, tt.tables, st.Tables)
		})
	}
}

func TestAnalyzeShapeFeatures(t *testing.T) {
	st := Analyze("SELECT * FROM a JOIN b ON a.id = b.id JOIN c ON c.x = b.x WHERE a.v IN (SELECT v FROM d) AND 1=1")
	assert.Equal(t, 2, st.JoinCount)
	assert.Equal(t, 1, st.NestedLevel)
	assert.True(t, st.HasAlwaysTrue)
	assert.Equal(t, 4, st.ConditionCount)
	assert.Equal(t, []string{"a", "b", "c", "d"}, st.Tables)
}

func TestAnalyzeUserHint(t *testing.T) {
	st := Analyze("/* user_id:bob */ DELETE FROM accounts")
	assert.Equal(t, "bob", st.UserHint)
	assert.Equal(t, "DELETE", st.Operation)
	assert.Equal(t, WeightDML, st.Weight)
	assert.Equal(t, []string{"accounts"}, st.Tables)
}

func TestAnalyzeEmpty(t *testing.T) {
	st := Analyze("   ")
	assert.Equal(t, "", st.Operation)
	assert.Equal(t, WeightRead, st.Weight)
	assert.Empty(t, st.Tables)
}
