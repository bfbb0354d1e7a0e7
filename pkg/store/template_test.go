package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTemplate(t *testing.T) {
	valid := []string{
		"SELECT partition, offset, timestamp, key, payload FROM {:topic} ORDER BY timestamp desc LIMIT {:limit} OFFSET {:offset}",
		"SELECT * FROM {:topic} -- WHERE json_extract(payload, \"$.fieldName\") = \"something\"\nORDER BY timestamp desc LIMIT {:limit} OFFSET {:offset}",
		"select * from {:topic} where key like '%drop table%' or payload like '%delete%' limit {:limit} offset {:offset};",
		"WITH recent AS (SELECT * FROM {:topic} ORDER BY timestamp DESC) SELECT * FROM recent LIMIT {:limit} OFFSET {:offset}",
		"SELECT replace(payload, 'a', 'b') AS p FROM {:topic}",
		"SELECT \"update\" FROM {:topic} /* insert */",
	}
	for _, q := range valid {
		t.Run(q, func(t *testing.T) {
			assert.NoError(t, ValidateTemplate(q))
		})
	}

	invalid := map[string]string{
		"empty":              "   ",
		"only comment":       "-- SELECT 1",
		"delete":             "DELETE FROM {:topic}",
		"drop":               "DROP TABLE {:topic}",
		"stacked statements": "SELECT 1; DROP TABLE {:topic}",
		"stacked selects":    "SELECT 1; SELECT 2",
		"attach":             "SELECT 1 FROM {:topic}; ATTACH DATABASE 'x.db' AS x",
		"pragma":             "PRAGMA table_info({:topic})",
		"pragma function":    "SELECT * FROM pragma_table_info('x')",
		"schema table":       "SELECT * FROM sqlite_master",
		"cte write":          "WITH x AS (SELECT 1) DELETE FROM {:topic}",
		"replace into":       "WITH x AS (SELECT 1) REPLACE INTO {:topic} SELECT * FROM x",
		"load extension":     "SELECT load_extension('evil')",
		"unterminated":       "SELECT 'abc FROM {:topic}",
		"dollar quoted":      "SELECT * FROM {:topic} WHERE key = $$x; DELETE FROM t; $$",
		"tagged dollar":      "SELECT * FROM {:topic} WHERE key = $k$x; DROP TABLE t; $k$",
		"escape string":      `SELECT * FROM {:topic} WHERE key = E'\'; DELETE FROM t; --'`,
		"nested comment":     "SELECT * FROM {:topic} /* /* */ ; DELETE FROM t; */",
		"positional param":   "SELECT * FROM {:topic} WHERE key = $1",
	}
	for name, q := range invalid {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, ValidateTemplate(q), ErrInvalidQuery)
		})
	}
}

func TestRender(t *testing.T) {
	got, err := Render("SELECT * FROM {:topic} LIMIT {:limit} OFFSET {:offset};", "c1.orders", 20, 40)
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM `c1.orders` LIMIT 20 OFFSET 40", got)

	got, err = Render("SELECT * FROM {:topic} LIMIT {:limit}", "we`ird", -1, 0)
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM `we``ird` LIMIT -1", got)

	_, err = Render("DELETE FROM {:topic}", "c1.orders", 1, 0)
	require.ErrorIs(t, err, ErrInvalidQuery)
}

func TestTableName(t *testing.T) {
	assert.Equal(t, "prod.payments.v1", TableName("prod", "payments.v1"))
}
