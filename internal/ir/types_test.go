package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseColumnType(t *testing.T) {
	for _, in := range []string{"text", "TEXT", " Text ", "string"} {
		got, err := ParseColumnType(in)
		require.NoError(t, err, in)
		assert.Equal(t, ColumnTypeText, got, in)
	}
	for _, in := range []string{"integer", "INT", "Integer"} {
		got, err := ParseColumnType(in)
		require.NoError(t, err, in)
		assert.Equal(t, ColumnTypeInteger, got, in)
	}

	_, err := ParseColumnType("real")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown column type")
}

func TestColumnTypeFromSQL(t *testing.T) {
	assert.Equal(t, ColumnTypeInteger, ColumnTypeFromSQL("INTEGER"))
	assert.Equal(t, ColumnTypeInteger, ColumnTypeFromSQL("bigint"))
	assert.Equal(t, ColumnTypeText, ColumnTypeFromSQL("TEXT"))
	assert.Equal(t, ColumnTypeText, ColumnTypeFromSQL("varchar(20)"))
	assert.Equal(t, ColumnTypeText, ColumnTypeFromSQL(""))
}

func TestColumnTypeCoerce(t *testing.T) {
	v, err := ColumnTypeText.Coerce(Int(12))
	require.NoError(t, err)
	assert.Equal(t, Text("12"), v)

	v, err = ColumnTypeInteger.Coerce(Text(" 34 "))
	require.NoError(t, err)
	assert.Equal(t, Int(34), v)

	v, err = ColumnTypeInteger.Coerce(nil)
	require.NoError(t, err)
	assert.Equal(t, Null{}, v)

	_, err = ColumnTypeInteger.Coerce(Text("twelve"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not an integer")
}

func TestColumnTypeStringAndSQL(t *testing.T) {
	assert.Equal(t, "text", ColumnTypeText.String())
	assert.Equal(t, "integer", ColumnTypeInteger.String())
	assert.Equal(t, "TEXT", ColumnTypeText.SQL())
	assert.Equal(t, "INTEGER", ColumnTypeInteger.SQL())
	assert.False(t, ColumnType(0).Valid())
	assert.Equal(t, "ColumnType(9)", ColumnType(9).String())
}

func TestTableSchemaColumn(t *testing.T) {
	schema := TableSchema{
		Name: "kexts",
		Columns: []ColumnDef{
			{Name: "name", Type: ColumnTypeText, NotNull: true},
			{Name: "version", Type: ColumnTypeText},
		},
	}

	col, ok := schema.Column("NAME")
	require.True(t, ok)
	assert.Equal(t, "name", col.Name)

	_, ok = schema.Column("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"name", "version"}, schema.ColumnNames())
}

func TestRowRefString(t *testing.T) {
	assert.Equal(t, "kexts#3", RowRef{Table: "kexts", ID: 3}.String())
}
