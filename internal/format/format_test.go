package format

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/quarry/internal/model"
)

func TestCSVWithHeader(t *testing.T) {
	out, err := Format(CSV{WriteHeader: true}, []string{"id", "name"}, [][]any{
		{int64(1), "alice"},
		{int64(2), "bob, jr"},
	})
	require.NoError(t, err)
	assert.Equal(t, "id,name\n1,alice\n2,\"bob, jr\"\n", string(out))
}

func TestCSVWithoutHeader(t *testing.T) {
	out, err := Format(CSV{}, []string{"id"}, [][]any{{int64(7)}})
	require.NoError(t, err)
	assert.Equal(t, "7\n", string(out))
}

func TestCSVValueKinds(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	out, err := Format(CSV{}, []string{"a", "b", "c", "d", "e"}, [][]any{
		{nil, true, 1.5, []byte("raw"), ts},
	})
	require.NoError(t, err)
	assert.Equal(t, ",true,1.5,raw,2024-01-02T03:04:05Z\n", string(out))
}

func TestCSVQuotesEmbeddedQuotesAndNewlines(t *testing.T) {
	out, err := Format(CSV{}, []string{"v"}, [][]any{{"say \"hi\"\nbye"}})
	require.NoError(t, err)
	assert.Equal(t, "\"say \"\"hi\"\"\nbye\"\n", string(out))
}

func TestJSONPreservesColumnOrder(t *testing.T) {
	out, err := Format(JSON{}, []string{"z", "a"}, [][]any{
		{int64(1), "x"},
		{nil, []byte("y")},
	})
	require.NoError(t, err)
	assert.Equal(t, `[{"z":1,"a":"x"},{"z":null,"a":"y"}]`, string(out))

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Len(t, decoded, 2)
}

func TestJSONEmpty(t *testing.T) {
	out, err := Format(JSON{}, []string{"a"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(out))
}

func TestWriterRejectsShortRow(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(JSON{}, &buf)
	require.NoError(t, w.Begin([]string{"a", "b"}))

	err := w.Write([]any{1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "got 1 values for 2 columns")
	assert.Equal(t, 0, w.Count())
}

func TestFormatIsDeterministic(t *testing.T) {
	cols := []string{"k", "v"}
	rows := [][]any{{"a", int64(1)}, {"b", int64(2)}}
	for _, f := range []Formatter{CSV{WriteHeader: true}, JSON{}} {
		first, err := Format(f, cols, rows)
		require.NoError(t, err)
		second, err := Format(f, cols, rows)
		require.NoError(t, err)
		assert.Equal(t, first, second, "formatter %s", f.ResultType())
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(CSV{}, JSON{})

	f, ok := r.Lookup(model.ResultTypeCSV)
	require.True(t, ok)
	assert.Equal(t, ".csv", f.Extension())

	_, ok = r.Lookup("xlsx")
	assert.False(t, ok)

	assert.Equal(t, []model.ResultType{model.ResultTypeCSV, model.ResultTypeJSON}, r.Types())
}
