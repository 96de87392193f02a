package format

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/seantiz/quarry/internal/model"
)

// JSON writes a single array of objects whose keys follow column order.
type JSON struct{}

func (JSON) ResultType() model.ResultType { return model.ResultTypeJSON }
func (JSON) Extension() string            { return ".json" }
func (JSON) ContentType() string          { return "application/json" }

func (JSON) Header([]string) ([]byte, error) { return []byte("["), nil }

func (JSON) Row(columns []string, index int, values []any) ([]byte, error) {
	var buf bytes.Buffer
	if index > 0 {
		buf.WriteByte(',')
	}
	buf.WriteByte('{')
	for i, col := range columns {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(col)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(jsonValue(values[i]))
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", col, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (JSON) Footer() ([]byte, error) { return []byte("]"), nil }

// Drivers return text columns as []byte, which would otherwise marshal as base64.
func jsonValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
