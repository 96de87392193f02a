package format

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/seantiz/quarry/internal/model"
)

// CSV writes RFC 4180 records. The header row is optional.
type CSV struct {
	WriteHeader bool
}

func (c CSV) ResultType() model.ResultType { return model.ResultTypeCSV }
func (c CSV) Extension() string            { return ".csv" }
func (c CSV) ContentType() string          { return "text/csv" }

func (c CSV) Header(columns []string) ([]byte, error) {
	if !c.WriteHeader {
		return nil, nil
	}
	return csvLine(columns)
}

func (c CSV) Row(_ []string, _ int, values []any) ([]byte, error) {
	fields := make([]string, len(values))
	for i, v := range values {
		fields[i] = csvField(v)
	}
	return csvLine(fields)
}

func (c CSV) Footer() ([]byte, error) { return nil, nil }

func csvLine(fields []string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(fields); err != nil {
		return nil, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func csvField(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(x)
	}
}
