package collect

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/barryq93/db2prom/internal/types"
	"github.com/barryq93/db2prom/internal/utils"
)

var backRef = regexp.MustCompile(`^\$(\d+)$`)

// Tuple is one mapped observation: gauge name, value and the full label set
// to store it under.
type Tuple struct {
	Name   string
	Value  float64
	Labels map[string]string
}

// ValueExtractionError reports a value column that is out of range or not
// interpretable as a number.
type ValueExtractionError struct {
	Gauge string
	Col   int
	Cause error
}

func (e *ValueExtractionError) Error() string {
	return fmt.Sprintf("gauge %s: extracting value from column %d: %v", e.Gauge, e.Col, e.Cause)
}

func (e *ValueExtractionError) Unwrap() error { return e.Cause }

// LabelExtractionError reports a $N label template referencing a column
// outside the row.
type LabelExtractionError struct {
	Gauge string
	Label string
	Col   int
	Width int
}

func (e *LabelExtractionError) Error() string {
	return fmt.Sprintf("gauge %s: label %s references column %d of a %d-column row", e.Gauge, e.Label, e.Col, e.Width)
}

// MapRow turns one result row into a metric tuple for the given gauge spec.
// Column indexes are 1-based. Connection labels are merged in under the
// gauge's own labels; gauge labels win on key collision. Row-derived label
// values pass through Sanitize, literals do not.
func MapRow(row []interface{}, gauge types.Gauge, connLabels map[string]string) (Tuple, error) {
	if gauge.Col < 1 || gauge.Col > len(row) {
		return Tuple{}, &ValueExtractionError{
			Gauge: gauge.Name,
			Col:   gauge.Col,
			Cause: fmt.Errorf("column index out of range for %d-column row", len(row)),
		}
	}
	value, err := toFloat(row[gauge.Col-1])
	if err != nil {
		return Tuple{}, &ValueExtractionError{Gauge: gauge.Name, Col: gauge.Col, Cause: err}
	}

	gaugeLabels := make(map[string]string, len(gauge.ExtraLabels))
	for k, tmpl := range gauge.ExtraLabels {
		m := backRef.FindStringSubmatch(tmpl)
		if m == nil {
			gaugeLabels[k] = tmpl
			continue
		}
		idx, _ := strconv.Atoi(m[1])
		if idx < 1 || idx > len(row) {
			return Tuple{}, &LabelExtractionError{Gauge: gauge.Name, Label: k, Col: idx, Width: len(row)}
		}
		gaugeLabels[k] = Sanitize(toString(row[idx-1]))
	}

	return Tuple{
		Name:   gauge.Name,
		Value:  value,
		Labels: utils.MergeLabels(connLabels, gaugeLabels),
	}, nil
}

func toFloat(cell interface{}) (float64, error) {
	switch v := cell.(type) {
	case nil:
		return 0, fmt.Errorf("null value where a number is required")
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case []byte:
		return strconv.ParseFloat(string(v), 64)
	case string:
		return strconv.ParseFloat(v, 64)
	default:
		return 0, fmt.Errorf("unsupported value type %T", cell)
	}
}

func toString(cell interface{}) string {
	switch v := cell.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case time.Time:
		return v.Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}
