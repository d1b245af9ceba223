// pkg/converter/values.go
package converter

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/David-Botos/retail-medallion/pkg/model"
)

// InferColumnType returns INTEGER when every cell is an integer and none is
// NULL, REAL when every non-NULL cell is numeric, and TEXT otherwise. A column
// with no values at all is REAL.
func (c *TypeConverter) InferColumnType(cells []string) model.ColumnType {
	allInts := true
	sawNull := false

	for _, cell := range cells {
		if c.IsNull(cell) {
			sawNull = true
			continue
		}

		v := c.numericText(cell)
		if _, err := strconv.ParseInt(v, 10, 64); err == nil {
			continue
		}
		if !isFloat(v) {
			return model.ColumnText
		}
		allInts = false
	}

	if allInts && !sawNull && len(cells) > 0 {
		return model.ColumnInteger
	}
	return model.ColumnReal
}

// ConvertValue converts a raw cell to the Go value stored for the column type
func (c *TypeConverter) ConvertValue(cell string, colType model.ColumnType) (interface{}, error) {
	if c.IsNull(cell) {
		return nil, nil
	}

	switch colType {
	case model.ColumnInteger:
		v, err := strconv.ParseInt(c.numericText(cell), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cannot convert '%s' to integer", cell)
		}
		return v, nil
	case model.ColumnReal:
		v := c.numericText(cell)
		if !isFloat(v) {
			return nil, fmt.Errorf("cannot convert '%s' to real", cell)
		}
		f, _ := strconv.ParseFloat(v, 64)
		return f, nil
	default:
		return cell, nil
	}
}

func (c *TypeConverter) numericText(cell string) string {
	if c.config.TrimNumbers {
		return strings.TrimSpace(cell)
	}
	return cell
}

// isFloat accepts finite decimal numbers only; Go's parser would also take
// "Inf", "NaN" and hex floats, which are text in a CSV extract
func isFloat(v string) bool {
	if v == "" {
		return false
	}
	for _, r := range v {
		switch {
		case r >= '0' && r <= '9':
		case r == '.', r == '-', r == '+', r == 'e', r == 'E':
		default:
			return false
		}
	}
	_, err := strconv.ParseFloat(v, 64)
	return err == nil
}
