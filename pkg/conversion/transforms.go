package conversion

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// applyTransform applies one primitive transform op to v, returning the
// transformed value or a TransformError on type mismatch.
func applyTransform(target string, op TransformOp, v any) (any, error) {
	switch op.Op {
	case "uppercase":
		return strings.ToUpper(toString(v)), nil
	case "lowercase":
		return strings.ToLower(toString(v)), nil
	case "trim":
		return strings.TrimSpace(toString(v)), nil
	case "truncate":
		n, _ := op.Args["length"].(float64)
		s := toString(v)
		if int(n) < len(s) && n > 0 {
			return s[:int(n)], nil
		}
		return s, nil
	case "replace":
		old, _ := op.Args["old"].(string)
		new_, _ := op.Args["new"].(string)
		return strings.ReplaceAll(toString(v), old, new_), nil
	case "regex_replace":
		pattern, _ := op.Args["pattern"].(string)
		repl, _ := op.Args["replacement"].(string)
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, &TransformError{Target: target, Op: op.Op, Reason: err.Error()}
		}
		return re.ReplaceAllString(toString(v), repl), nil
	case "split":
		sep, _ := op.Args["separator"].(string)
		return strings.Split(toString(v), sep), nil
	case "concat":
		suffix, _ := op.Args["suffix"].(string)
		prefix, _ := op.Args["prefix"].(string)
		return prefix + toString(v) + suffix, nil
	case "round":
		f, ok := toFloat(v)
		if !ok {
			return nil, &TransformError{Target: target, Op: op.Op, Reason: "value is not numeric"}
		}
		places, _ := op.Args["places"].(float64)
		mult := pow10(int(places))
		return float64(int64(f*mult+0.5)) / mult, nil
	case "multiply":
		f, ok := toFloat(v)
		factor, fok := toFloat(op.Args["factor"])
		if !ok || !fok {
			return nil, &TransformError{Target: target, Op: op.Op, Reason: "value or factor is not numeric"}
		}
		return f * factor, nil
	case "divide":
		f, ok := toFloat(v)
		divisor, dok := toFloat(op.Args["divisor"])
		if !ok || !dok || divisor == 0 {
			return nil, &TransformError{Target: target, Op: op.Op, Reason: "value or divisor invalid"}
		}
		return f / divisor, nil
	case "parse_date":
		layout, _ := op.Args["layout"].(string)
		if layout == "" {
			layout = time.RFC3339
		}
		t, err := time.Parse(layout, toString(v))
		if err != nil {
			return nil, &TransformError{Target: target, Op: op.Op, Reason: err.Error()}
		}
		return t, nil
	case "format_date":
		layout, _ := op.Args["layout"].(string)
		if layout == "" {
			layout = time.RFC3339
		}
		t, ok := v.(time.Time)
		if !ok {
			return nil, &TransformError{Target: target, Op: op.Op, Reason: "value is not a date"}
		}
		return t.Format(layout), nil
	case "add_days":
		days, _ := op.Args["days"].(float64)
		t, ok := v.(time.Time)
		if !ok {
			return nil, &TransformError{Target: target, Op: op.Op, Reason: "value is not a date"}
		}
		return t.AddDate(0, 0, int(days)), nil
	case "to_string":
		return toString(v), nil
	case "to_number":
		f, ok := toFloat(v)
		if !ok {
			return nil, &TransformError{Target: target, Op: op.Op, Reason: "value is not convertible to number"}
		}
		return f, nil
	case "to_bool":
		b, err := strconv.ParseBool(toString(v))
		if err != nil {
			return nil, &TransformError{Target: target, Op: op.Op, Reason: err.Error()}
		}
		return b, nil
	case "to_array":
		if arr, ok := v.([]any); ok {
			return arr, nil
		}
		return []any{v}, nil
	case "to_date":
		if t, ok := v.(time.Time); ok {
			return t, nil
		}
		t, err := time.Parse(time.RFC3339, toString(v))
		if err != nil {
			return nil, &TransformError{Target: target, Op: op.Op, Reason: err.Error()}
		}
		return t, nil
	case "currency_convert":
		f, ok := toFloat(v)
		rate, rok := toFloat(op.Args["rate"])
		if !ok || !rok {
			return nil, &TransformError{Target: target, Op: op.Op, Reason: "value or rate is not numeric"}
		}
		return f * rate, nil
	default:
		return nil, &TransformError{Target: target, Op: op.Op, Reason: "unknown transform op"}
	}
}

func toString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func pow10(n int) float64 {
	result := 1.0
	for i := 0; i < n; i++ {
		result *= 10
	}
	return result
}
