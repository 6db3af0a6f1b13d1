package conversion

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/itchyny/gojq"
)

// Result is the engine's pure output: the canonical structured fields
// ready to attach to a Shard, plus the dedup key material the caller uses
// to find or create the matching external relationship.
type Result struct {
	StructuredData map[string]any
	DedupKey       string
}

// LookupFunc resolves a foreign external id (within lookupExternalType) to
// an internal shard id; nil if unresolved. Supplied by the normalization
// worker, which has database access the engine itself does not.
type LookupFunc func(externalType, externalID string) (shardID string, ok bool)

// Convert runs schema against source, producing the canonical structured
// fields. It is pure beyond the injected lookup callback.
func Convert(schema Schema, source map[string]any, lookup LookupFunc) (Result, error) {
	out := map[string]any{}

	for _, m := range schema.FieldMappings {
		val, err := applyMapping(m, source, lookup)
		if err != nil {
			return Result{}, err
		}
		if val == nil {
			if m.Required {
				return Result{}, &ValidationError{Target: m.Target, Reason: "value resolved to nil"}
			}
			continue
		}
		setPath(out, m.Target, val)
	}

	return Result{
		StructuredData: out,
		DedupKey:       computeDedupKey(schema, source),
	}, nil
}

// ReverseConvert maps canonical structuredData back onto vendor field
// names for write-back. Only direct mappings are unambiguously invertible;
// transform, conditional, composite, and lookup mappings are skipped.
func ReverseConvert(schema Schema, structuredData map[string]any) map[string]any {
	out := map[string]any{}
	for _, m := range schema.FieldMappings {
		if m.Kind != KindDirect {
			continue
		}
		v := getPath(structuredData, m.Target)
		if v == nil {
			continue
		}
		setPath(out, m.Source, v)
	}
	return out
}

func applyMapping(m FieldMapping, source map[string]any, lookup LookupFunc) (any, error) {
	switch m.Kind {
	case KindDirect:
		return getPath(source, m.Source), nil

	case KindTransform:
		v := getPath(source, m.Source)
		for _, op := range m.Transforms {
			var err error
			v, err = applyTransform(m.Target, op, v)
			if err != nil {
				return nil, err
			}
		}
		return v, nil

	case KindConditional:
		for _, cond := range m.Conditions {
			if evalCondition(cond, source) {
				return cond.Then, nil
			}
		}
		return m.Default, nil

	case KindDefault:
		return renderTemplate(m.Value, source), nil

	case KindComposite:
		return applyComposite(m, source), nil

	case KindFlatten:
		v, err := applyFlatten(m.Source, source)
		if err != nil {
			return nil, &TransformError{Target: m.Target, Op: "flatten", Reason: err.Error()}
		}
		return v, nil

	case KindLookup:
		externalID, _ := getPath(source, m.Source).(string)
		if externalID == "" || lookup == nil {
			return nil, nil
		}
		shardID, ok := lookup(m.LookupExternalType, externalID)
		if !ok {
			return nil, nil
		}
		return shardID, nil

	default:
		return nil, &TransformError{Target: m.Target, Op: string(m.Kind), Reason: "unknown mapping kind"}
	}
}

func applyComposite(m FieldMapping, source map[string]any) any {
	if m.Template != "" {
		return renderTemplate(m.Template, source)
	}
	parts := make([]string, 0, len(m.Sources))
	for _, src := range m.Sources {
		parts = append(parts, fmt.Sprint(getPath(source, src)))
	}
	sep := m.Separator
	if sep == "" {
		sep = " "
	}
	return strings.Join(parts, sep)
}

func applyFlatten(path string, source map[string]any) (any, error) {
	if !strings.HasPrefix(path, ".") {
		return getPath(source, path), nil
	}

	query, err := gojq.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("parsing jsonpath %q: %w", path, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("compiling jsonpath %q: %w", path, err)
	}

	iter := code.Run(source)
	v, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, ok := v.(error); ok {
		return nil, fmt.Errorf("evaluating jsonpath %q: %w", path, err)
	}
	return v, nil
}

func renderTemplate(tmpl string, source map[string]any) string {
	var b strings.Builder
	i := 0
	for i < len(tmpl) {
		if tmpl[i] == '$' && i+1 < len(tmpl) && tmpl[i+1] == '{' {
			end := strings.IndexByte(tmpl[i:], '}')
			if end == -1 {
				b.WriteByte(tmpl[i])
				i++
				continue
			}
			field := tmpl[i+2 : i+end]
			b.WriteString(fmt.Sprint(getPath(source, field)))
			i += end + 1
			continue
		}
		b.WriteByte(tmpl[i])
		i++
	}
	return b.String()
}

func evalCondition(cond Condition, source map[string]any) bool {
	if cond.Operator == "exists" {
		return getPath(source, cond.Field) != nil
	}

	actual := getPath(source, cond.Field)
	switch cond.Operator {
	case "eq":
		return fmt.Sprint(actual) == fmt.Sprint(cond.Value)
	case "neq":
		return fmt.Sprint(actual) != fmt.Sprint(cond.Value)
	case "gt", "gte", "lt", "lte":
		af, aok := toFloat(actual)
		bf, bok := toFloat(cond.Value)
		if !aok || !bok {
			return false
		}
		switch cond.Operator {
		case "gt":
			return af > bf
		case "gte":
			return af >= bf
		case "lt":
			return af < bf
		default:
			return af <= bf
		}
	case "contains":
		return strings.Contains(fmt.Sprint(actual), fmt.Sprint(cond.Value))
	case "starts_with":
		return strings.HasPrefix(fmt.Sprint(actual), fmt.Sprint(cond.Value))
	case "ends_with":
		return strings.HasSuffix(fmt.Sprint(actual), fmt.Sprint(cond.Value))
	case "in", "not_in":
		list, ok := cond.Value.([]any)
		found := false
		if ok {
			for _, item := range list {
				if fmt.Sprint(item) == fmt.Sprint(actual) {
					found = true
					break
				}
			}
		}
		if cond.Operator == "in" {
			return found
		}
		return !found
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// getPath reads a dot-separated path out of a nested map.
func getPath(m map[string]any, path string) any {
	if path == "" {
		return nil
	}
	parts := strings.Split(path, ".")
	var cur any = m
	for _, p := range parts {
		asMap, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = asMap[p]
		if !ok {
			return nil
		}
	}
	return cur
}

// setPath writes a dot-separated path into a nested map, creating
// intermediate maps as needed.
func setPath(m map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	cur := m
	for i, p := range parts {
		if i == len(parts)-1 {
			cur[p] = value
			return
		}
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[p] = next
		}
		cur = next
	}
}

func computeDedupKey(schema Schema, source map[string]any) string {
	switch schema.Dedup {
	case DedupFieldMatch:
		fields := append([]string(nil), schema.DedupFields...)
		sort.Strings(fields)
		var parts []string
		for _, f := range fields {
			parts = append(parts, fmt.Sprintf("%s=%v", f, getPath(source, f)))
		}
		return hashParts(parts)

	case DedupComposite:
		var parts []string
		for k, v := range source {
			parts = append(parts, fmt.Sprintf("%s=%v", k, v))
		}
		sort.Strings(parts)
		return hashParts(parts)

	default: // DedupExternalID
		id := getPath(source, "id")
		if id == nil {
			id = getPath(source, "Id")
		}
		return fmt.Sprint(id)
	}
}

func hashParts(parts []string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h[:])
}
