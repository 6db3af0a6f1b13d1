package conversion

import "testing"

func TestConvertDirect(t *testing.T) {
	schema := Schema{
		FieldMappings: []FieldMapping{
			{Target: "name", Kind: KindDirect, Source: "Name"},
		},
		Dedup: DedupExternalID,
	}
	source := map[string]any{"Id": "001", "Name": "Acme Corp"}

	result, err := Convert(schema, source, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.StructuredData["name"] != "Acme Corp" {
		t.Errorf("name = %v, want Acme Corp", result.StructuredData["name"])
	}
	if result.DedupKey != "001" {
		t.Errorf("DedupKey = %q, want 001", result.DedupKey)
	}
}

func TestConvertTransformUppercase(t *testing.T) {
	schema := Schema{
		FieldMappings: []FieldMapping{
			{
				Target: "status",
				Kind:   KindTransform,
				Source: "status",
				Transforms: []TransformOp{
					{Op: "uppercase"},
				},
			},
		},
	}
	result, err := Convert(schema, map[string]any{"status": "open"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.StructuredData["status"] != "OPEN" {
		t.Errorf("status = %v, want OPEN", result.StructuredData["status"])
	}
}

func TestConvertConditional(t *testing.T) {
	schema := Schema{
		FieldMappings: []FieldMapping{
			{
				Target: "tier",
				Kind:   KindConditional,
				Conditions: []Condition{
					{Field: "amount", Operator: "gte", Value: 1000.0, Then: "enterprise"},
					{Field: "amount", Operator: "gte", Value: 100.0, Then: "mid"},
				},
				Default: "small",
			},
		},
	}

	cases := []struct {
		amount float64
		want   string
	}{
		{2000, "enterprise"},
		{500, "mid"},
		{10, "small"},
	}
	for _, c := range cases {
		result, err := Convert(schema, map[string]any{"amount": c.amount}, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.StructuredData["tier"] != c.want {
			t.Errorf("amount=%v: tier = %v, want %v", c.amount, result.StructuredData["tier"], c.want)
		}
	}
}

func TestConvertComposite(t *testing.T) {
	schema := Schema{
		FieldMappings: []FieldMapping{
			{Target: "full_name", Kind: KindComposite, Template: "${first} ${last}"},
		},
	}
	result, err := Convert(schema, map[string]any{"first": "Ada", "last": "Lovelace"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.StructuredData["full_name"] != "Ada Lovelace" {
		t.Errorf("full_name = %v, want %q", result.StructuredData["full_name"], "Ada Lovelace")
	}
}

func TestConvertFlatten(t *testing.T) {
	schema := Schema{
		FieldMappings: []FieldMapping{
			{Target: "city", Kind: KindFlatten, Source: ".address.city"},
		},
	}
	source := map[string]any{
		"address": map[string]any{"city": "Boston"},
	}
	result, err := Convert(schema, source, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.StructuredData["city"] != "Boston" {
		t.Errorf("city = %v, want Boston", result.StructuredData["city"])
	}
}

func TestConvertLookup(t *testing.T) {
	schema := Schema{
		FieldMappings: []FieldMapping{
			{Target: "account_shard_id", Kind: KindLookup, Source: "AccountId", LookupExternalType: "account"},
		},
	}
	lookup := func(externalType, externalID string) (string, bool) {
		if externalType == "account" && externalID == "acc-1" {
			return "shard-123", true
		}
		return "", false
	}
	result, err := Convert(schema, map[string]any{"AccountId": "acc-1"}, lookup)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.StructuredData["account_shard_id"] != "shard-123" {
		t.Errorf("account_shard_id = %v, want shard-123", result.StructuredData["account_shard_id"])
	}
}

func TestConvertRequiredFieldMissing(t *testing.T) {
	schema := Schema{
		FieldMappings: []FieldMapping{
			{Target: "name", Kind: KindDirect, Source: "missing_field", Required: true},
		},
	}
	_, err := Convert(schema, map[string]any{}, nil)
	if err == nil {
		t.Fatal("expected ValidationError")
	}
	if _, ok := err.(*ValidationError); !ok {
		t.Errorf("expected *ValidationError, got %T", err)
	}
}

func TestConvertTransformTypeMismatch(t *testing.T) {
	schema := Schema{
		FieldMappings: []FieldMapping{
			{
				Target: "amount",
				Kind:   KindTransform,
				Source: "amount",
				Transforms: []TransformOp{
					{Op: "multiply", Args: map[string]any{"factor": 2.0}},
				},
			},
		},
	}
	_, err := Convert(schema, map[string]any{"amount": "not-a-number"}, nil)
	if err == nil {
		t.Fatal("expected TransformError")
	}
	if _, ok := err.(*TransformError); !ok {
		t.Errorf("expected *TransformError, got %T", err)
	}
}

func TestDedupFieldMatch(t *testing.T) {
	schema := Schema{
		Dedup:       DedupFieldMatch,
		DedupFields: []string{"email", "org"},
	}
	source := map[string]any{"email": "a@b.com", "org": "acme"}
	r1, _ := Convert(schema, source, nil)
	r2, _ := Convert(schema, source, nil)
	if r1.DedupKey != r2.DedupKey {
		t.Error("dedup key should be stable across identical input")
	}
	if r1.DedupKey == "" {
		t.Error("dedup key should not be empty")
	}
}
