package validation

import (
	"strings"
	"testing"
)

type sample struct {
	Model string   `json:"model_name" validate:"required,max=8"`
	Items []int64  `json:"items" validate:"min=1,max=3"`
	Mode  string   `json:"mode" validate:"omitempty,oneof=a b"`
	Tags  []string `json:"-" validate:"omitempty"`
}

func TestValidateStructValid(t *testing.T) {
	if err := ValidateStruct(&sample{Model: "m", Items: []int64{1}}); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestValidateStructCollectsFields(t *testing.T) {
	err := ValidateStruct(&sample{Model: "", Items: nil, Mode: "c"})
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if len(err.Fields) != 3 {
		t.Fatalf("expected 3 field errors, got %d: %v", len(err.Fields), err)
	}

	byTag := map[string]FieldError{}
	for _, f := range err.Fields {
		byTag[f.Tag] = f
	}
	if f := byTag["required"]; f.Message != "model_name is required" {
		t.Fatalf("unexpected required message %q", f.Message)
	}
	if f := byTag["min"]; f.Message != "items must contain at least 1 entries" {
		t.Fatalf("unexpected min message %q", f.Message)
	}
	if f := byTag["oneof"]; !strings.Contains(f.Message, "one of: a b") {
		t.Fatalf("unexpected oneof message %q", f.Message)
	}
	if !strings.Contains(err.Error(), "; ") {
		t.Fatalf("expected joined message, got %q", err.Error())
	}
}

func TestValidateStructStringMax(t *testing.T) {
	err := ValidateStruct(&sample{Model: "much-too-long", Items: []int64{1}})
	if err == nil || len(err.Fields) != 1 {
		t.Fatalf("expected one error, got %v", err)
	}
	if got := err.Fields[0].Message; got != "model_name must be at most 8 characters" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestGetValidatorIsShared(t *testing.T) {
	if GetValidator() != GetValidator() {
		t.Fatalf("expected a single validator instance")
	}
}
