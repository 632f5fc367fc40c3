package pipeline

import (
	"errors"
	"testing"

	"opflow/contract"
)

func newMixedDataset(t *testing.T) *Dataset {
	t.Helper()
	ds := NewDataset(
		Column{Name: "f1", Type: TypeInt},
		Column{Name: "name", Type: TypeString},
		Column{Name: "f2", Type: TypeDouble},
	)
	if err := ds.Append(int64(1), "a", 0.5); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := ds.Append(int64(2), "b", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	return ds
}

func TestColumnValidator(t *testing.T) {
	ds := newMixedDataset(t)

	tests := []struct {
		name      string
		selectors []ColumnSelector
		wantErr   error
		want      []int
	}{
		{
			name:      "numeric by name and index",
			selectors: []ColumnSelector{ByIndex(0)},
			want:      []int{0},
		},
		{
			name:      "string column",
			selectors: []ColumnSelector{ByName("f1"), ByName("name")},
			wantErr:   contract.ErrNonNumericColumn,
		},
		{
			name:      "null cell",
			selectors: []ColumnSelector{ByName("f2")},
			wantErr:   contract.ErrNonNumericColumn,
		},
		{
			name:      "unknown column",
			selectors: []ColumnSelector{ByName("missing")},
			wantErr:   contract.ErrInvalidColumn,
		},
		{
			name:      "index out of range",
			selectors: []ColumnSelector{ByIndex(3)},
			wantErr:   contract.ErrInvalidColumn,
		},
	}

	validator := FeatureValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := validator.Validate(ds, tt.selectors)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != len(tt.want) || got[0] != tt.want[0] {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestAppendRejectsWrongWidth(t *testing.T) {
	ds := NewDataset(Column{Name: "a", Type: TypeInt})
	if err := ds.Append(int64(1), int64(2)); err == nil {
		t.Fatal("expected width mismatch error")
	}
}
