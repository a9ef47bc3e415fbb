package image

import (
	"errors"
	"testing"
)

func TestParseReference(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Reference
		wantErr bool
	}{
		{
			name:  "name only defaults to latest",
			input: "alpine",
			want:  Reference{Name: "alpine", Tag: "latest"},
		},
		{
			name:  "name and tag",
			input: "ubuntu:22.04",
			want:  Reference{Name: "ubuntu", Tag: "22.04"},
		},
		{
			name:  "splits at first colon",
			input: "busybox:1.36:extra",
			want:  Reference{Name: "busybox", Tag: "1.36:extra"},
		},
		{
			name:  "user repository",
			input: "grafana/loki:2.9.0",
			want:  Reference{Name: "grafana/loki", Tag: "2.9.0"},
		},
		{
			name:    "empty string",
			input:   "",
			wantErr: true,
		},
		{
			name:    "empty name",
			input:   ":latest",
			wantErr: true,
		},
		{
			name:    "empty tag",
			input:   "alpine:",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseReference(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidReference) {
					t.Fatalf("ParseReference(%q) error = %v, want ErrInvalidReference", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseReference(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseReference(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestReference_Repository(t *testing.T) {
	tests := []struct {
		ref       Reference
		namespace string
		want      string
	}{
		{Reference{Name: "alpine", Tag: "latest"}, "library", "library/alpine"},
		{Reference{Name: "grafana/loki", Tag: "latest"}, "library", "grafana/loki"},
		{Reference{Name: "alpine", Tag: "latest"}, "", "alpine"},
	}

	for _, tt := range tests {
		if got := tt.ref.Repository(tt.namespace); got != tt.want {
			t.Errorf("%v.Repository(%q) = %q, want %q", tt.ref, tt.namespace, got, tt.want)
		}
	}
}

func TestReference_String(t *testing.T) {
	ref, err := ParseReference("alpine")
	if err != nil {
		t.Fatalf("ParseReference failed: %v", err)
	}
	if ref.String() != "alpine:latest" {
		t.Errorf("String() = %q, want %q", ref.String(), "alpine:latest")
	}
}
