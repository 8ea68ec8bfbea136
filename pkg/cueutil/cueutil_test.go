// SPDX-License-Identifier: MPL-2.0

package cueutil

import (
	"errors"
	"strings"
	"testing"
)

const testSchema = `
#Doc: {
	name:  string & !=""
	count: int & >=0 | *1
	tags?: [...string]
}
`

type testDoc struct {
	Name  string   `json:"name"`
	Count int      `json:"count"`
	Tags  []string `json:"tags,omitempty"`
}

func TestDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		data      string
		wantErr   string
		wantName  string
		wantCount int
	}{
		{name: "defaults applied", data: `name: "a"`, wantName: "a", wantCount: 1},
		{name: "explicit values", data: "name: \"b\"\ncount: 7\ntags: [\"x\"]", wantName: "b", wantCount: 7},
		{name: "constraint violation", data: "name: \"c\"\ncount: -1", wantErr: "count"},
		{name: "closed definition", data: "name: \"d\"\nextra: true", wantErr: "extra"},
		{name: "syntax error", data: `name: "`, wantErr: "doc.cue"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			res, err := Decode[testDoc]([]byte(testSchema), []byte(tt.data), "#Doc", WithFilename("doc.cue"))
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("expected error containing %q", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if res.Value.Name != tt.wantName || res.Value.Count != tt.wantCount {
				t.Errorf("got %+v", res.Value)
			}
		})
	}
}

func TestDecode_MaxFileSize(t *testing.T) {
	t.Parallel()

	_, err := Decode[testDoc]([]byte(testSchema), []byte(`name: "toolong"`), "#Doc", WithMaxFileSize(4))
	if err == nil || !strings.Contains(err.Error(), "exceeds maximum") {
		t.Fatalf("expected size error, got %v", err)
	}
}

func TestDecode_UnknownDefinition(t *testing.T) {
	t.Parallel()

	_, err := Decode[testDoc]([]byte(testSchema), []byte(`name: "a"`), "#Missing")
	if err == nil || !strings.Contains(err.Error(), "internal error") {
		t.Fatalf("expected internal error, got %v", err)
	}
}

func TestFormatError(t *testing.T) {
	t.Parallel()

	if FormatError(nil, "x.cue") != nil {
		t.Error("FormatError(nil) should be nil")
	}
	err := FormatError(errors.New("boom"), "x.cue")
	if err.Error() != "x.cue: boom" {
		t.Errorf("FormatError() = %q", err)
	}
}

func TestFormatPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path []string
		want string
	}{
		{nil, ""},
		{[]string{"name"}, "name"},
		{[]string{"recipe", "steps", "2", "run"}, "recipe.steps[2].run"},
		{[]string{"files", "model"}, "files.model"},
		{[]string{"0"}, "0"},
	}
	for _, tt := range tests {
		if got := formatPath(tt.path); got != tt.want {
			t.Errorf("formatPath(%v) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
