package render

import (
	"bytes"
	"testing"
)

type counts struct {
	Pending int `json:"pending" yaml:"pending"`
	Done    int `json:"done" yaml:"done"`
}

func (c counts) Table() ([]string, [][]string) {
	return []string{"STATUS", "COUNT"}, [][]string{
		{"pending", "12"},
		{"done", "3"},
	}
}

func TestRenderTable(t *testing.T) {
	var buf bytes.Buffer
	if err := NewRenderer(&buf, Options{Format: FormatTable}).Render(counts{}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	want := "STATUS   COUNT\n-------  -----\npending  12\ndone     3\n"
	if buf.String() != want {
		t.Errorf("got:\n%s\nwant:\n%s", buf.String(), want)
	}
}

func TestRenderTableAlignsWideRunes(t *testing.T) {
	var buf bytes.Buffer
	r := NewRenderer(&buf, Options{Format: FormatTable})
	if err := r.RenderTable([]string{"CODE", "PLACE"}, [][]string{{"公園", "x"}, {"1-1", "y"}}); err != nil {
		t.Fatal(err)
	}
	want := "CODE  PLACE\n----  -----\n公園    x\n1-1   y\n"
	if buf.String() != want {
		t.Errorf("got:\n%q\nwant:\n%q", buf.String(), want)
	}
}

func TestRenderFormats(t *testing.T) {
	tests := []struct {
		format Format
		want   string
	}{
		{FormatJSON, "{\n  \"pending\": 1,\n  \"done\": 2\n}\n"},
		{FormatYAML, "pending: 1\ndone: 2\n"},
		{FormatTSV, "STATUS\tCOUNT\npending\t12\ndone\t3\n"},
	}

	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			var buf bytes.Buffer
			if err := NewRenderer(&buf, Options{Format: tt.format}).Render(counts{Pending: 1, Done: 2}); err != nil {
				t.Fatalf("Render failed: %v", err)
			}
			if buf.String() != tt.want {
				t.Errorf("got %q, want %q", buf.String(), tt.want)
			}
		})
	}
}

func TestRenderRequiresTabular(t *testing.T) {
	var buf bytes.Buffer
	if err := NewRenderer(&buf, Options{Format: FormatTable}).Render(map[string]int{"a": 1}); err == nil {
		t.Fatal("expected error for non-tabular value")
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatTable, "JSON": FormatJSON, " yaml ": FormatYAML, "tsv": FormatTSV} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}
