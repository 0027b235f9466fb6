package ui

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatTable, false},
		{"table", FormatTable, false},
		{"json", FormatJSON, false},
		{"yaml", FormatYAML, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFormat(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseFormat(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

type row struct {
	ID     string `json:"id" yaml:"id"`
	Status string `json:"status" yaml:"status"`
}

func TestEncode(t *testing.T) {
	rows := []row{{ID: "nightly-20260301-120000", Status: "completed"}}

	var buf bytes.Buffer
	if err := Encode(&buf, FormatJSON, rows); err != nil {
		t.Fatalf("Encode(json) error = %v", err)
	}
	if !strings.Contains(buf.String(), `"id": "nightly-20260301-120000"`) {
		t.Errorf("json output = %s", buf.String())
	}

	buf.Reset()
	if err := Encode(&buf, FormatYAML, rows); err != nil {
		t.Fatalf("Encode(yaml) error = %v", err)
	}
	if !strings.Contains(buf.String(), "- id: nightly-20260301-120000") {
		t.Errorf("yaml output = %s", buf.String())
	}

	if err := Encode(&buf, FormatTable, rows); err == nil {
		t.Error("Encode(table) expected error")
	}
}

func TestTableAndKeyValues(t *testing.T) {
	out := Table([]string{"ID", "FORM"}, [][]string{{"a-20260301-120000", "directory"}})
	if !strings.Contains(out, "a-20260301-120000") || !strings.Contains(out, "FORM") {
		t.Errorf("Table() = %q", out)
	}
	kv := KeyValues("  ", KV("id", "d1"), KV("status", "failed"))
	if strings.Count(kv, "\n") != 2 || !strings.Contains(kv, "d1") {
		t.Errorf("KeyValues() = %q", kv)
	}
}

func TestBytes(t *testing.T) {
	tests := map[int64]string{0: "0 B", 1023: "1023 B", 1024: "1.0 KiB", 5 << 20: "5.0 MiB"}
	for in, want := range tests {
		if got := Bytes(in); got != want {
			t.Errorf("Bytes(%d) = %q, want %q", in, got, want)
		}
	}
}
