// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package output

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

// queryResult mirrors the shape CLI verbs hand to JSON: tagged fields,
// omitempty on optional ones, and an ignored internal field.
type queryResult struct {
	ProjectID string   `json:"project_id"`
	Dataset   string   `json:"dataset,omitempty"`
	Chunks    int      `json:"chunks"`
	Paths     []string `json:"paths,omitempty"`
	cursor    string
}

func TestJSONToPrettyPrints(t *testing.T) {
	var buf bytes.Buffer
	res := queryResult{
		ProjectID: "widget-4f2k9s",
		Dataset:   "github-acme-widget",
		Chunks:    128,
		cursor:    "never-serialized",
	}

	if err := JSONTo(&buf, res); err != nil {
		t.Fatalf("JSONTo: %v", err)
	}
	got := buf.String()

	for _, want := range []string{
		"  \"project_id\": \"widget-4f2k9s\"",
		"  \"dataset\": \"github-acme-widget\"",
		"  \"chunks\": 128",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if !strings.HasSuffix(got, "}\n") {
		t.Errorf("output should end with a newline, got %q", got)
	}
	if strings.Contains(got, "never-serialized") {
		t.Errorf("unexported field leaked into output:\n%s", got)
	}
}

func TestJSONToOmitsEmptyTaggedFields(t *testing.T) {
	var buf bytes.Buffer
	if err := JSONTo(&buf, queryResult{ProjectID: "widget-4f2k9s"}); err != nil {
		t.Fatalf("JSONTo: %v", err)
	}
	got := buf.String()

	if strings.Contains(got, "dataset") {
		t.Errorf("empty dataset should be omitted:\n%s", got)
	}
	if strings.Contains(got, "paths") {
		t.Errorf("nil paths should be omitted:\n%s", got)
	}
	if !strings.Contains(got, `"chunks": 0`) {
		t.Errorf("untagged-omitempty zero should stay:\n%s", got)
	}
}

func TestJSONCompactToIsSingleLine(t *testing.T) {
	var buf bytes.Buffer
	res := queryResult{ProjectID: "widget-4f2k9s", Chunks: 7}

	if err := JSONCompactTo(&buf, res); err != nil {
		t.Fatalf("JSONCompactTo: %v", err)
	}
	got := buf.String()

	if strings.Count(got, "\n") != 1 {
		t.Errorf("compact output should be one line plus newline, got %q", got)
	}
	if !strings.Contains(got, `"project_id":"widget-4f2k9s"`) {
		t.Errorf("compact output dropped content: %q", got)
	}
}

func TestJSONEscapesContent(t *testing.T) {
	var buf bytes.Buffer
	// Chunk content routinely carries quotes and tabs from source files.
	data := map[string]string{
		"content": "func Greet() {\n\tprintln(\"hello\")\n}",
		"path":    "internal/app/greet.go",
	}

	if err := JSONTo(&buf, data); err != nil {
		t.Fatalf("JSONTo: %v", err)
	}
	got := buf.String()

	if !strings.Contains(got, `\"hello\"`) {
		t.Errorf("quotes not escaped: %s", got)
	}
	if !strings.Contains(got, `\t`) || !strings.Contains(got, `\n`) {
		t.Errorf("whitespace not escaped: %s", got)
	}
}

func TestJSONErrorToShape(t *testing.T) {
	var buf bytes.Buffer
	if err := JSONErrorTo(&buf, errors.New("vector store unreachable")); err != nil {
		t.Fatalf("JSONErrorTo: %v", err)
	}
	got := buf.String()

	if !strings.Contains(got, `"error": "vector store unreachable"`) {
		t.Errorf("error field missing: %s", got)
	}
}

func TestJSONToNilPointerEncodesNull(t *testing.T) {
	var buf bytes.Buffer
	type result struct {
		Summary *queryResult `json:"summary"`
	}

	if err := JSONTo(&buf, result{}); err != nil {
		t.Fatalf("JSONTo: %v", err)
	}
	if !strings.Contains(buf.String(), `"summary": null`) {
		t.Errorf("nil pointer should encode as null: %s", buf.String())
	}
}

func TestJSONToUnencodableFails(t *testing.T) {
	var buf bytes.Buffer
	if err := JSONTo(&buf, map[string]any{"ch": make(chan int)}); err == nil {
		t.Fatal("channel value should not encode")
	}
}
