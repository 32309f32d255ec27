package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDictionaryEmptyPathIsANoOp(t *testing.T) {
	tokens, err := loadDictionary("")
	if err != nil || tokens != nil {
		t.Fatalf("loadDictionary(\"\") = %v, %v; want nil, nil", tokens, err)
	}
}

func TestLoadDictionaryParsesQuotedAndEscapedTokens(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "words.dict")
	content := "# a comment\n\n\"ABCDEF\"\nkw1=\"\\x41\\x42\"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	tokens, err := loadDictionary(path)
	if err != nil {
		t.Fatalf("loadDictionary: %v", err)
	}
	if len(tokens) != 2 {
		t.Fatalf("len(tokens) = %d, want 2", len(tokens))
	}
	if string(tokens[0]) != "ABCDEF" {
		t.Fatalf("tokens[0] = %q, want %q", tokens[0], "ABCDEF")
	}
	if string(tokens[1]) != "AB" {
		t.Fatalf("tokens[1] = %q, want %q (from \\x41\\x42)", tokens[1], "AB")
	}
}

func TestLoadDictionaryRejectsMissingFile(t *testing.T) {
	_, err := loadDictionary(filepath.Join(t.TempDir(), "nope.dict"))
	if err == nil {
		t.Fatalf("loadDictionary: expected an error for a missing file")
	}
}

func TestUnescapeTokenHandlesLiteralBackslashAndQuote(t *testing.T) {
	got, err := unescapeToken(`a\\b\"c`)
	if err != nil {
		t.Fatalf("unescapeToken: %v", err)
	}
	if string(got) != `a\b"c` {
		t.Fatalf("unescapeToken = %q, want %q", got, `a\b"c`)
	}
}

func TestUnescapeTokenRejectsTruncatedHexEscape(t *testing.T) {
	if _, err := unescapeToken(`\x4`); err == nil {
		t.Fatalf("unescapeToken: expected an error for a truncated \\x escape")
	}
}
