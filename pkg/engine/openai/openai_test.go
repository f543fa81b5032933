package openai

import (
	"testing"
	"time"
)

// TestNew_DefaultModel verifies that an empty model string defaults to whisper-1.
func TestNew_DefaultModel(t *testing.T) {
	c, err := New("sk-test", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.model != DefaultModel {
		t.Errorf("expected default model %s, got %s", DefaultModel, c.model)
	}
}

// TestNew_MissingAPIKey checks that an empty API key is rejected.
func TestNew_MissingAPIKey(t *testing.T) {
	_, err := New("", "whisper-1")
	if err == nil {
		t.Fatal("expected error for empty API key")
	}
}

// TestNew_Options verifies that options are accepted and applied.
func TestNew_Options(t *testing.T) {
	c, err := New("sk-test", "whisper-1",
		WithBaseURL("https://custom.example.com"),
		WithOrganization("org-123"),
		WithTimeout(5*time.Second),
		WithLanguage("en"),
		WithSampleRate(48000),
	)
	if err != nil {
		t.Fatalf("unexpected error with valid options: %v", err)
	}
	if c.language != "en" {
		t.Errorf("language = %q, want %q", c.language, "en")
	}
	if c.sampleRate != 48000 {
		t.Errorf("sampleRate = %d, want 48000", c.sampleRate)
	}
}

// TestNew_DefaultSampleRate verifies the 16 kHz default when no option is given.
func TestNew_DefaultSampleRate(t *testing.T) {
	c, err := New("sk-test", "whisper-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.sampleRate != 16000 {
		t.Errorf("sampleRate = %d, want 16000", c.sampleRate)
	}
}
