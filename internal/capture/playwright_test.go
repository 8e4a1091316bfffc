package capture

import (
	"context"
	"regexp"
	"testing"
)

func TestNewPlaywrightCapturer(t *testing.T) {
	if _, err := NewPlaywrightCapturer(context.Background(), DefaultPlaywrightConfig()); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}

	config := DefaultPlaywrightConfig()
	config.ViewportWidth = 0
	if _, err := NewPlaywrightCapturer(context.Background(), config); err == nil {
		t.Errorf("Expected error for empty viewport")
	}
}

func TestMaskScript(t *testing.T) {
	first, err := maskScript()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	second, err := maskScript()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	className := regexp.MustCompile(`mask-[0-9a-f]{16}`)
	if !className.MatchString(first) {
		t.Errorf("Expected a generated mask class in %s", first)
	}
	if className.FindString(first) == className.FindString(second) {
		t.Errorf("Expected a fresh mask class per capture")
	}
}
