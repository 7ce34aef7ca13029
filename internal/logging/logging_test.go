package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestCategoryFieldIsAttached(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, "debug", "json")
	defer Init("info", "text")

	Info(CategoryStatus, "state changed state=%s", "JOINED")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if line["category"] != CategoryStatus {
		t.Errorf("category = %v, want %s", line["category"], CategoryStatus)
	}
	if line["msg"] != "state changed state=JOINED" {
		t.Errorf("msg = %v", line["msg"])
	}
}

func TestLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, "warn", "text")
	defer Init("info", "text")

	Debug(CategoryApp, "hidden")
	Info(CategoryApp, "hidden too")
	Warning(CategoryApp, "visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug/info lines should be filtered, got %q", out)
	}
	if !strings.Contains(out, "visible") {
		t.Errorf("warning line missing, got %q", out)
	}
}

func TestFailAddsOutcome(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, "info", "json")
	defer Init("info", "text")

	Fail(CategoryApp, "boom")

	if !strings.Contains(buf.String(), `"outcome":"fail"`) {
		t.Errorf("expected outcome field, got %q", buf.String())
	}
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, "loud", "text")
	defer Init("info", "text")

	Debug(CategoryApp, "debug line")
	Info(CategoryApp, "info line")

	if strings.Contains(buf.String(), "debug line") {
		t.Errorf("debug should be filtered at fallback level")
	}
	if !strings.Contains(buf.String(), "info line") {
		t.Errorf("info line missing")
	}
}
