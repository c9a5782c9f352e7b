package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestLevelFromString(t *testing.T) {
	cases := []struct {
		input   string
		want    logrus.Level
		wantErr bool
	}{
		{"report", logrus.InfoLevel, false},
		{"debug", logrus.DebugLevel, false},
		{"WARN", logrus.WarnLevel, false},
		{"bogus", 0, true},
	}
	for _, tc := range cases {
		got, err := levelFromString(tc.input)
		if tc.wantErr {
			if err == nil {
				t.Errorf("levelFromString(%q) expected error", tc.input)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("levelFromString(%q) = %v, %v; want %v", tc.input, got, err, tc.want)
		}
	}
}

func TestWithComponentTagsEntry(t *testing.T) {
	entry := Logger().WithComponent("engine")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "engine" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}

	chained := entry.WithFields(Fields{"symbol": "BTCUSDT"})
	if chained.Entry.Data["component"] != "engine" || chained.Entry.Data["symbol"] != "BTCUSDT" {
		t.Fatalf("chained fields lost: %v", chained.Entry.Data)
	}
}

func TestConfigureRejectsInvalidLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	if err := Logger().Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatal("expected error for invalid level")
	}
}

func TestConfigureRejectsInvalidFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	if err := Logger().Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatal("expected error for invalid format")
	}
}

func TestConfigureReportAliasAndFileOutput(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	log := Logger()
	path := filepath.Join(t.TempDir(), "app.log")

	if err := log.Configure("report", "text", path, 0); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	if log.GetLevel() != logrus.InfoLevel {
		t.Fatalf("report level should map to info, got %v", log.GetLevel())
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("log file not created: %v", err)
	}
}

func TestWithEnvCopiesVariables(t *testing.T) {
	t.Setenv("DEPLOY_REGION", "ap-south-1")
	entry := Logger().WithEnv("DEPLOY_REGION")
	if v, ok := entry.Entry.Data["DEPLOY_REGION"]; !ok || v != "ap-south-1" {
		t.Fatalf("env field not set: %v", entry.Entry.Data)
	}
}

func TestLogMetricDoesNotMutateFields(t *testing.T) {
	fields := Fields{"exchange": "binance"}
	Logger().LogMetric("engine", "snapshots_published", 1, "counter", fields)
	if _, ok := fields["metric"]; ok {
		t.Fatalf("caller fields mutated: %v", fields)
	}
}
