package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/fhir-import/internal/config"
	"github.com/ehr/fhir-import/internal/platform/fhir"
	"github.com/ehr/fhir-import/internal/platform/sandbox"
)

func TestParseTypes(t *testing.T) {
	tests := []struct {
		in      string
		want    []fhir.ResourceType
		wantErr bool
	}{
		{"", nil, false},
		{"Condition", []fhir.ResourceType{fhir.ResourceCondition}, false},
		{" Condition , Observation ,", []fhir.ResourceType{fhir.ResourceCondition, fhir.ResourceObservation}, false},
		{"Condition,Encounter", nil, true},
		{"condition,Condition", []fhir.ResourceType{fhir.ResourceCondition}, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseTypes(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("[%d] = %s, want %s", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestNewLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&config.Config{LogLevel: "warn"}, &buf)
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info written at warn level")
	}
	if !strings.Contains(out, `"message":"shown"`) {
		t.Errorf("output = %q, want JSON warn line", out)
	}
	if logger.GetLevel() != zerolog.WarnLevel {
		t.Errorf("level = %v", logger.GetLevel())
	}
}

// run executes the CLI with an empty env file and returns stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), ".env")}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestProvidersCommand(t *testing.T) {
	t.Setenv("SANDBOX_ISSUER", "http://ehr.test:9000")

	out, err := run(t, "providers", "--locale", "es")
	if err != nil {
		t.Fatalf("providers: %v", err)
	}
	for _, want := range []string{"local-sandbox", "EHR local de pruebas", "http://ehr.test:9000", "local-ehr-launch"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestAuthorizeCommand_UnknownProvider(t *testing.T) {
	if _, err := run(t, "authorize", "--provider", "nope"); err == nil {
		t.Fatal("expected unknown provider error")
	}
}

func TestCallbackCommand_ProviderError(t *testing.T) {
	_, err := run(t, "callback", "--provider", "local-sandbox",
		"--url", "http://localhost:8765/callback?error=access_denied&state=s1")
	if err == nil || !strings.Contains(err.Error(), "access_denied") {
		t.Fatalf("err = %v, want access_denied", err)
	}
}

func TestConnectCommand_ImportsFromSandbox(t *testing.T) {
	srv, err := sandbox.NewServer(sandbox.Config{Seed: 11})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	t.Setenv("SANDBOX_ISSUER", ts.URL)
	t.Setenv("CALLBACK_ADDR", addr)
	t.Setenv("REDIRECT_URI", "http://"+addr+"/callback")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("PAGE_SIZE", "20")

	out, err := run(t, "connect", "--provider", "local-sandbox", "--headless", "--timeout", "30s")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	var res struct {
		Success        bool                      `json:"success"`
		PatientID      string                    `json:"patient_id"`
		ImportedCounts map[fhir.ResourceType]int `json:"imported_counts"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode result: %v\n%s", err, out)
	}
	if !res.Success {
		t.Errorf("import did not succeed: %s", out)
	}
	total := 0
	for _, n := range res.ImportedCounts {
		total += n
	}
	if total != 65 {
		t.Errorf("imported %d records, want 65 (%v)", total, res.ImportedCounts)
	}
	if res.PatientID != srv.Dataset().PatientIDs()[0] {
		t.Errorf("PatientID = %q", res.PatientID)
	}
}
