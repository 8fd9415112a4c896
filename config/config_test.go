package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/aogaki/delila2/transport"
)

const sampleJSON = `{
	"component_id": "source-0",
	"data": {"address": "127.0.0.1:6001", "pattern": "fan-out", "role": "bind"},
	"status": {"address": "", "pattern": "pair", "role": "bind"},
	"command": {"address": "127.0.0.1:6002", "pattern": "req-rep", "role": "bind"}
}`

func TestConfigureFromJSON(t *testing.T) {
	b, err := ConfigureFromJSON([]byte(sampleJSON))
	if err != nil {
		t.Fatalf("ConfigureFromJSON: %v", err)
	}
	if b.ComponentID != "source-0" {
		t.Fatalf("component_id = %q, want source-0", b.ComponentID)
	}

	tc, err := b.TransportConfig()
	if err != nil {
		t.Fatalf("TransportConfig: %v", err)
	}
	if tc.Data.Address != "127.0.0.1:6001" || tc.Data.Pattern != transport.PatternFanOut || tc.Data.Role != transport.RoleBind {
		t.Fatalf("data socket config = %+v", tc.Data)
	}
	if tc.Status.Address != "" {
		t.Fatalf("status socket should be disabled, got %+v", tc.Status)
	}
	if tc.Command.Pattern != transport.PatternReqRep {
		t.Fatalf("command pattern = %v, want req-rep", tc.Command.Pattern)
	}
}

func TestConfigureFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bundle.json")
	if err := os.WriteFile(path, []byte(sampleJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	b, err := ConfigureFromFile(path)
	if err != nil {
		t.Fatalf("ConfigureFromFile: %v", err)
	}
	if b.ComponentID != "source-0" {
		t.Fatalf("component_id = %q, want source-0", b.ComponentID)
	}
}

func TestUnknownPatternRejected(t *testing.T) {
	b, _ := ConfigureFromJSON([]byte(`{"data":{"address":"x","pattern":"bogus","role":"bind"}}`))
	if _, err := b.TransportConfig(); err == nil {
		t.Fatal("expected error for unknown pattern")
	}
}
