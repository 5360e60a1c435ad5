package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/mtzanidakis/orkestra/internal/config"
	"github.com/mtzanidakis/orkestra/internal/engine"
	"github.com/mtzanidakis/orkestra/internal/ipc"
	"github.com/mtzanidakis/orkestra/internal/models"
	"github.com/mtzanidakis/orkestra/internal/natsbus"
	"github.com/mtzanidakis/orkestra/internal/planner"
	"github.com/nats-io/nats.go"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		flags      map[string]string
		positional []string
	}{
		{
			name:  "empty",
			args:  []string{},
			flags: map[string]string{},
		},
		{
			name:       "flag and description",
			args:       []string{"--priority", "high", "Build", "an", "app"},
			flags:      map[string]string{"priority": "high"},
			positional: []string{"Build", "an", "app"},
		},
		{
			name:  "flag without value is ignored",
			args:  []string{"--priority"},
			flags: map[string]string{},
		},
		{
			name:       "short prefix not treated as flag",
			args:       []string{"-p", "high"},
			flags:      map[string]string{},
			positional: []string{"-p", "high"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flags, positional := parseArgs(tt.args)
			if len(flags) != len(tt.flags) {
				t.Errorf("parseArgs(%v) returned %d flags, want %d", tt.args, len(flags), len(tt.flags))
			}
			for k, v := range tt.flags {
				if flags[k] != v {
					t.Errorf("parseArgs(%v)[%q] = %q, want %q", tt.args, k, flags[k], v)
				}
			}
			if strings.Join(positional, " ") != strings.Join(tt.positional, " ") {
				t.Errorf("positional = %v, want %v", positional, tt.positional)
			}
		})
	}
}

func startTestNATS(t *testing.T) *natsbus.Bus {
	t.Helper()
	bus, err := natsbus.New(config.NATSConfig{
		Port:    -1, // Random port
		DataDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(func() { bus.Close() })
	return bus
}

// respondWith answers every IPC request with resp and records the requests.
func respondWith(t *testing.T, url string, resp ipc.Response) func() []ipc.Request {
	t.Helper()
	conn, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(conn.Close)

	var (
		mu  sync.Mutex
		got []ipc.Request
	)
	_, err = conn.Subscribe(natsbus.TopicIPCOrkestra, func(msg *nats.Msg) {
		var req ipc.Request
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			t.Errorf("unmarshal request: %v", err)
			return
		}
		mu.Lock()
		got = append(got, req)
		mu.Unlock()
		data, _ := json.Marshal(resp)
		msg.Respond(data)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	conn.Flush()
	return func() []ipc.Request {
		mu.Lock()
		defer mu.Unlock()
		return append([]ipc.Request(nil), got...)
	}
}

func TestSubmit(t *testing.T) {
	bus := startTestNATS(t)
	reqs := respondWith(t, bus.ClientURL(), ipc.Response{OK: true, ID: "w-123"})

	var out bytes.Buffer
	if err := run(bus.ClientURL(), []string{"submit", "--priority", "high", "Build", "an", "app"}, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.String() != "Workflow submitted: w-123\n" {
		t.Errorf("unexpected output %q", out.String())
	}

	got := reqs()
	if len(got) != 1 {
		t.Fatalf("expected 1 request, got %d", len(got))
	}
	req := got[0]
	if req.Type != ipc.CmdSubmitTask {
		t.Errorf("expected type %s, got %s", ipc.CmdSubmitTask, req.Type)
	}
	var payload map[string]string
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload["description"] != "Build an app" || payload["priority"] != "high" {
		t.Errorf("unexpected payload %v", payload)
	}
}

func TestTemplate(t *testing.T) {
	bus := startTestNATS(t)
	reqs := respondWith(t, bus.ClientURL(), ipc.Response{OK: true, ID: "w-7"})

	var out bytes.Buffer
	args := []string{"template", "--priority", "urgent", "--description", "Launch v2", "launch"}
	if err := run(bus.ClientURL(), args, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.String() != "Workflow submitted: w-7\n" {
		t.Errorf("unexpected output %q", out.String())
	}

	got := reqs()
	if len(got) != 1 || got[0].Type != ipc.CmdStartTemplate {
		t.Fatalf("expected one %s request, got %v", ipc.CmdStartTemplate, got)
	}
	var payload map[string]string
	if err := json.Unmarshal(got[0].Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload["name"] != "launch" || payload["priority"] != "urgent" || payload["description"] != "Launch v2" {
		t.Errorf("unexpected payload %v", payload)
	}
}

func TestTemplates(t *testing.T) {
	bus := startTestNATS(t)
	respondWith(t, bus.ClientURL(), ipc.Response{OK: true, Templates: []engine.Template{
		{Name: "launch", Definition: planner.Definition{Name: "Product launch", Phases: make([]planner.PhaseDefinition, 2)}},
	}})

	var out bytes.Buffer
	if err := run(bus.ClientURL(), []string{"templates"}, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header and 1 row, got %q", out.String())
	}
	if fields := strings.Fields(lines[1]); len(fields) < 3 || fields[0] != "launch" || fields[1] != "2" {
		t.Errorf("unexpected row %q", lines[1])
	}
}

func TestList(t *testing.T) {
	bus := startTestNATS(t)
	respondWith(t, bus.ClientURL(), ipc.Response{OK: true, Workflows: []models.Workflow{
		{ID: "w-1", State: models.WorkflowRunning, Description: "Build an app\nwith details"},
		{ID: "w-2", State: models.WorkflowCompleted, Description: "Plan the budget"},
	}})

	var out bytes.Buffer
	if err := run(bus.ClientURL(), []string{"list"}, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), out.String())
	}
	if !strings.Contains(lines[0], "w-1") || !strings.HasSuffix(lines[0], "Build an app") {
		t.Errorf("unexpected first line %q", lines[0])
	}
}

func TestErrorResponse(t *testing.T) {
	bus := startTestNATS(t)
	respondWith(t, bus.ClientURL(), ipc.Response{Error: "not found: workflow nope", Code: ipc.CodeNotFound})

	var out bytes.Buffer
	err := run(bus.ClientURL(), []string{"status", "nope"}, &out)
	if err == nil || err.Error() != "not found: workflow nope" {
		t.Errorf("expected not found error, got %v", err)
	}
}

func TestUsageErrors(t *testing.T) {
	var out bytes.Buffer
	for _, args := range [][]string{
		{},
		{"launch"},
		{"submit"},
		{"status"},
		{"cancel", "a", "b"},
		{"workflow"},
		{"template"},
		{"template", "a", "b"},
	} {
		if err := run("nats://127.0.0.1:1", args, &out); err == nil {
			t.Errorf("run(%v): expected error", args)
		}
	}
}
