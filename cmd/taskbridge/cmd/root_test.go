package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/austindbirch/taskbridge/internal/logging"
	"github.com/austindbirch/taskbridge/pkg/bootstrap"
	"github.com/austindbirch/taskbridge/pkg/task"
	"github.com/austindbirch/taskbridge/pkg/web"
)

func TestMain(m *testing.M) {
	logging.Default().SetOutput(io.Discard)

	greet := task.NewProxy(func(c *task.Call) (any, error) { return "hi", nil }, task.WithName("cli.greet"))
	wave := task.NewProxy(func(c *task.Call) (any, error) { return nil, nil }, task.WithName("cli.wave"))
	bootstrap.RegisterApp("cli", func(cfg *web.Configurator) error {
		return task.Scan(cfg, greet, wave)
	})
	bootstrap.RegisterSetup("cli.enqueue", func(env *bootstrap.Env) error {
		_, err := greet.Delay(env.Context)
		return err
	})
	bootstrap.RegisterSetup("cli.fail", func(env *bootstrap.Env) error {
		return errors.New("setup exploded")
	})

	os.Exit(m.Run())
}

func writeINI(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cli.ini")
	body := "[app:main]\nuse = cli\n\n[taskbridge]\napp_name = cli\ntesting = true\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSplitArgs(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		wantINI   string
		wantSetup string
		wantRest  []string
		wantErr   bool
	}{
		{
			name:     "ini only",
			args:     []string{"--ini", "app.ini", "worker"},
			wantINI:  "app.ini",
			wantRest: []string{"worker"},
		},
		{
			name:      "equals forms",
			args:      []string{"--ini=config:app.ini", "--setup=shop.setup", "tasks", "--json"},
			wantINI:   "config:app.ini",
			wantSetup: "shop.setup",
			wantRest:  []string{"tasks", "--json"},
		},
		{
			name:      "flags after the command are still taken",
			args:      []string{"worker", "--queues", "a,b", "--setup", "s", "--ini", "x.ini"},
			wantINI:   "x.ini",
			wantSetup: "s",
			wantRest:  []string{"worker", "--queues", "a,b"},
		},
		{
			name:     "nothing",
			args:     nil,
			wantRest: nil,
		},
		{
			name:    "ini without value",
			args:    []string{"worker", "--ini"},
			wantErr: true,
		},
		{
			name:    "setup without value",
			args:    []string{"--ini", "a.ini", "--setup"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ini, setup, rest, err := splitArgs(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("splitArgs() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if ini != tt.wantINI {
				t.Errorf("splitArgs() ini = %q, want %q", ini, tt.wantINI)
			}
			if setup != tt.wantSetup {
				t.Errorf("splitArgs() setup = %q, want %q", setup, tt.wantSetup)
			}
			if !reflect.DeepEqual(rest, tt.wantRest) {
				t.Errorf("splitArgs() rest = %q, want %q", rest, tt.wantRest)
			}
		})
	}
}

func TestExecute(t *testing.T) {
	ini := writeINI(t)

	tests := []struct {
		name     string
		args     []string
		wantOut  string
		wantErr  string
		checkOut func(t *testing.T, out string)
	}{
		{
			name:    "missing ini",
			args:    []string{"tasks"},
			wantErr: ErrMissingINI.Error(),
		},
		{
			name:    "tasks",
			args:    []string{"--ini", ini, "tasks"},
			wantOut: "cli.greet\ncli.wave\n",
		},
		{
			name: "tasks as json",
			args: []string{"--ini", ini, "tasks", "--json"},
			checkOut: func(t *testing.T, out string) {
				var names []string
				if err := json.Unmarshal([]byte(out), &names); err != nil {
					t.Fatalf("output is not JSON: %v", err)
				}
				if !reflect.DeepEqual(names, []string{"cli.greet", "cli.wave"}) {
					t.Errorf("names = %v", names)
				}
			},
		},
		{
			name:    "publish with id",
			args:    []string{"--ini", ini, "publish", "cli.greet", `[1, "two"]`, "--id", "abc", "--kwargs", `{"k": true}`},
			wantOut: "published cli.greet[abc]\n",
		},
		{
			name:    "publish unknown task",
			args:    []string{"--ini", ini, "publish", "cli.nope"},
			wantErr: "task not registered",
		},
		{
			name:    "publish bad args",
			args:    []string{"--ini", ini, "publish", "cli.greet", `{"not": "a list"}`},
			wantErr: "args must be a JSON array",
		},
		{
			name:    "publish bad kwargs",
			args:    []string{"--ini", ini, "publish", "cli.greet", "--kwargs", "[]"},
			wantErr: "--kwargs must be a JSON object",
		},
		{
			name:    "setup runs before the command",
			args:    []string{"--setup", "cli.enqueue", "--ini", ini, "purge"},
			wantOut: "purged 1 message(s)\n",
		},
		{
			name:    "purge empty",
			args:    []string{"--ini=" + ini, "purge", "--json"},
			wantOut: "{\n  \"purged\": 0\n}\n",
		},
		{
			name:    "unknown setup",
			args:    []string{"--ini", ini, "--setup", "cli.missing", "tasks"},
			wantErr: "no such setup function",
		},
		{
			name:    "failing setup",
			args:    []string{"--ini", ini, "--setup", "cli.fail", "tasks"},
			wantErr: "setup exploded",
		},
		{
			name:    "worker needs nsq",
			args:    []string{"--ini", ini, "worker"},
			wantErr: ErrNotNSQBroker.Error(),
		},
		{
			name:    "version",
			args:    []string{"--ini", ini, "--version"},
			wantOut: "taskbridge version dev (commit unknown, built unknown)\n",
		},
		{
			name:    "bad ini",
			args:    []string{"--ini", filepath.Join(t.TempDir(), "missing.ini"), "tasks"},
			wantErr: "load ini",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := Execute(context.Background(), tt.args, &out)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Execute() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Execute() unexpected error: %v", err)
			}
			if tt.checkOut != nil {
				tt.checkOut(t, out.String())
				return
			}
			if out.String() != tt.wantOut {
				t.Errorf("Execute() output = %q, want %q", out.String(), tt.wantOut)
			}
		})
	}
}
