package main

import (
	"bytes"
	"strings"
	"testing"
)

type helpCase struct {
	name string
	args []string
	want []string
}

func TestCLIHelp(t *testing.T) {
	t.Parallel()

	cases := []helpCase{
		{
			name: "root_help",
			args: []string{"--help"},
			want: []string{"backup", "chat", "cleanup", "daemon", "knowledge", "patterns", "profile", "recall", "replay", "stats", "store", "version", "--config"},
		},
		{
			name: "knowledge_help",
			args: []string{"knowledge", "--help"},
			want: []string{"add", "get"},
		},
		{
			name: "replay_help",
			args: []string{"replay", "--help"},
			want: []string{"--workers", "JSONL"},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			output, err := runRootCommandForTest(tc.args...)
			if err != nil {
				t.Fatalf("execute command %v: %v\nOutput:\n%s", tc.args, err, output)
			}
			for _, w := range tc.want {
				if !strings.Contains(output, w) {
					t.Fatalf("help for %v missing %q\nOutput:\n%s", tc.args, w, output)
				}
			}
		})
	}
}

func TestCLIVersion(t *testing.T) {
	t.Parallel()

	output, err := runRootCommandForTest("version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(output, appName+" "+version) {
		t.Fatalf("unexpected version output: %q", output)
	}
}

func TestCLIRequiresSubcommand(t *testing.T) {
	t.Parallel()

	if _, err := runRootCommandForTest(); err == nil {
		t.Fatal("expected error without a subcommand")
	}
}

func runRootCommandForTest(args ...string) (string, error) {
	if args == nil {
		args = []string{}
	}
	root := buildRootCommand()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}
