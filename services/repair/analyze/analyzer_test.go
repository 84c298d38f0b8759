// Copyright (C) 2026 Sitka Systems (eng@sitka-systems.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analyze

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for path, content := range files {
		full := filepath.Join(root, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestParseFilePython(t *testing.T) {
	src := `
def handler(req):
    data = parse(req.body)
    return render(data)

def parse(raw):
    return loads(raw)

class Renderer:
    def render(self, data):
        return self._fmt(data)

    def _fmt(self, data):
        return str(data)
`
	summary, err := ParseFile(context.Background(), []byte(src), "app.py")
	if err != nil {
		t.Fatalf("ParseFile() error = %v", err)
	}
	if summary.Language != "python" {
		t.Errorf("Language = %q, want python", summary.Language)
	}

	byName := make(map[string]FuncDecl)
	for _, fn := range summary.Functions {
		byName[fn.Name] = fn
	}
	if len(byName) != 4 {
		t.Fatalf("got %d functions, want 4: %v", len(byName), byName)
	}

	handler := byName["handler"]
	want := []string{"parse", "render"}
	if !reflect.DeepEqual(handler.Calls, want) {
		t.Errorf("handler calls = %v, want %v", handler.Calls, want)
	}
	if !handler.Exported {
		t.Error("handler should be exported")
	}
	if byName["_fmt"].Exported {
		t.Error("_fmt should not be exported")
	}
	if got := byName["render"].Calls; !reflect.DeepEqual(got, []string{"_fmt"}) {
		t.Errorf("render calls = %v, want [_fmt]", got)
	}
}

func TestParseFileGo(t *testing.T) {
	src := `package main

import "fmt"

func main() {
	run(load())
}

func run(cfg string) {
	fmt.Println(cfg)
}

func load() string { return "" }

func (s *Server) Handle() {
	s.dispatch()
}
`
	summary, err := ParseFile(context.Background(), []byte(src), "main.go")
	if err != nil {
		t.Fatalf("ParseFile() error = %v", err)
	}

	byName := make(map[string]FuncDecl)
	for _, fn := range summary.Functions {
		byName[fn.Name] = fn
	}

	main := byName["main"]
	if !reflect.DeepEqual(main.Calls, []string{"load", "run"}) {
		t.Errorf("main calls = %v", main.Calls)
	}
	// Qualified calls keep the final component only.
	if !reflect.DeepEqual(byName["run"].Calls, []string{"Println"}) {
		t.Errorf("run calls = %v", byName["run"].Calls)
	}
	if !reflect.DeepEqual(byName["Handle"].Calls, []string{"dispatch"}) {
		t.Errorf("Handle calls = %v", byName["Handle"].Calls)
	}
	if byName["run"].Exported {
		t.Error("run should not be exported")
	}
	if !byName["Handle"].Exported {
		t.Error("Handle should be exported")
	}
}

func TestParseFileToleratesSyntaxErrors(t *testing.T) {
	src := "def ok():\n    return 1\n\ndef broken(:\n"
	summary, err := ParseFile(context.Background(), []byte(src), "bad.py")
	if err != nil {
		t.Fatalf("ParseFile() error = %v", err)
	}
	found := false
	for _, fn := range summary.Functions {
		if fn.Name == "ok" {
			found = true
		}
	}
	if !found {
		t.Error("intact declaration lost from a file with syntax errors")
	}
}

func TestParseFileRejections(t *testing.T) {
	ctx := context.Background()

	if _, err := ParseFile(ctx, []byte("x"), "notes.txt"); !errors.Is(err, ErrUnsupportedLanguage) {
		t.Errorf("txt file error = %v, want ErrUnsupportedLanguage", err)
	}
	if _, err := ParseFile(ctx, []byte{0xff, 0xfe, 0x00}, "a.py"); !errors.Is(err, ErrInvalidContent) {
		t.Errorf("invalid UTF-8 error = %v, want ErrInvalidContent", err)
	}
}

func TestBuildGraphReachability(t *testing.T) {
	root := writeTree(t, map[string]string{
		"src/app.py": `
def handler(req):
    return process(req)
`,
		"src/core.py": `
def process(req):
    return normalize(req)

def normalize(req):
    return req

def unrelated():
    return 0
`,
	})

	a := NewAnalyzer()
	graph, err := a.Build(context.Background(), root, "src/app.py:handler")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if want := []string{"src/app.py:handler"}; !reflect.DeepEqual(graph.Entry, want) {
		t.Errorf("Entry = %v, want %v", graph.Entry, want)
	}

	files := graph.ReachableFiles(10)
	if !reflect.DeepEqual(files, []string{"src/app.py", "src/core.py"}) {
		t.Errorf("ReachableFiles = %v", files)
	}

	var ids []string
	for _, u := range graph.Reachable(10) {
		ids = append(ids, u.ID)
	}
	want := []string{"src/app.py:handler", "src/core.py:normalize", "src/core.py:process"}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("Reachable = %v, want %v", ids, want)
	}
}

func TestBuildRespectsDepthAtQueryTime(t *testing.T) {
	root := writeTree(t, map[string]string{
		"chain.py": `
def a():
    return b()

def b():
    return c()

def c():
    return 1
`,
	})

	graph, err := NewAnalyzer().Build(context.Background(), root, "chain.py:a")
	if err != nil {
		t.Fatal(err)
	}

	if got := len(graph.Reachable(0)); got != 1 {
		t.Errorf("Reachable(0) size = %d, want 1 (entry only)", got)
	}
	if got := len(graph.Reachable(1)); got != 2 {
		t.Errorf("Reachable(1) size = %d, want 2", got)
	}
	if got := len(graph.Reachable(5)); got != 3 {
		t.Errorf("Reachable(5) size = %d, want 3", got)
	}
}

func TestBuildSameFileShadowsProjectWide(t *testing.T) {
	root := writeTree(t, map[string]string{
		"a.py": `
def run():
    return helper()

def helper():
    return 1
`,
		"b.py": `
def helper():
    return 2
`,
	})

	graph, err := NewAnalyzer().Build(context.Background(), root, "a.py:run")
	if err != nil {
		t.Fatal(err)
	}

	callees := graph.Callees("a.py:run")
	if !reflect.DeepEqual(callees, []string{"a.py:helper"}) {
		t.Errorf("Callees = %v, want same-file helper only", callees)
	}
}

func TestBuildEntryUnresolved(t *testing.T) {
	root := writeTree(t, map[string]string{
		"app.py": "def main():\n    pass\n",
	})
	a := NewAnalyzer()

	cases := []string{
		"app.py:missing",
		"missing.py:main",
		"no_such_symbol",
		"",
	}
	for _, entry := range cases {
		t.Run(entry, func(t *testing.T) {
			if _, err := a.Build(context.Background(), root, entry); !errors.Is(err, ErrEntryUnresolved) {
				t.Errorf("Build(%q) error = %v, want ErrEntryUnresolved", entry, err)
			}
		})
	}
}

func TestBuildFileOnlyEntry(t *testing.T) {
	root := writeTree(t, map[string]string{
		"app.py": "def first():\n    pass\n\ndef second():\n    pass\n",
	})

	graph, err := NewAnalyzer().Build(context.Background(), root, "app.py")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"app.py:first", "app.py:second"}
	if !reflect.DeepEqual(graph.Entry, want) {
		t.Errorf("Entry = %v, want %v", graph.Entry, want)
	}
}

func TestBuildSkipsControlAndVendorDirs(t *testing.T) {
	root := writeTree(t, map[string]string{
		"app.py":              "def main():\n    pass\n",
		".sitka/tmp/gen.py":   "def hidden():\n    pass\n",
		".venv/lib/site.py":   "def hidden():\n    pass\n",
		"vendor/dep/mod.go":   "package dep\n\nfunc Hidden() {}\n",
		"__pycache__/x.py":    "def hidden():\n    pass\n",
		"node_modules/a.py":   "def hidden():\n    pass\n",
	})

	graph, err := NewAnalyzer().Build(context.Background(), root, "app.py:main")
	if err != nil {
		t.Fatal(err)
	}
	if graph.NodeCount() != 1 {
		t.Errorf("NodeCount = %d, want 1 (skipped dirs leaked in)", graph.NodeCount())
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	root := writeTree(t, map[string]string{
		"a.py": "def a():\n    b()\n    c()\n",
		"b.py": "def b():\n    c()\n",
		"c.py": "def c():\n    pass\n",
	})

	a := NewAnalyzer(WithParallelism(4))
	first, err := a.Build(context.Background(), root, "a.py:a")
	if err != nil {
		t.Fatal(err)
	}
	for range 5 {
		next, err := a.Build(context.Background(), root, "a.py:a")
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(next.Reachable(10), first.Reachable(10)) {
			t.Fatal("Reachable sets differ across identical builds")
		}
	}
}

func TestCallPath(t *testing.T) {
	g := NewCallGraph()
	for _, id := range []string{"a", "b", "c", "d"} {
		g.AddNode(Unit{ID: id, File: id + ".py", Symbol: id})
	}
	g.Entry = []string{"a"}
	if err := g.AddEdge("a", "b"); err != nil {
		t.Fatal(err)
	}
	if err := g.AddEdge("b", "c"); err != nil {
		t.Fatal(err)
	}

	if got := g.CallPath("c"); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Errorf("CallPath(c) = %v", got)
	}
	if got := g.CallPath("d"); got != nil {
		t.Errorf("CallPath(d) = %v, want nil for unreachable", got)
	}
}

func TestMaxFilesBound(t *testing.T) {
	root := writeTree(t, map[string]string{
		"a.py": "def a():\n    pass\n",
		"b.py": "def b():\n    pass\n",
		"c.py": "def c():\n    pass\n",
	})

	a := NewAnalyzer(WithMaxFiles(2))
	if _, err := a.Build(context.Background(), root, "a.py:a"); !errors.Is(err, ErrProjectTooLarge) {
		t.Errorf("Build() error = %v, want ErrProjectTooLarge", err)
	}
}

func TestInferEntry(t *testing.T) {
	traceback := `Traceback (most recent call last):
  File "src/main.py", line 4, in <module>
    run()
  File "src/main.py", line 2, in run
    return add(2, 2)
  File "src/util.py", line 2, in add
    return a - b
AssertionError`

	cases := []struct {
		name   string
		output string
		want   string
	}{
		{"python traceback innermost frame", traceback, "src/util.py:add"},
		{"module-level frame", `File "src/boot.py", line 3, in <module>`, "src/boot.py"},
		{"pytest location", "src/test_util.py:12: AssertionError", "src/test_util.py"},
		{"go test location", "    util_test.go:33: got 0, want 4", "util_test.go"},
		{"nothing recognizable", "it is broken", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := InferEntry(tc.output); got != tc.want {
				t.Errorf("InferEntry() = %q, want %q", got, tc.want)
			}
		})
	}
}
