// Copyright (C) 2026 Sitka Systems (eng@sitka-systems.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package scope

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

type staticInferrer struct {
	files []string
	err   error
}

func (s *staticInferrer) InferScope(_ context.Context, _ string, _ []string) ([]string, error) {
	return s.files, s.err
}

func TestResolveEmptyAllowMeansAll(t *testing.T) {
	r := NewResolver(nil)
	c, err := r.Resolve(context.Background(), "app.py:main",
		[]string{"src/b.py", "src/a.py"}, Rules{})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !reflect.DeepEqual(c.Files, []string{"src/a.py", "src/b.py"}) {
		t.Errorf("Files = %v", c.Files)
	}
}

func TestResolveDenialWins(t *testing.T) {
	r := NewResolver(nil)
	c, err := r.Resolve(context.Background(), "e",
		[]string{"src/a.py", "src/gen/schema.py", "migrations/001.sql"},
		Rules{
			Allowed: []string{"src/", "migrations/"},
			Denied:  []string{"src/gen/", "*.sql"},
		})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(c.Files, []string{"src/a.py"}) {
		t.Errorf("Files = %v, want [src/a.py]", c.Files)
	}
	if c.Contains("src/gen/schema.py") {
		t.Error("denied file present in closure")
	}
}

func TestResolveIntersectsAllow(t *testing.T) {
	r := NewResolver(nil)
	c, err := r.Resolve(context.Background(), "e",
		[]string{"src/a.py", "docs/readme.py"},
		Rules{Allowed: []string{"src/"}})
	if err != nil {
		t.Fatal(err)
	}
	if c.Contains("docs/readme.py") {
		t.Error("file outside allow list present in closure")
	}
}

func TestResolveInferredUnionAndOrigin(t *testing.T) {
	inf := &staticInferrer{files: []string{"templates/err.html", "src/a.py"}}
	r := NewResolver(inf)

	c, err := r.Resolve(context.Background(), "e", []string{"src/a.py"}, Rules{})
	if err != nil {
		t.Fatal(err)
	}

	if o, _ := c.OriginOf("src/a.py"); o != OriginReachable {
		t.Errorf("origin of reachable file = %v", o)
	}
	if o, _ := c.OriginOf("templates/err.html"); o != OriginInferred {
		t.Errorf("origin of inferred file = %v", o)
	}
}

func TestResolveInferredStillBounded(t *testing.T) {
	inf := &staticInferrer{files: []string{"secrets/key.pem"}}
	r := NewResolver(inf)

	c, err := r.Resolve(context.Background(), "e", []string{"src/a.py"},
		Rules{Denied: []string{"secrets/"}})
	if err != nil {
		t.Fatal(err)
	}
	if c.Contains("secrets/key.pem") {
		t.Error("inference bypassed the deny rules")
	}
}

func TestResolveEmptyScope(t *testing.T) {
	r := NewResolver(nil)
	_, err := r.Resolve(context.Background(), "e",
		[]string{"src/a.py"}, Rules{Denied: []string{"src/"}})
	if !errors.Is(err, ErrScopeEmpty) {
		t.Fatalf("Resolve() error = %v, want ErrScopeEmpty", err)
	}
}

func TestResolveInferrerError(t *testing.T) {
	r := NewResolver(&staticInferrer{err: errors.New("model unavailable")})
	if _, err := r.Resolve(context.Background(), "e", []string{"a.py"}, Rules{}); err == nil {
		t.Fatal("expected inferrer error to propagate")
	}
}

func TestViolations(t *testing.T) {
	r := NewResolver(nil)
	c, err := r.Resolve(context.Background(), "e", []string{"src/a.py"}, Rules{})
	if err != nil {
		t.Fatal(err)
	}
	got := c.Violations([]string{"src/a.py", "src/other.py", "etc/conf.yaml"})
	if !reflect.DeepEqual(got, []string{"etc/conf.yaml", "src/other.py"}) {
		t.Errorf("Violations = %v", got)
	}
}

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"src/", "src/a.py", true},
		{"src/", "srcx/a.py", false},
		{"src", "src/deep/a.py", true},
		{"src/a.py", "src/a.py", true},
		{"*.sql", "migrations/001.sql", true},
		{"*.py", "src/a.py", true},
		{"src/*.py", "src/a.py", true},
		{"src/*.py", "src/deep/a.py", false},
		{"", "src/a.py", false},
	}
	for _, tc := range cases {
		if got := matchPattern(tc.pattern, tc.path); got != tc.want {
			t.Errorf("matchPattern(%q, %q) = %v, want %v", tc.pattern, tc.path, got, tc.want)
		}
	}
}
