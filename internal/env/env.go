// Package env composes the environment handed to a worker process.
package env

import (
	"os"
	"sort"
	"strings"
)

// Variables exported to every worker.
const (
	SessionVar = "SESSIONWATCH_SESSION_ID"
	WorkDirVar = "SESSIONWATCH_WORKDIR"
)

type Var map[string]string

// Env layers configured overrides on top of a base environment.
type Env struct {
	base Var // nil means os.Environ at Merge time
	vars Var
}

// New returns an Env with overrides given as "K=V" entries. Malformed
// entries and empty keys are skipped.
func New(overrides []string) *Env {
	return &Env{vars: parse(overrides)}
}

// WithBase replaces the OS environment as the base, mostly for tests.
func (e *Env) WithBase(base []string) *Env {
	c := e.clone()
	c.base = parse(base)
	return c
}

// WithSet returns a copy with k=v added to the overrides.
func (e *Env) WithSet(k, v string) *Env {
	c := e.clone()
	if k != "" {
		c.vars[k] = v
	}
	return c
}

// Session returns the entries identifying a session to its worker.
func Session(key, workDir string) []string {
	return []string{SessionVar + "=" + key, WorkDirVar + "=" + workDir}
}

// Merge composes the final environment: base, then configured overrides,
// then extra "K=V" entries. ${VAR} references are expanded once against the
// composed map. The result is sorted by key.
func (e *Env) Merge(extra []string) []string {
	base := e.base
	if base == nil {
		base = parse(os.Environ())
	}
	m := make(Var, len(base)+len(e.vars)+len(extra))
	for k, v := range base {
		m[k] = v
	}
	for k, v := range e.vars {
		m[k] = v
	}
	for k, v := range parse(extra) {
		m[k] = v
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

func (e *Env) clone() *Env {
	c := &Env{vars: make(Var, len(e.vars))}
	for k, v := range e.vars {
		c.vars[k] = v
	}
	if e.base != nil {
		c.base = make(Var, len(e.base))
		for k, v := range e.base {
			c.base[k] = v
		}
	}
	return c
}

func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}

// expand replaces ${VAR} with its value from m; unknown references and a
// bare $VAR are left untouched.
func expand(s string, m Var) string {
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	b.WriteString(s)
	return b.String()
}
