// Package env composes the environment handed to the engine process.
package env

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

type Var map[string]string

type Env struct {
	Var Var // global variables (K->V)
	env Var // cached base from OS environment
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	base := make(Var)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			base[k] = v
		}
	}
	e.env = base
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// SetPairs applies "K=V" entries as global variables; malformed entries are rejected.
func (e *Env) SetPairs(kvs []string) error {
	for i, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return fmt.Errorf("env[%d] %q must be KEY=VALUE", i, kv)
		}
		e.Set(k, v)
	}
	return nil
}

// LoadFiles reads dotenv files in order; later files override earlier ones.
func (e *Env) LoadFiles(paths ...string) error {
	for _, p := range paths {
		m, err := godotenv.Read(p)
		if err != nil {
			return fmt.Errorf("read env file %s: %w", p, err)
		}
		for k, v := range m {
			e.Set(k, v)
		}
	}
	return nil
}

// Merge composes the final environment list applying order:
// base = OS env (or cached), then global e.Var, then perProc "K=V" overrides.
// ${VAR} references are expanded against the composed map (no recursion).
// The result is sorted by key.
func (e *Env) Merge(perProc []string) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.env)+len(e.Var)+len(perProc))
	for k, v := range e.env {
		m[k] = v
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for _, kv := range perProc {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			m[k] = v
		}
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

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string {
		return m[k]
	})
}
