// Package blueprint implements the Blueprint store and the
// placeholder resolver described in spec.md §4.5: a pure, total walk
// over a blueprint's JSON-shaped fields that substitutes `${namespace.key}`
// references before a run is enqueued and its blueprint frozen.
package blueprint

import (
	"os"
	"strings"

	"github.com/agentmesh/coordinator/internal/domain"
)

// Namespaces resolved here. `runner.*` is deliberately absent: it is left
// intact for the Runner to resolve against its own identity at execution
// time (spec.md §4.5).
const (
	nsParams  = "params"
	nsScope   = "scope"
	nsEnv     = "env"
	nsRuntime = "runtime"
	nsRunner  = "runner"
)

// RuntimeIDs supplies the just-generated identifiers available under the
// `runtime.*` namespace.
type RuntimeIDs struct {
	SessionID string
	RunID     string
}

// ResolveContext bundles everything a resolution pass reads from. It is a
// pure function of this struct: same inputs, same output, no side effects,
// matching the idempotence law in spec.md §8.
type ResolveContext struct {
	Params  domain.JSONValue
	Scope   domain.JSONValue
	Runtime RuntimeIDs
}

// Resolve walks value, replacing every `${namespace.key}` placeholder found
// in a string leaf with the corresponding looked-up value rendered back to
// a string. Unknown placeholders and the `runner.*` namespace pass through
// unchanged. The input is never mutated; a new tree is returned.
func Resolve(value domain.JSONValue, ctx ResolveContext) domain.JSONValue {
	switch v := value.(type) {
	case string:
		return resolveString(v, ctx)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = Resolve(item, ctx)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			out[k] = Resolve(item, ctx)
		}
		return out
	default:
		return v
	}
}

// resolveString substitutes every `${namespace.key}` occurrence in s. A
// string that is exactly one placeholder is replaced by the looked-up
// value's native type (so `"${params.count}"` can become a number);
// placeholders embedded in a larger string are substituted as text.
func resolveString(s string, ctx ResolveContext) interface{} {
	if isSinglePlaceholder(s) {
		ns, key := splitPlaceholder(s[2 : len(s)-1])
		if ns == nsRunner {
			return s
		}
		val, ok := lookup(ns, key, ctx)
		if !ok {
			return s
		}
		return val
	}

	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}")
		if end < 0 {
			b.WriteString(rest)
			break
		}
		end += start

		b.WriteString(rest[:start])
		placeholder := rest[start+2 : end]
		ns, key := splitPlaceholder(placeholder)
		if ns == nsRunner {
			b.WriteString(rest[start : end+1])
		} else if val, ok := lookup(ns, key, ctx); ok {
			b.WriteString(stringify(val))
		} else {
			b.WriteString(rest[start : end+1])
		}
		rest = rest[end+1:]
	}
	return b.String()
}

func isSinglePlaceholder(s string) bool {
	if !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return false
	}
	inner := s[2 : len(s)-1]
	return !strings.Contains(inner, "${") && strings.Count(s, "${") == 1
}

func splitPlaceholder(ref string) (namespace, key string) {
	parts := strings.SplitN(ref, ".", 2)
	if len(parts) != 2 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}

func lookup(namespace, key string, ctx ResolveContext) (interface{}, bool) {
	switch namespace {
	case nsParams:
		return lookupJSON(ctx.Params, key)
	case nsScope:
		return lookupJSON(ctx.Scope, key)
	case nsEnv:
		v, ok := os.LookupEnv(key)
		if !ok {
			return nil, false
		}
		return v, true
	case nsRuntime:
		switch key {
		case "session_id":
			return ctx.Runtime.SessionID, true
		case "run_id":
			return ctx.Runtime.RunID, true
		default:
			return nil, false
		}
	default:
		return nil, false
	}
}

func lookupJSON(root domain.JSONValue, key string) (interface{}, bool) {
	obj, ok := root.(map[string]interface{})
	if !ok {
		return nil, false
	}
	v, ok := obj[key]
	return v, ok
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return toJSONString(t)
	}
}
