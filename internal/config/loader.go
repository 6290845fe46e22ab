package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// secretPaths are config fields accepted only from the environment. A
// file or patch carrying one of these is rejected without write.
var secretPaths = []string{
	"api.api_key",
	"auth.jwt_secret",
	"memory.neo4j.password",
	"channels.telegram.bot_token",
}

// durationKeys are leaf keys whose string values ("30s", "10m") are
// normalized to nanoseconds before decoding.
var durationKeys = map[string]bool{
	"timeout":           true,
	"token_expiry":      true,
	"drain_deadline":    true,
	"retry_base":        true,
	"idle_reap":         true,
	"acquire_wait":      true,
	"abort_grace":       true,
	"confirm_ttl":       true,
	"maintain_interval": true,
}

// knownRoots are the top-level sections recognized in files and in
// environment variable names.
var knownRoots = map[string]bool{
	"server": true, "api": true, "auth": true, "conversation": true,
	"scheduler": true, "tools": true, "memory": true, "storage": true,
	"channels": true, "logging": true, "tracing": true,
	"agent_name": true, "system_prompt": true,
}

// LoadFile reads a config file into a raw tree. JSON and JSON5 files
// are parsed with the json5 decoder; everything else is YAML. A missing
// file yields an empty tree.
func LoadFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return parseRaw(data, path)
}

func parseRaw(data []byte, pathHint string) (map[string]any, error) {
	ext := strings.ToLower(filepath.Ext(pathHint))
	if ext == ".json" || ext == ".json5" {
		var raw map[string]any
		if err := json5.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", pathHint, err)
		}
		if raw == nil {
			raw = map[string]any{}
		}
		return raw, nil
	}

	var raw map[string]any
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", pathHint, err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// EnvOverlay builds a raw tree from environment variables. Double
// underscores denote nesting: API__BASE_URL sets api.base_url. Only
// variables rooted at a known config section are considered.
func EnvOverlay(environ []string) map[string]any {
	overlay := map[string]any{}
	for _, kv := range environ {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		name, value := kv[:eq], kv[eq+1:]

		var segments []string
		if strings.Contains(name, "__") {
			for _, seg := range strings.Split(name, "__") {
				segments = append(segments, strings.ToLower(seg))
			}
		} else {
			segments = []string{strings.ToLower(name)}
		}
		if len(segments) == 0 || !knownRoots[segments[0]] {
			continue
		}
		setPath(overlay, segments, coerceScalar(value))
	}
	return overlay
}

// coerceScalar interprets env values as bool or number where
// unambiguous, otherwise keeps the string.
func coerceScalar(value string) any {
	switch strings.ToLower(value) {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.ParseInt(value, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return value
}

func setPath(tree map[string]any, segments []string, value any) {
	for i := 0; i < len(segments)-1; i++ {
		next, ok := tree[segments[i]].(map[string]any)
		if !ok {
			next = map[string]any{}
			tree[segments[i]] = next
		}
		tree = next
	}
	tree[segments[len(segments)-1]] = value
}

// MergeTrees merges overlay into base, map-wise recursive, overlay
// winning on scalar conflicts. Neither input is mutated.
func MergeTrees(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		if bm, ok := out[k].(map[string]any); ok {
			if om, ok := v.(map[string]any); ok {
				out[k] = MergeTrees(bm, om)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// FindSecrets returns the secret-typed paths present in the tree.
func FindSecrets(tree map[string]any) []string {
	var found []string
	for _, path := range secretPaths {
		if _, ok := lookupPath(tree, strings.Split(path, ".")); ok {
			found = append(found, path)
		}
	}
	return found
}

func lookupPath(tree map[string]any, segments []string) (any, bool) {
	var current any = tree
	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Decode converts a merged raw tree into a typed Snapshot layered over
// the embedded defaults.
func Decode(tree map[string]any) (Snapshot, error) {
	snap := Defaults()
	normalized := normalizeDurations(tree, false)
	data, err := json.Marshal(normalized)
	if err != nil {
		return snap, fmt.Errorf("encode config tree: %w", err)
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("decode config tree: %w", err)
	}
	return snap, nil
}

// normalizeDurations rewrites string duration values ("30s") under
// duration-typed keys into nanosecond integers so the JSON decoder can
// populate time.Duration fields.
func normalizeDurations(tree map[string]any, inTimeouts bool) map[string]any {
	out := make(map[string]any, len(tree))
	for k, v := range tree {
		switch typed := v.(type) {
		case map[string]any:
			out[k] = normalizeDurations(typed, k == "timeouts")
		case string:
			if durationKeys[k] || inTimeouts {
				if d, err := time.ParseDuration(typed); err == nil {
					out[k] = int64(d)
					continue
				}
			}
			out[k] = typed
		default:
			out[k] = v
		}
	}
	return out
}

// DiffSummary lists the top-level paths that differ between two raw
// trees. Used for the config.changed event payload; values are never
// included so secrets cannot leak through the bus.
func DiffSummary(before, after map[string]any) []string {
	keys := map[string]bool{}
	collectDiff("", before, after, keys)
	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	return out
}

func collectDiff(prefix string, before, after map[string]any, out map[string]bool) {
	for k, av := range after {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		bv, ok := before[k]
		if !ok {
			out[path] = true
			continue
		}
		am, aIsMap := av.(map[string]any)
		bm, bIsMap := bv.(map[string]any)
		if aIsMap && bIsMap {
			collectDiff(path, bm, am, out)
			continue
		}
		if fmt.Sprintf("%v", av) != fmt.Sprintf("%v", bv) {
			out[path] = true
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			path := k
			if prefix != "" {
				path = prefix + "." + k
			}
			out[path] = true
		}
	}
}
