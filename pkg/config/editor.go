package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Editor edits the YAML config file with dotted keys such as
// "watchdog.analyst-timeout".
type Editor struct {
	path string
	root map[string]any
}

// NewEditor loads path; a missing file starts out empty.
func NewEditor(path string) (*Editor, error) {
	e := &Editor{path: path, root: map[string]any{}}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return e, nil
		}
		return nil, errors.Wrapf(err, "config editor: read %s", path)
	}
	if err := yaml.Unmarshal(b, &e.root); err != nil {
		return nil, errors.Wrapf(err, "config editor: parse %s", path)
	}
	if e.root == nil {
		e.root = map[string]any{}
	}
	return e, nil
}

func (e *Editor) Path() string { return e.path }

// Keys lists leaf keys in sorted order.
func (e *Editor) Keys() []string {
	var out []string
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			if sub, ok := v.(map[string]any); ok {
				walk(key, sub)
				continue
			}
			out = append(out, key)
		}
	}
	walk("", e.root)
	sort.Strings(out)
	return out
}

func (e *Editor) Get(key string) (any, error) {
	parts := splitKey(key)
	cur := e.root
	for i, p := range parts {
		v, ok := cur[p]
		if !ok {
			return nil, errors.Errorf("config editor: key %q not set", key)
		}
		if i == len(parts)-1 {
			return v, nil
		}
		sub, ok := v.(map[string]any)
		if !ok {
			return nil, errors.Errorf("config editor: %q is not a section", strings.Join(parts[:i+1], "."))
		}
		cur = sub
	}
	return nil, errors.Errorf("config editor: empty key")
}

// Set stores raw, typed the way YAML would read it ("true", "3", "10m").
func (e *Editor) Set(key, raw string) error {
	parts := splitKey(key)
	if len(parts) == 0 {
		return errors.New("config editor: empty key")
	}
	var value any
	if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
		value = raw
	}
	cur := e.root
	for _, p := range parts[:len(parts)-1] {
		sub, ok := cur[p].(map[string]any)
		if !ok {
			sub = map[string]any{}
			cur[p] = sub
		}
		cur = sub
	}
	cur[parts[len(parts)-1]] = value
	return nil
}

func (e *Editor) Delete(key string) error {
	parts := splitKey(key)
	if len(parts) == 0 {
		return errors.New("config editor: empty key")
	}
	cur := e.root
	for _, p := range parts[:len(parts)-1] {
		sub, ok := cur[p].(map[string]any)
		if !ok {
			return errors.Errorf("config editor: key %q not set", key)
		}
		cur = sub
	}
	last := parts[len(parts)-1]
	if _, ok := cur[last]; !ok {
		return errors.Errorf("config editor: key %q not set", key)
	}
	delete(cur, last)
	return nil
}

func (e *Editor) Save() error {
	if err := os.MkdirAll(filepath.Dir(e.path), 0o755); err != nil {
		return errors.Wrap(err, "config editor: create directory")
	}
	b, err := yaml.Marshal(e.root)
	if err != nil {
		return errors.Wrap(err, "config editor: encode")
	}
	if err := os.WriteFile(e.path, b, 0o600); err != nil {
		return errors.Wrapf(err, "config editor: write %s", e.path)
	}
	return nil
}

func FormatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []any, map[string]any:
		b, err := yaml.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return strings.TrimSpace(string(b))
	}
	return fmt.Sprint(v)
}

func splitKey(key string) []string {
	var parts []string
	for _, p := range strings.Split(strings.TrimSpace(key), ".") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}
