// Package keyexpr builds deterministic cache keys from call arguments.
//
// A template is literal text with {path} placeholders. A path is a list of
// ':'-separated segments: the first names an argument, each further segment
// is an object property or a list index. A trailing "all" projects the
// preceding property off every element of the collection before it:
//
//	{id}                      -> args["id"]
//	{company:name}            -> args["company"].name
//	{company:menus:0:openTime}
//	{company:menus:id:all}    -> "1,2,3"
//
// Resolution never fails. Anything that cannot be rendered as a scalar
// (unknown argument, missing field, out-of-range index, an object) becomes
// the empty string.
package keyexpr

import (
	"bytes"
	"encoding/json"
	"maps"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

const projectAll = "all"

var placeholder = regexp.MustCompile(`\{([^}]*)\}`)

// Key resolves template against args and prepends prefix with a ':' separator.
// An empty prefix returns the resolved template unchanged.
func Key(prefix, template string, args map[string]any) string {
	r := Resolve(template, args)
	if prefix == "" {
		return r
	}
	return prefix + ":" + r
}

// Resolve replaces every placeholder in template with the value it addresses
// inside args.
func Resolve(template string, args map[string]any) string {
	if !strings.Contains(template, "{") {
		return template
	}
	var tree map[string]any
	return placeholder.ReplaceAllStringFunc(template, func(m string) string {
		if tree == nil {
			tree = normalize(args)
		}
		return eval(tree, strings.Split(m[1:len(m)-1], ":"))
	})
}

// normalize projects args onto a JSON-shaped tree so that structs, maps and
// slices are addressed uniformly by their JSON names.
func normalize(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for name, v := range args {
		b, err := json.Marshal(v)
		if err != nil {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		var node any
		if err := dec.Decode(&node); err != nil {
			continue
		}
		out[name] = node
	}
	return out
}

func eval(tree map[string]any, segs []string) string {
	root, ok := lookup(tree, segs[0])
	if !ok {
		return ""
	}
	path := segs[1:]

	if n := len(path); n > 0 && path[n-1] == projectAll {
		if n < 2 {
			return ""
		}
		coll, ok := walk(root, path[:n-2])
		if !ok {
			return ""
		}
		return project(coll, path[n-2])
	}

	node, ok := walk(root, path)
	if !ok {
		return ""
	}
	if list, isList := node.([]any); isList {
		return joinScalars(list)
	}
	s, _ := scalar(node)
	return s
}

func walk(node any, path []string) (any, bool) {
	for _, seg := range path {
		switch n := node.(type) {
		case map[string]any:
			v, ok := lookup(n, seg)
			if !ok {
				return nil, false
			}
			node = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(n) {
				return nil, false
			}
			node = n[i]
		default:
			return nil, false
		}
	}
	return node, true
}

// lookup matches a property exactly first, then case-insensitively. Among
// case-insensitive matches the lexically smallest name wins.
func lookup(m map[string]any, name string) (any, bool) {
	if v, ok := m[name]; ok {
		return v, true
	}
	for _, k := range slices.Sorted(maps.Keys(m)) {
		if strings.EqualFold(k, name) {
			return m[k], true
		}
	}
	return nil, false
}

func project(coll any, prop string) string {
	list, ok := coll.([]any)
	if !ok {
		return ""
	}
	vals := make([]string, 0, len(list))
	for _, el := range list {
		obj, ok := el.(map[string]any)
		if !ok {
			continue
		}
		v, ok := lookup(obj, prop)
		if !ok {
			continue
		}
		if s, ok := scalar(v); ok && s != "" {
			vals = append(vals, s)
		}
	}
	return strings.Join(vals, ",")
}

// joinScalars renders a list of scalars as a comma list. A list holding any
// object or nested list has no scalar form.
func joinScalars(list []any) string {
	vals := make([]string, 0, len(list))
	for _, el := range list {
		s, ok := scalar(el)
		if !ok {
			return ""
		}
		if s != "" {
			vals = append(vals, s)
		}
	}
	return strings.Join(vals, ",")
}

func scalar(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", true
	case string:
		return x, true
	case json.Number:
		return x.String(), true
	case bool:
		return strconv.FormatBool(x), true
	default:
		return "", false
	}
}
