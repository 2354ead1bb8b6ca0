// Package snapshot loads collector snapshots from files.
//
// A snapshot file is a JSON array or a YAML sequence of flat objects, one
// per fact:
//
//	[{"name": "com.apple.iokit", "date": "Mon, 04 Mar 2024 10:00:00", "hash": "abc"}]
//
// Scalars become ir values (strings → Text, integers and booleans → Int,
// null → Null). Nested arrays and objects are stored as their canonical
// JSON text. Non-integral numbers are rejected.
package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/factsync/internal/ir"
)

// Format is the encoding of a snapshot file.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// Stdin is the path that reads a JSON snapshot from standard input.
const Stdin = "-"

// TimestampLayout is the format Stamp writes.
const TimestampLayout = "Mon, 02 Jan 2006 15:04:05"

// FormatForPath picks the format from a file extension. Unknown extensions
// and stdin are JSON.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Load reads a snapshot file. Path "-" reads JSON from os.Stdin.
func Load(path string) (ir.Snapshot, error) {
	if path == Stdin {
		return Decode(os.Stdin, FormatJSON)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	defer f.Close()

	snap, err := Decode(f, FormatForPath(path))
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", path, err)
	}
	return snap, nil
}

// Decode reads a whole snapshot from r.
// An empty document is an empty snapshot.
func Decode(r io.Reader, format Format) (ir.Snapshot, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return ir.Snapshot{}, nil
	}
	switch format {
	case FormatJSON:
		return decodeJSON(data)
	case FormatYAML:
		return decodeYAML(data)
	default:
		return nil, fmt.Errorf("unknown snapshot format %q", format)
	}
}

func decodeJSON(data []byte) (ir.Snapshot, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw []map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse JSON: %w", err)
	}
	if dec.More() {
		return nil, errors.New("parse JSON: trailing data after snapshot array")
	}
	return FromMaps(raw)
}

// FromMaps converts decoded objects to a snapshot. A nil object is an
// empty record.
func FromMaps(raw []map[string]any) (ir.Snapshot, error) {
	snap := make(ir.Snapshot, len(raw))
	for i, obj := range raw {
		fields := make(map[string]ir.Value, len(obj))
		for k, v := range obj {
			val, err := convert(v)
			if err != nil {
				return nil, fmt.Errorf("record %d: field %q: %w", i, k, err)
			}
			fields[k] = val
		}
		snap[i] = ir.NewRecord(fields)
	}
	return snap, nil
}

func convert(v any) (ir.Value, error) {
	switch val := v.(type) {
	case []any, map[string]any:
		plain, err := plainJSON(val)
		if err != nil {
			return nil, err
		}
		text, err := ir.MarshalCanonical(plain)
		if err != nil {
			return nil, err
		}
		return ir.Text(text), nil
	default:
		return ir.ValueOf(v)
	}
}

// plainJSON rewrites numbers inside nested values to int64 so the value
// can be canonicalized.
func plainJSON(v any) (any, error) {
	switch val := v.(type) {
	case json.Number:
		n, err := val.Int64()
		if err != nil {
			return nil, fmt.Errorf("floats are forbidden: %s", val.String())
		}
		return n, nil
	case float64:
		iv, err := ir.ValueOf(val)
		if err != nil {
			return nil, err
		}
		return int64(iv.(ir.Int)), nil
	case int:
		return int64(val), nil
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano), nil
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			p, err := plainJSON(e)
			if err != nil {
				return nil, err
			}
			out[i] = p
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			p, err := plainJSON(e)
			if err != nil {
				return nil, err
			}
			out[k] = p
		}
		return out, nil
	default:
		return val, nil
	}
}

// decodeYAML walks the node tree rather than decoding into interfaces, so
// scalars keep their source text (a timestamp stays exactly as written).
func decodeYAML(data []byte) (ir.Snapshot, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}
	if len(doc.Content) == 0 {
		return ir.Snapshot{}, nil
	}
	return FromYAMLNode(doc.Content[0])
}

// FromYAMLNode converts a YAML sequence of mappings to a snapshot. A zero
// node (an absent field in an enclosing document) is an empty snapshot.
func FromYAMLNode(root *yaml.Node) (ir.Snapshot, error) {
	if root == nil || root.Kind == 0 {
		return ir.Snapshot{}, nil
	}
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	if root.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("parse YAML: line %d: snapshot must be a sequence", root.Line)
	}

	snap := make(ir.Snapshot, 0, len(root.Content))
	for i, item := range root.Content {
		if item.Kind == yaml.ScalarNode && item.ShortTag() == "!!null" {
			snap = append(snap, ir.NewRecord(nil))
			continue
		}
		if item.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("record %d: line %d: expected a mapping", i, item.Line)
		}
		fields := make(map[string]ir.Value, len(item.Content)/2)
		for j := 0; j+1 < len(item.Content); j += 2 {
			key, node := item.Content[j].Value, item.Content[j+1]
			val, err := yamlValue(node)
			if err != nil {
				return nil, fmt.Errorf("record %d: field %q: line %d: %w", i, key, node.Line, err)
			}
			fields[key] = val
		}
		snap = append(snap, ir.NewRecord(fields))
	}
	return snap, nil
}

func yamlValue(node *yaml.Node) (ir.Value, error) {
	if node.Kind == yaml.AliasNode {
		return yamlValue(node.Alias)
	}
	if node.Kind != yaml.ScalarNode {
		var nested any
		if err := node.Decode(&nested); err != nil {
			return nil, err
		}
		return convert(nested)
	}
	switch node.ShortTag() {
	case "!!null":
		return ir.Null{}, nil
	case "!!int", "!!float", "!!bool":
		var v any
		if err := node.Decode(&v); err != nil {
			return nil, err
		}
		return ir.ValueOf(v)
	default:
		return ir.Text(node.Value), nil
	}
}

// Stamp sets field to now, formatted with TimestampLayout, on every record
// that lacks it or holds null. It returns the number of records stamped.
func Stamp(snap ir.Snapshot, field string, now time.Time) int {
	ts := ir.Text(now.Format(TimestampLayout))
	n := 0
	for _, rec := range snap {
		if rec == nil {
			continue
		}
		if v, ok := rec.Get(field); ok && !ir.IsNull(v) {
			continue
		}
		rec.Set(field, ts)
		n++
	}
	return n
}
