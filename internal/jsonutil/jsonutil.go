// Package jsonutil prints structs as sorted "name: value" lines.
package jsonutil

import (
	"bytes"
	"sort"

	"github.com/fatih/structs"
	"github.com/hokaccha/go-prettyjson"
)

var formatter *prettyjson.Formatter

func init() {
	formatter = prettyjson.NewFormatter()
	formatter.Indent = 0
	formatter.Newline = ""
}

// SetColor enables or disables colored values.
func SetColor(enabled bool) {
	formatter.DisabledColor = !enabled
}

// MarshalCompactPretty formats the fields of struct v as sorted lines of "name: value".
// Fields of nested structs are printed with dotted names.
func MarshalCompactPretty(v interface{}) ([]byte, error) {
	fields := make(map[string]interface{})
	flatten("", structs.Map(v), fields)
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	for _, name := range names {
		b, err := formatter.Marshal(fields[name])
		if err != nil {
			return nil, err
		}
		buf.WriteString(name)
		buf.WriteString(": ")
		buf.Write(b)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

func flatten(prefix string, m map[string]interface{}, out map[string]interface{}) {
	for k, v := range m {
		if nested, ok := v.(map[string]interface{}); ok {
			flatten(prefix+k+".", nested, out)
			continue
		}
		out[prefix+k] = v
	}
}
