// Package output renders command results as text, JSON or YAML.
package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

// Formatter renders one result value.
type Formatter interface {
	Format(data any) string
}

// Formats lists the accepted format names.
var Formats = []string{"text", "json", "yaml"}

// NewFormatter returns the Formatter for format ("text", "json", "yaml").
func NewFormatter(format string) (Formatter, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return &TextFormatter{}, nil
	case "json":
		return &JSONFormatter{}, nil
	case "yaml", "yml":
		return &YAMLFormatter{}, nil
	}
	return nil, fmt.Errorf("unknown output format %q (want %s)", format, strings.Join(Formats, "|"))
}

// Structured reports whether f emits a machine readable document.
func Structured(f Formatter) bool {
	_, ok := f.(*TextFormatter)
	return !ok
}

// TextFormatter aligns structs and slices of structs into columns.
// Column names come from the json tag when present.
type TextFormatter struct{}

func (f *TextFormatter) Format(data any) string {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)

	v := reflect.ValueOf(data)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Slice:
		if v.Len() == 0 {
			return "none\n"
		}
		elem := indirect(v.Index(0))
		if elem.Kind() != reflect.Struct {
			for i := 0; i < v.Len(); i++ {
				fmt.Fprintln(w, v.Index(i).Interface())
			}
			break
		}
		fields := columns(elem.Type())
		headers := make([]string, len(fields))
		for i, fi := range fields {
			headers[i] = strings.ToUpper(fi.name)
		}
		fmt.Fprintln(w, strings.Join(headers, "\t"))
		for i := 0; i < v.Len(); i++ {
			row := indirect(v.Index(i))
			vals := make([]string, len(fields))
			for j, fi := range fields {
				vals[j] = cell(row.Field(fi.index))
			}
			fmt.Fprintln(w, strings.Join(vals, "\t"))
		}
	case reflect.Struct:
		for _, fi := range columns(v.Type()) {
			fmt.Fprintf(w, "%s:\t%s\n", fi.name, cell(v.Field(fi.index)))
		}
	default:
		fmt.Fprintln(w, data)
	}
	w.Flush()
	return buf.String()
}

type column struct {
	name  string
	index int
}

func columns(t reflect.Type) []column {
	out := make([]column, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		name := sf.Name
		if tag, _, _ := strings.Cut(sf.Tag.Get("json"), ","); tag == "-" {
			continue
		} else if tag != "" {
			name = tag
		}
		out = append(out, column{name: name, index: i})
	}
	return out
}

func indirect(v reflect.Value) reflect.Value {
	if v.Kind() == reflect.Ptr {
		return v.Elem()
	}
	return v
}

func cell(v reflect.Value) string {
	if v.Kind() == reflect.Map {
		if v.Len() == 0 {
			return "-"
		}
		keys := make([]string, 0, v.Len())
		for _, k := range v.MapKeys() {
			keys = append(keys, fmt.Sprintf("%v=%v", k.Interface(), v.MapIndex(k).Interface()))
		}
		slices.Sort(keys)
		return strings.Join(keys, ",")
	}
	return fmt.Sprintf("%v", v.Interface())
}

// JSONFormatter formats data as indented JSON.
type JSONFormatter struct{}

func (f *JSONFormatter) Format(data any) string {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("error formatting JSON: %v\n", err)
	}
	return string(b) + "\n"
}

// YAMLFormatter formats data as YAML.
type YAMLFormatter struct{}

func (f *YAMLFormatter) Format(data any) string {
	b, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Sprintf("error formatting YAML: %v\n", err)
	}
	return string(b)
}
