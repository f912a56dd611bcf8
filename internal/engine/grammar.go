package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// GBNF sources for the grammars every runtime build ships with. The shared
// terminal rules mirror the JSON grammar distributed with llama.cpp.
const gbnfJSONTerminals = `
ws ::= [ \t\n]*
string ::= "\"" ([^"\\] | "\\" (["\\/bfnrt] | "u" [0-9a-fA-F] [0-9a-fA-F] [0-9a-fA-F] [0-9a-fA-F]))* "\""
number ::= "-"? ([0-9] | [1-9] [0-9]*) ("." [0-9]+)? ([eE] [-+]? [0-9]+)?
boolean ::= "true" | "false"
value ::= object | array | string | number | boolean | "null"
object ::= "{" ws (string ws ":" ws value ("," ws string ws ":" ws value)*)? ws "}"
array ::= "[" ws (value ("," ws value)*)? ws "]"
`

const (
	gbnfJSON      = "root ::= object ws" + gbnfJSONTerminals
	gbnfJSONArray = "root ::= array ws" + gbnfJSONTerminals
)

// BuiltinGrammarSource returns the GBNF source of a named builtin grammar.
// Recognized names: "json", "json_array".
func BuiltinGrammarSource(name string) (string, error) {
	switch name {
	case "json":
		return gbnfJSON, nil
	case "json_array":
		return gbnfJSONArray, nil
	default:
		return "", fmt.Errorf("unknown builtin grammar %q", name)
	}
}

// schemaNode is the subset of JSON schema the converter understands.
type schemaNode struct {
	Type       string                `json:"type"`
	Properties map[string]schemaNode `json:"properties"`
	Items      *schemaNode           `json:"items"`
	Enum       []any                 `json:"enum"`
}

// CompileSchemaSource converts a JSON schema into GBNF, covering objects,
// arrays, enums and the scalar types. Unknown constructs fall back to a free
// JSON value so generation still produces well-formed JSON.
func CompileSchemaSource(schema []byte) (string, error) {
	var node schemaNode
	if err := json.Unmarshal(schema, &node); err != nil {
		return "", fmt.Errorf("parse schema: %w", err)
	}
	var b strings.Builder
	b.WriteString("root ::= ")
	writeSchemaRule(&b, node)
	b.WriteString(" ws")
	b.WriteString(gbnfJSONTerminals)
	return b.String(), nil
}

func writeSchemaRule(b *strings.Builder, node schemaNode) {
	if len(node.Enum) > 0 {
		alts := make([]string, 0, len(node.Enum))
		for _, v := range node.Enum {
			lit, err := json.Marshal(v)
			if err != nil {
				continue
			}
			alts = append(alts, gbnfLiteral(string(lit)))
		}
		b.WriteString("(" + strings.Join(alts, " | ") + ")")
		return
	}
	switch node.Type {
	case "object":
		if len(node.Properties) == 0 {
			b.WriteString("object")
			return
		}
		// Deterministic property order: sorted by name.
		names := make([]string, 0, len(node.Properties))
		for name := range node.Properties {
			names = append(names, name)
		}
		sort.Strings(names)
		b.WriteString(`"{" ws `)
		for i, name := range names {
			if i > 0 {
				b.WriteString(` "," ws `)
			}
			b.WriteString(gbnfLiteral(fmt.Sprintf("%q", name)))
			b.WriteString(` ws ":" ws `)
			writeSchemaRule(b, node.Properties[name])
		}
		b.WriteString(` ws "}"`)
	case "array":
		if node.Items == nil {
			b.WriteString("array")
			return
		}
		b.WriteString(`"[" ws (`)
		writeSchemaRule(b, *node.Items)
		b.WriteString(` ("," ws `)
		writeSchemaRule(b, *node.Items)
		b.WriteString(`)*)? ws "]"`)
	case "string":
		b.WriteString("string")
	case "number", "integer":
		b.WriteString("number")
	case "boolean":
		b.WriteString("boolean")
	default:
		b.WriteString("value")
	}
}

// gbnfLiteral quotes a literal terminal for GBNF.
func gbnfLiteral(s string) string {
	escaped := strings.ReplaceAll(s, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	return `"` + escaped + `"`
}

// sourceGrammar is the Grammar implementation shared by runtime adapters.
type sourceGrammar struct{ src string }

func (g sourceGrammar) Spec() string { return g.src }

// NewSourceGrammar wraps raw GBNF as a Grammar.
func NewSourceGrammar(src string) Grammar { return sourceGrammar{src: src} }
