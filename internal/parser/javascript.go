package parser

import (
	"strconv"
	"strings"

	"github.com/rebase-inc/skillscanner/internal/config"
)

// javascriptGlobals is the baked-in set of builtin global identifiers.
var javascriptGlobals = map[string]struct{}{}

func init() {
	for _, name := range []string{
		"Infinity", "NaN", "undefined", "null", "eval", "isFinite",
		"isNaN", "parseFloat", "parseInt", "decodeURI",
		"decodeURIComponent", "encodeURI", "encodeURIComponent", "escape",
		"unescape", "Object", "Function", "Boolean", "Symbol", "Error",
		"EvalError", "InternalError", "RangeError", "ReferenceError",
		"SyntaxError", "TypeError", "URIError", "Number", "Math", "Date",
		"String", "RegExp", "Array", "Int8Array", "Uint8Array",
		"Uint8ClampedArray", "Int16Array", "Uint16Array", "Int32Array",
		"Uint32Array", "Float32Array", "Float64Array", "Map", "Set",
		"WeakMap", "WeakSet", "SIMD", "ArrayBuffer", "SharedArrayBuffer",
		"Atomics", "DataView", "JSON", "Promise", "Generator",
		"GeneratorFunction", "Reflect", "Proxy", "Intl", "arguments",
	} {
		javascriptGlobals[name] = struct{}{}
	}
}

// NewJavascriptParser wires the JavaScript language parser (which also
// receives JSX via the dispatcher's MIME override).
func NewJavascriptParser(cfg config.ParsersConfig, callback Callback) *LanguageParser {
	backends := make([]*backend, 0, len(cfg.Javascript))
	for i, b := range cfg.Javascript {
		backends = append(backends, newBackend("javascript_parser_"+strconv.Itoa(i), b))
	}
	return &LanguageParser{
		Language: "javascript",
		backends: backends,
		oracle:   newBackend("javascript_impact", cfg.JavascriptImpact),
		stdlib:   isJavascriptBuiltin,
		callback: callback,
	}
}

func isJavascriptBuiltin(symbol string) bool {
	global, _, _ := strings.Cut(symbol, ".")
	_, ok := javascriptGlobals[global]
	return ok
}
