package policyopa

import "github.com/open-policy-agent/opa/ast"

// deterministicAllowed is the builtin subset authorization policies may
// use: pure string, number, object, and encoding operations. Anything
// with side effects or ambient input (http.send, time.*, rand.*, io.*)
// stays out so that a given input always evaluates the same way.
var deterministicAllowed = []string{
	"abs", "ceil", "floor", "round", "pow", "max", "min", "sum",
	"concat", "contains", "count", "endswith", "startswith",
	"format_int", "format_number", "sprintf",
	"lower", "upper", "replace", "split", "substring",
	"trim", "trim_left", "trim_right",
	"sort", "eq", "equal", "neq",
	"object.get", "object.remove", "object.union",
	"json.marshal", "json.unmarshal",
	"urlquery.decode", "urlquery.encode",
}

func deterministicCapabilities() *ast.Capabilities {
	allowed := make(map[string]bool, len(deterministicAllowed))
	for _, name := range deterministicAllowed {
		allowed[name] = true
	}
	caps := ast.CapabilitiesForThisVersion()
	kept := caps.Builtins[:0]
	for _, builtin := range caps.Builtins {
		if allowed[builtin.Name] {
			kept = append(kept, builtin)
		}
	}
	caps.Builtins = kept
	return caps
}
