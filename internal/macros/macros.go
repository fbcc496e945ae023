// Package macros implements the generic "$name$" / "$a.b$" macro
// resolver. Unlike gogios's fixed Nagios macro table, resolution here
// walks an ordered list of named resolvers, each
// either a dotted-path object (struct, map) or a function, so callers
// compose exactly the macro namespace they need (host fields, service
// fields, $USERn$ resources, command arguments) without the engine
// hard-coding every macro name.
package macros

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/icinga-go/gogiod/internal/checkable"
)

// MaxRecursionLevel bounds a resolved value that itself contains
// macro references, mirroring the engine's other recursion guards
// (internal/dependency.MaxRecursionLevel).
const MaxRecursionLevel = 8

// MacroSyntaxError is returned when a template has an unmatched `$`.
type MacroSyntaxError struct {
	Template string
}

func (e *MacroSyntaxError) Error() string {
	return fmt.Sprintf("macro syntax error: unmatched '$' in %q", e.Template)
}

// MacroFunc is a resolver field whose value is computed on demand,
// given the resolver list and check result in scope — the Go
// equivalent of gogios's callable macro values.
type MacroFunc func(resolvers []Resolver, cr *checkable.CheckResult) (any, error)

// Resolver pairs a dotted-path prefix (or "" for name-only macros,
// e.g. $TIMET$) with the object macro lookups against that prefix are
// walked into. Object may be a struct, a map[string]string, a
// map[string]any, or a func(name string) (any, bool) for resolvers
// that compute values rather than expose fields.
type Resolver struct {
	Prefix string
	Object any
}

// ResolveMacros scans template for $name$ and $a.b.c$ references and
// replaces each with its resolved value, in resolver-list order.
// Functions are evaluated with (resolvers, cr). A terminal slice value
// is joined with ";". Missing macros resolve to empty string and, if
// missing is non-nil, are recorded there. If cache is non-nil and
// useCache is true, previously resolved names are served from cache
// (and new resolutions are written back) so repeated expansion of the
// same template against the same check result does not re-walk
// resolvers. Returns *MacroSyntaxError on an unmatched '$'.
func ResolveMacros(template string, resolvers []Resolver, cr *checkable.CheckResult, missing map[string]bool, escapeFn func(string) string, cache map[string]string, useCache bool) (string, error) {
	return resolveMacros(template, resolvers, cr, missing, escapeFn, cache, useCache, 0)
}

func resolveMacros(template string, resolvers []Resolver, cr *checkable.CheckResult, missing map[string]bool, escapeFn func(string) string, cache map[string]string, useCache bool, level int) (string, error) {
	var out strings.Builder
	out.Grow(len(template))

	i := 0
	for i < len(template) {
		if template[i] != '$' {
			out.WriteByte(template[i])
			i++
			continue
		}
		if i+1 < len(template) && template[i+1] == '$' {
			out.WriteByte('$')
			i += 2
			continue
		}

		end := strings.IndexByte(template[i+1:], '$')
		if end < 0 {
			return "", &MacroSyntaxError{Template: template}
		}
		end += i + 1
		name := template[i+1 : end]
		i = end + 1

		if useCache && cache != nil {
			if v, ok := cache[name]; ok {
				out.WriteString(v)
				continue
			}
		}

		resolved, found, err := resolveOne(name, resolvers, cr)
		if err != nil {
			return "", err
		}

		var text string
		if found {
			text = stringifyMacro(resolved)
			if strings.Contains(text, "$") && level < MaxRecursionLevel {
				expanded, err := resolveMacros(text, resolvers, cr, missing, escapeFn, cache, useCache, level+1)
				if err == nil {
					text = expanded
				}
			}
			if escapeFn != nil {
				text = escapeFn(text)
			}
		} else if missing != nil {
			missing[name] = true
		}

		if cache != nil {
			cache[name] = text
		}
		out.WriteString(text)
	}

	return out.String(), nil
}

func resolveOne(name string, resolvers []Resolver, cr *checkable.CheckResult) (any, bool, error) {
	prefix, path := "", []string{name}
	if dot := strings.IndexByte(name, '.'); dot >= 0 {
		prefix = name[:dot]
		path = strings.Split(name[dot+1:], ".")
	}

	for _, r := range resolvers {
		if r.Prefix != prefix {
			continue
		}
		value, ok, err := walk(r.Object, path, resolvers, cr)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return value, true, nil
		}
	}
	return nil, false, nil
}

func walk(obj any, path []string, resolvers []Resolver, cr *checkable.CheckResult) (any, bool, error) {
	if obj == nil {
		return nil, false, nil
	}

	if fn, ok := obj.(func(string) (any, bool)); ok {
		v, ok := fn(strings.Join(path, "."))
		return v, ok, nil
	}

	if mf, ok := obj.(MacroFunc); ok {
		v, err := mf(resolvers, cr)
		if err != nil {
			return nil, false, err
		}
		return v, true, nil
	}

	if len(path) == 0 {
		return obj, true, nil
	}
	head, rest := path[0], path[1:]

	switch m := obj.(type) {
	case map[string]string:
		v, ok := lookupCaseInsensitive(m, head)
		if !ok || len(rest) > 0 {
			return nil, false, nil
		}
		return v, true, nil
	case map[string]any:
		v, ok := m[head]
		if !ok {
			for k, vv := range m {
				if strings.EqualFold(k, head) {
					v, ok = vv, true
					break
				}
			}
		}
		if !ok {
			return nil, false, nil
		}
		if len(rest) == 0 {
			return walk(v, nil, resolvers, cr)
		}
		return walk(v, rest, resolvers, cr)
	}

	rv := reflect.ValueOf(obj)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil, false, nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, false, nil
	}

	field := findField(rv, head)
	if !field.IsValid() {
		return nil, false, nil
	}
	if len(rest) == 0 {
		return walk(field.Interface(), nil, resolvers, cr)
	}
	return walk(field.Interface(), rest, resolvers, cr)
}

func findField(rv reflect.Value, name string) reflect.Value {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		sf := rt.Field(i)
		if !sf.IsExported() {
			continue
		}
		if tag := sf.Tag.Get("macro"); tag != "" && strings.EqualFold(tag, name) {
			return rv.Field(i)
		}
		if strings.EqualFold(sf.Name, name) {
			return rv.Field(i)
		}
	}
	return reflect.Value{}
}

func lookupCaseInsensitive(m map[string]string, key string) (string, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

func stringifyMacro(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []string:
		return strings.Join(t, ";")
	case fmt.Stringer:
		return t.String()
	case bool:
		if t {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprint(t)
	}
}

// ArgumentSpec describes how a single command-line argument is built
// from an optional flag key and a macro-templated value, e.g.
// `{ "-f": { set_if: "$x$" }, "-a": "$y$" }`.
type ArgumentSpec struct {
	// Value is the macro template for the argument's value. Empty
	// means the argument is key-only (a bare flag).
	Value string
	// SetIf is a macro template; if it resolves to "", "0", or
	// "false", the argument is omitted entirely. Empty means always set.
	SetIf string
	// Order controls relative position in the emitted argv; lower
	// sorts first. Arguments with equal Order keep map-iteration order
	// stable by falling back to the flag key.
	Order int
	// Key overrides the flag text written ahead of Value (defaults to
	// the argument's map key).
	Key string
	// SkipKey omits the flag text, emitting only the resolved value.
	SkipKey bool
	// Repeat treats a resolved array Value as one flag+value pair per
	// element instead of joining the array with ";".
	Repeat bool
	// Required causes ResolveArguments to fail if Value resolves to
	// empty (and SetIf, if any, is truthy).
	Required bool
}

// ResolveArguments expands command (a plain macro template for the
// argv[0] executable, e.g. "$plugindir$/check_http") and the named
// arguments into an ordered argv slice.
func ResolveArguments(command string, args map[string]ArgumentSpec, resolvers []Resolver, cr *checkable.CheckResult) ([]string, error) {
	argv0, err := ResolveMacros(command, resolvers, cr, nil, nil, nil, false)
	if err != nil {
		return nil, err
	}
	argv := []string{argv0}

	type ordered struct {
		key  string
		spec ArgumentSpec
	}
	items := make([]ordered, 0, len(args))
	for k, spec := range args {
		items = append(items, ordered{k, spec})
	}
	sortArgs(items)

	for _, it := range items {
		spec := it.spec
		if spec.SetIf != "" {
			truthy, err := resolveTruthy(spec.SetIf, resolvers, cr)
			if err != nil {
				return nil, err
			}
			if !truthy {
				continue
			}
		}

		key := it.key
		if spec.Key != "" {
			key = spec.Key
		}

		if spec.Value == "" {
			if !spec.SkipKey {
				argv = append(argv, key)
			}
			continue
		}

		resolved, found, err := resolveOne(stripDollars(spec.Value), resolvers, cr)
		if err != nil {
			return nil, err
		}
		if spec.Required && (!found || stringifyMacro(resolved) == "") {
			return nil, fmt.Errorf("macros: required argument %q resolved to empty value", it.key)
		}

		if values, ok := resolved.([]string); ok && spec.Repeat {
			for _, v := range values {
				argv = appendArg(argv, key, v, spec.SkipKey)
			}
			continue
		}

		value, err := ResolveMacros(spec.Value, resolvers, cr, nil, nil, nil, false)
		if err != nil {
			return nil, err
		}
		argv = appendArg(argv, key, value, spec.SkipKey)
	}

	return argv, nil
}

func appendArg(argv []string, key, value string, skipKey bool) []string {
	if skipKey {
		return append(argv, value)
	}
	return append(argv, key, value)
}

func resolveTruthy(template string, resolvers []Resolver, cr *checkable.CheckResult) (bool, error) {
	v, err := ResolveMacros(template, resolvers, cr, nil, nil, nil, false)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "0", "false":
		return false, nil
	default:
		return true, nil
	}
}

// stripDollars strips a single enclosing "$...$" so a raw macro name
// can be looked up directly via resolveOne (used for array-typed
// values, which ResolveMacros itself would stringify with ";").
func stripDollars(template string) string {
	t := strings.TrimSpace(template)
	if strings.HasPrefix(t, "$") && strings.HasSuffix(t, "$") && len(t) >= 2 {
		return t[1 : len(t)-1]
	}
	return t
}

func sortArgs(items []struct {
	key  string
	spec ArgumentSpec
}) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0; j-- {
			a, b := items[j-1], items[j]
			if a.spec.Order < b.spec.Order || (a.spec.Order == b.spec.Order && a.key <= b.key) {
				break
			}
			items[j-1], items[j] = items[j], items[j-1]
		}
	}
}

// SplitCommandArgs splits a bang-separated legacy command line
// ("check_nrpe!check_disk!20%!10%") into its command name and
// positional $ARGn$ values, for config loaders that still accept that
// shorthand.
func SplitCommandArgs(checkCommand string) (string, []string) {
	parts := strings.Split(checkCommand, "!")
	if len(parts) == 0 {
		return "", nil
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return parts[0], parts[1:]
}

// ArgResolver builds a Resolver over positional $ARGn$ (1-based) and
// $USERn$ resource macros, the two name-only (prefix-less) macro
// families every command template can reference regardless of host/
// service context.
func ArgResolver(args []string, userMacros []string) Resolver {
	return Resolver{Object: func(name string) (any, bool) {
		if n, ok := indexedMacro(name, "ARG"); ok {
			if n-1 < len(args) {
				return args[n-1], true
			}
			return "", true
		}
		if n, ok := indexedMacro(name, "USER"); ok {
			if n-1 < len(userMacros) {
				return userMacros[n-1], true
			}
			return "", true
		}
		return nil, false
	}}
}

func indexedMacro(name, prefix string) (int, bool) {
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(name[len(prefix):])
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}
