package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"

	cierrors "blockci/internal/errors"
)

// variablePattern matches ${NAME}. Bare $NAME is left for the shell.
var variablePattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// EnvResolver builds the variable set of a named environment.
type EnvResolver struct {
	// Dir is where dotenv Sources are read from, usually the workspace.
	Dir string
	// Getenv looks up System variables. Defaults to os.Getenv.
	Getenv func(string) string
}

// Resolve merges the environment called name with everything it inherits.
// Parents are applied in declared order, each fully resolved before the
// next, and the environment's own layers go on top. ${NAME} references are
// expanded against the merged set once all layers are in place.
// An empty name resolves to an empty set.
func (r EnvResolver) Resolve(p *Pipeline, name string) (map[string]string, error) {
	if name == "" {
		return map[string]string{}, nil
	}
	merged := make(map[string]string)
	if err := r.merge(p, name, nil, merged); err != nil {
		return nil, err
	}
	return ExpandAll(merged)
}

func (r EnvResolver) merge(p *Pipeline, name string, stack []string, out map[string]string) error {
	for _, seen := range stack {
		if seen == name {
			return cierrors.Config(fmt.Sprintf("environment inheritance cycle: %s -> %s", strings.Join(stack, " -> "), name))
		}
	}
	env, ok := p.Environment(name)
	if !ok {
		return cierrors.Config(fmt.Sprintf("unknown environment %q", name))
	}
	stack = append(stack, name)

	for _, parent := range env.Inherits {
		if err := r.merge(p, parent, stack, out); err != nil {
			return err
		}
	}

	getenv := r.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	for _, key := range env.System {
		if v := getenv(key); v != "" {
			out[key] = v
		}
	}

	for _, src := range env.Sources {
		values, err := godotenv.Read(filepath.Join(r.Dir, filepath.FromSlash(src)))
		if err != nil {
			return cierrors.Wrap(err, cierrors.KindConfig, fmt.Sprintf("environment %q: reading %s", name, src))
		}
		for k, v := range values {
			out[k] = v
		}
	}

	for k, v := range env.Values {
		out[k] = v
	}
	return nil
}

// Environment finds an environment by name.
func (p *Pipeline) Environment(name string) (*Environment, bool) {
	for i := range p.Environments {
		if p.Environments[i].Name == name {
			return &p.Environments[i], true
		}
	}
	return nil, false
}

// Expand replaces ${NAME} references with values from vars. Unknown names
// are left as written.
func Expand(s string, vars map[string]string) string {
	return variablePattern.ReplaceAllStringFunc(s, func(match string) string {
		if v, ok := vars[match[2:len(match)-1]]; ok {
			return v
		}
		return match
	})
}

// ExpandAll resolves references between the values of vars, so that
// A=${B} and B=${C} both end up with C's value. Self-referencing chains are
// a configuration error.
func ExpandAll(vars map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(vars))
	var resolve func(key string, stack []string) (string, error)
	resolve = func(key string, stack []string) (string, error) {
		if v, ok := out[key]; ok {
			return v, nil
		}
		for _, s := range stack {
			if s == key {
				return "", cierrors.Config(fmt.Sprintf("variable reference cycle: %s -> %s", strings.Join(stack, " -> "), key))
			}
		}
		stack = append(stack, key)

		var firstErr error
		v := variablePattern.ReplaceAllStringFunc(vars[key], func(match string) string {
			ref := match[2 : len(match)-1]
			if _, ok := vars[ref]; !ok || firstErr != nil {
				return match
			}
			rv, err := resolve(ref, stack)
			if err != nil {
				firstErr = err
				return match
			}
			return rv
		})
		if firstErr != nil {
			return "", firstErr
		}
		out[key] = v
		return v, nil
	}

	for k := range vars {
		if _, err := resolve(k, nil); err != nil {
			return nil, err
		}
	}
	return out, nil
}
