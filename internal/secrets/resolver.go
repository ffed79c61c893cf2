// Package secrets resolves credential references in configuration and
// keeps resolved credentials and personal data out of logs and exports.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Resolver resolves secret references to their values.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, ref string) (string, error)

// Resolve calls f(ctx, ref).
func (f ResolverFunc) Resolve(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// RefResolver expands "env(NAME)" from the environment and "file(PATH)"
// from a file, trimming surrounding whitespace. Any other value is
// returned unchanged.
type RefResolver struct {
	lookupEnv func(string) (string, bool)
	readFile  func(string) ([]byte, error)
}

// NewRefResolver returns a resolver over the process environment and the
// local filesystem.
func NewRefResolver() *RefResolver {
	return &RefResolver{lookupEnv: os.LookupEnv, readFile: os.ReadFile}
}

// Resolve implements Resolver.
func (r *RefResolver) Resolve(_ context.Context, ref string) (string, error) {
	kind, arg, ok := parseRef(ref)
	if !ok {
		return ref, nil
	}
	switch kind {
	case "env":
		value, ok := r.lookupEnv(arg)
		if !ok {
			return "", fmt.Errorf("environment variable %q not set", arg)
		}
		return value, nil
	case "file":
		data, err := r.readFile(arg)
		if err != nil {
			return "", fmt.Errorf("read secret file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return ref, nil
}

// IsRef reports whether value is an env() or file() reference.
func IsRef(value string) bool {
	_, _, ok := parseRef(value)
	return ok
}

func parseRef(ref string) (kind, arg string, ok bool) {
	for _, k := range []string{"env", "file"} {
		prefix := k + "("
		if strings.HasPrefix(ref, prefix) && strings.HasSuffix(ref, ")") {
			arg = strings.TrimSpace(ref[len(prefix) : len(ref)-1])
			if arg == "" {
				return "", "", false
			}
			return k, arg, true
		}
	}
	return "", "", false
}
