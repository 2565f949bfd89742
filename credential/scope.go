package credential

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	cerrors "github.com/conveyorcd/conveyor/errors"
)

// Scope exposes the materialized form of a stage's bindings to the
// stage body. It is only valid inside the function passed to
// WithScope; the scope manager tears it down when that function
// returns, whatever the outcome.
type Scope struct {
	env   map[string]string
	files map[string]string // binding name -> path
}

// Env returns a copy of the environment values materialized for this
// scope, suitable for merging into a command's environment.
func (s *Scope) Env() map[string]string {
	out := make(map[string]string, len(s.env))
	for k, v := range s.env {
		out[k] = v
	}
	return out
}

// FilePath returns the materialized file path for a file-kind binding,
// or "" if the binding did not declare a file.
func (s *Scope) FilePath(bindingName string) string {
	return s.files[bindingName]
}

// WithScope resolves the given bindings, materializes them, runs fn,
// and removes every materialization before returning, whether fn
// returned normally, failed, or was cancelled. The returned
// error is fn's error; teardown failures are attached with
// errors.Join so they surface without masking the stage outcome.
func WithScope(ctx context.Context, manager *Manager, bindings []Binding, fn func(ctx context.Context, scope *Scope) error) error {
	scope := &Scope{
		env:   make(map[string]string),
		files: make(map[string]string),
	}
	var secrets []*Secret

	cleanup := func() error {
		var errs []error
		for name, path := range scope.files {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				errs = append(errs, cerrors.Wrap(err, cerrors.CodeCredentialLeak, cerrors.SeverityFatal,
					fmt.Sprintf("removing credential file for binding %q", name)))
			}
		}
		for key := range scope.env {
			delete(scope.env, key)
		}
		scope.files = map[string]string{}
		for _, secret := range secrets {
			secret.Clear()
		}
		return errors.Join(errs...)
	}

	for _, binding := range bindings {
		if err := binding.Validate(); err != nil {
			cleanupErr := cleanup()
			return errors.Join(cerrors.Wrap(err, cerrors.CodeCredentialUnresolved, cerrors.SeverityFatal, "invalid binding"), cleanupErr)
		}

		secret, err := manager.Resolve(ctx, binding.Provider, binding.Ref)
		if err != nil {
			cleanupErr := cleanup()
			return errors.Join(cerrors.Wrap(err, cerrors.CodeCredentialUnresolved, cerrors.SeverityFatal,
				fmt.Sprintf("resolving binding %q", binding.Name)), cleanupErr)
		}
		secrets = append(secrets, secret)

		if err := materialize(binding, secret, scope); err != nil {
			cleanupErr := cleanup()
			return errors.Join(err, cleanupErr)
		}
	}

	fnErr := fn(ctx, scope)
	cleanupErr := cleanup()
	return errors.Join(fnErr, cleanupErr)
}

// materialize writes one resolved binding into the scope.
func materialize(binding Binding, secret *Secret, scope *Scope) error {
	switch binding.Kind {
	case KindEnv:
		if binding.UsernameVar != "" {
			pair, ok := secret.DecodeUserPass()
			if !ok {
				return cerrors.New(cerrors.CodeCredentialUnresolved, cerrors.SeverityFatal,
					fmt.Sprintf("binding %q expects a username/password secret", binding.Name))
			}
			scope.env[binding.UsernameVar] = pair.Username
			scope.env[binding.PasswordVar] = pair.Password
			return nil
		}
		scope.env[binding.EnvVar] = secret.String()
		return nil

	case KindFile:
		if err := os.MkdirAll(filepath.Dir(binding.Path), 0o700); err != nil {
			return cerrors.Wrap(err, cerrors.CodeCredentialUnresolved, cerrors.SeverityFatal,
				fmt.Sprintf("creating directory for binding %q", binding.Name))
		}
		// Owner read/write only. WriteFile's mode is ignored when the
		// file already exists, so enforce it explicitly.
		if err := os.WriteFile(binding.Path, secret.Value, 0o600); err != nil {
			return cerrors.Wrap(err, cerrors.CodeCredentialUnresolved, cerrors.SeverityFatal,
				fmt.Sprintf("writing credential file for binding %q", binding.Name))
		}
		if err := os.Chmod(binding.Path, 0o600); err != nil {
			return cerrors.Wrap(err, cerrors.CodeCredentialUnresolved, cerrors.SeverityFatal,
				fmt.Sprintf("restricting credential file for binding %q", binding.Name))
		}
		scope.files[binding.Name] = binding.Path
		return nil

	default:
		return cerrors.New(cerrors.CodeCredentialUnresolved, cerrors.SeverityFatal,
			fmt.Sprintf("binding %q: unknown kind %q", binding.Name, binding.Kind))
	}
}
