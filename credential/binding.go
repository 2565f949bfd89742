package credential

import "fmt"

// Kind selects how a binding's secret is materialized for the stage.
type Kind string

const (
	// KindEnv materializes the secret as environment values: either a
	// username/password pair split into two variables, or one opaque
	// value in a single variable.
	KindEnv Kind = "env"

	// KindFile materializes the secret as a file at a declared path
	// with owner-only permissions.
	KindFile Kind = "file"
)

// Binding declares a credential requirement of one stage. The secret
// it names is materialized only for the lifetime of that stage.
type Binding struct {
	// Name is the binding identifier used in logs. Log output refers
	// to bindings by name only; the material itself is never logged.
	Name string `yaml:"name"`

	// Provider names the registered provider to resolve from; empty
	// selects the manager's default.
	Provider string `yaml:"provider,omitempty"`

	// Ref locates the secret within the provider.
	Ref Ref `yaml:"ref"`

	// Kind selects env or file materialization.
	Kind Kind `yaml:"kind"`

	// UsernameVar and PasswordVar receive the two halves of a
	// username/password secret (KindEnv only).
	UsernameVar string `yaml:"username_var,omitempty"`
	PasswordVar string `yaml:"password_var,omitempty"`

	// EnvVar receives the whole secret value when it is a single
	// opaque token (KindEnv only).
	EnvVar string `yaml:"env_var,omitempty"`

	// Path is the filesystem location the secret is written to
	// (KindFile only). The file is created with mode 0600 and removed
	// when the stage ends.
	Path string `yaml:"path,omitempty"`
}

// Validate checks the binding declaration for consistency.
func (b Binding) Validate() error {
	if b.Name == "" {
		return fmt.Errorf("binding name is required")
	}
	if b.Ref.Path == "" {
		return fmt.Errorf("binding %q: secret ref path is required", b.Name)
	}
	switch b.Kind {
	case KindEnv:
		pair := b.UsernameVar != "" && b.PasswordVar != ""
		single := b.EnvVar != ""
		if pair == single {
			return fmt.Errorf("binding %q: declare either username_var+password_var or env_var", b.Name)
		}
	case KindFile:
		if b.Path == "" {
			return fmt.Errorf("binding %q: path is required for file bindings", b.Name)
		}
	default:
		return fmt.Errorf("binding %q: unknown kind %q", b.Name, b.Kind)
	}
	return nil
}
