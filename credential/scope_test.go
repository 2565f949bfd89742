package credential_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorcd/conveyor/credential"
	"github.com/conveyorcd/conveyor/credential/providers/memory"
)

func newSeededManager(t *testing.T) *credential.Manager {
	t.Helper()
	provider := memory.New()
	ctx := context.Background()
	require.NoError(t, provider.Store(ctx, credential.Ref{Path: "registry/login"}, []byte(`{"username":"deployer","password":"hunter2"}`)))
	require.NoError(t, provider.Store(ctx, credential.Ref{Path: "cluster/kubeconfig"}, []byte("apiVersion: v1\nkind: Config\n")))
	require.NoError(t, provider.Store(ctx, credential.Ref{Path: "registry/token"}, []byte("tok-abc123")))

	manager := credential.NewManager()
	require.NoError(t, manager.Register(provider))
	return manager
}

func TestEnvPairMaterialization(t *testing.T) {
	manager := newSeededManager(t)
	bindings := []credential.Binding{{
		Name:        "registry-login",
		Kind:        credential.KindEnv,
		Ref:         credential.Ref{Path: "registry/login"},
		UsernameVar: "REGISTRY_USER",
		PasswordVar: "REGISTRY_PASS",
	}}

	var seen map[string]string
	err := credential.WithScope(context.Background(), manager, bindings, func(ctx context.Context, scope *credential.Scope) error {
		seen = scope.Env()
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "deployer", seen["REGISTRY_USER"])
	assert.Equal(t, "hunter2", seen["REGISTRY_PASS"])
}

func TestSingleValueMaterialization(t *testing.T) {
	manager := newSeededManager(t)
	bindings := []credential.Binding{{
		Name:   "registry-token",
		Kind:   credential.KindEnv,
		Ref:    credential.Ref{Path: "registry/token"},
		EnvVar: "REGISTRY_TOKEN",
	}}

	err := credential.WithScope(context.Background(), manager, bindings, func(ctx context.Context, scope *credential.Scope) error {
		assert.Equal(t, "tok-abc123", scope.Env()["REGISTRY_TOKEN"])
		return nil
	})
	require.NoError(t, err)
}

// Scope containment: the credential file must not exist before the
// stage body starts and must be gone after it ends, on success and on
// failure alike.
func TestFileScopeContainment(t *testing.T) {
	manager := newSeededManager(t)
	path := filepath.Join(t.TempDir(), "kube", "config")
	bindings := []credential.Binding{{
		Name: "kubeconfig",
		Kind: credential.KindFile,
		Ref:  credential.Ref{Path: "cluster/kubeconfig"},
		Path: path,
	}}

	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr))

	err := credential.WithScope(context.Background(), manager, bindings, func(ctx context.Context, scope *credential.Scope) error {
		require.Equal(t, path, scope.FilePath("kubeconfig"))

		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

		content, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(content), "kind: Config")
		return nil
	})
	require.NoError(t, err)

	_, statErr = os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "credential file must be removed when the scope ends")
}

func TestFileRemovedOnStageFailure(t *testing.T) {
	manager := newSeededManager(t)
	path := filepath.Join(t.TempDir(), "config")
	bindings := []credential.Binding{{
		Name: "kubeconfig",
		Kind: credential.KindFile,
		Ref:  credential.Ref{Path: "cluster/kubeconfig"},
		Path: path,
	}}

	stageErr := errors.New("deploy exploded")
	err := credential.WithScope(context.Background(), manager, bindings, func(ctx context.Context, scope *credential.Scope) error {
		return stageErr
	})
	assert.ErrorIs(t, err, stageErr)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "credential file must be removed on failure exit paths")
}

func TestUnresolvableBindingFails(t *testing.T) {
	manager := newSeededManager(t)
	bindings := []credential.Binding{{
		Name:   "missing",
		Kind:   credential.KindEnv,
		Ref:    credential.Ref{Path: "does/not/exist"},
		EnvVar: "NOPE",
	}}

	called := false
	err := credential.WithScope(context.Background(), manager, bindings, func(ctx context.Context, scope *credential.Scope) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, credential.ErrSecretNotFound)
	assert.False(t, called, "stage body must not run when a binding cannot be resolved")
}

func TestPairBindingRejectsOpaqueSecret(t *testing.T) {
	manager := newSeededManager(t)
	bindings := []credential.Binding{{
		Name:        "bad-shape",
		Kind:        credential.KindEnv,
		Ref:         credential.Ref{Path: "registry/token"},
		UsernameVar: "U",
		PasswordVar: "P",
	}}

	err := credential.WithScope(context.Background(), manager, bindings, func(ctx context.Context, scope *credential.Scope) error {
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "username/password")
}

func TestBindingValidation(t *testing.T) {
	cases := []struct {
		name    string
		binding credential.Binding
	}{
		{"missing name", credential.Binding{Kind: credential.KindEnv, Ref: credential.Ref{Path: "x"}, EnvVar: "X"}},
		{"missing ref", credential.Binding{Name: "b", Kind: credential.KindEnv, EnvVar: "X"}},
		{"env without vars", credential.Binding{Name: "b", Kind: credential.KindEnv, Ref: credential.Ref{Path: "x"}}},
		{"both env forms", credential.Binding{Name: "b", Kind: credential.KindEnv, Ref: credential.Ref{Path: "x"}, EnvVar: "X", UsernameVar: "U", PasswordVar: "P"}},
		{"file without path", credential.Binding{Name: "b", Kind: credential.KindFile, Ref: credential.Ref{Path: "x"}}},
		{"unknown kind", credential.Binding{Name: "b", Kind: "vault", Ref: credential.Ref{Path: "x"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, tc.binding.Validate())
		})
	}
}

func TestManagerDuplicateRegistration(t *testing.T) {
	manager := credential.NewManager()
	require.NoError(t, manager.Register(memory.New()))
	assert.Error(t, manager.Register(memory.New()))
}
