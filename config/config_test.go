package config

import (
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/conveyorcd/conveyor/errors"
	"github.com/conveyorcd/conveyor/registry"
)

const fullConfig = `
name: web
source:
  url: https://git.example.com/team/web.git
  branch: release
  credentials:
    - name: git-token
      kind: env
      ref:
        path: git/token
      env_var: GIT_TOKEN
install:
  strictTests: false
  commands:
    - name: install
      run: npm ci
    - name: test
      run: npm test
      absorbed: true
registry:
  host: registry.example.com
  repository: team/web
  conflictPolicy: overwrite
  credentials:
    - name: registry-login
      kind: env
      ref:
        path: registry/login
      username_var: REGISTRY_USER
      password_var: REGISTRY_PASS
builder:
  addr: tcp://127.0.0.1:1234
  readyTimeout: 45s
deploy:
  namespace: apps
  replicas: 5
  port: 8080
  rolloutTimeout: 3m
  probes:
    readiness:
      path: /ready
      initialDelaySeconds: 5
      periodSeconds: 10
  credentials:
    - name: kubeconfig
      kind: file
      ref:
        path: cluster/kubeconfig
      path: /tmp/kubeconfig
cache:
  root: /var/cache/conveyor
`

const minimalConfig = `
name: web
source:
  url: https://git.example.com/team/web.git
registry:
  host: registry.example.com
  repository: team/web
deploy:
  namespace: apps
`

func TestParseFullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullConfig))
	require.NoError(t, err)

	assert.Equal(t, "web", cfg.Name)
	assert.Equal(t, "release", cfg.Source.Branch)
	require.Len(t, cfg.Install.Commands, 2)
	assert.False(t, cfg.Install.Commands[0].Absorbed)
	assert.True(t, cfg.Install.Commands[1].Absorbed)
	assert.Equal(t, registry.ConflictOverwrite, cfg.Registry.ConflictPolicy)
	assert.Equal(t, 45*time.Second, cfg.Builder.ReadyTimeout.Std())
	assert.Equal(t, 3*time.Minute, cfg.Deploy.RolloutTimeout.Std())
	assert.Equal(t, 5, cfg.Deploy.Replicas)
	require.NotNil(t, cfg.Deploy.Probes.Readiness)
	assert.Equal(t, "/ready", cfg.Deploy.Probes.Readiness.Path)
	require.Len(t, cfg.Deploy.Credential, 1)
	assert.Equal(t, "/tmp/kubeconfig", cfg.Deploy.Credential[0].Path)
}

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, DefaultBranch, cfg.Source.Branch)
	assert.Equal(t, registry.ConflictFail, cfg.Registry.ConflictPolicy)
	assert.Equal(t, DefaultRolloutTimeout, cfg.Deploy.RolloutTimeout.Std())
	assert.Equal(t, DefaultReadyTimeout, cfg.Builder.ReadyTimeout.Std())
	assert.Equal(t, 3, cfg.Deploy.Replicas)
	assert.Equal(t, 3000, cfg.Deploy.Port)
	assert.False(t, cfg.Install.StrictTests)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte(minimalConfig + "\nunexpected: true\n"))
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeInvalidConfig, cerrors.CodeOf(err))
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{
			name: "missing name",
			doc: `
source:
  url: https://git.example.com/x.git
registry:
  host: r.example.com
  repository: x
deploy:
  namespace: apps
`,
		},
		{
			name: "missing source url",
			doc: `
name: web
registry:
  host: r.example.com
  repository: x
deploy:
  namespace: apps
`,
		},
		{
			name: "missing registry",
			doc: `
name: web
source:
  url: https://git.example.com/x.git
deploy:
  namespace: apps
`,
		},
		{
			name: "missing namespace",
			doc: `
name: web
source:
  url: https://git.example.com/x.git
registry:
  host: r.example.com
  repository: x
`,
		},
		{
			name: "bad conflict policy",
			doc: `
name: web
source:
  url: https://git.example.com/x.git
registry:
  host: r.example.com
  repository: x
  conflictPolicy: maybe
deploy:
  namespace: apps
`,
		},
		{
			name: "file provider without root",
			doc: minimalConfig + `
secrets:
  provider: file
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Equal(t, cerrors.CodeInvalidConfig, cerrors.CodeOf(err))
		})
	}
}

func TestParseInvalidBinding(t *testing.T) {
	doc := minimalConfig + `
  credentials:
    - name: broken
      kind: env
      ref:
        path: x/y
`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
}

func TestParseBadDuration(t *testing.T) {
	doc := minimalConfig + `
builder:
  readyTimeout: soon
`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
}

func TestLoad(t *testing.T) {
	fsys := memfs.New()
	require.NoError(t, util.WriteFile(fsys, "/etc/conveyor/pipeline.yaml", []byte(minimalConfig), 0o644))

	cfg, err := Load(fsys, "/etc/conveyor/pipeline.yaml")
	require.NoError(t, err)
	assert.Equal(t, "web", cfg.Name)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(memfs.New(), "/nope.yaml")
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeInvalidConfig, cerrors.CodeOf(err))
}
