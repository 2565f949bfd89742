package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"

	cerrors "github.com/conveyorcd/conveyor/errors"
)

// TagResolver resolves a tag within a single repository to its
// manifest descriptor. remote.Repository satisfies it; tests inject
// their own.
type TagResolver interface {
	Resolve(ctx context.Context, reference string) (ocispec.Descriptor, error)
}

// ResolverFunc produces a TagResolver for a reference. It exists so
// tests can intercept repository construction.
type ResolverFunc func(ref Reference) (TagResolver, error)

// Pinger checks registry reachability. remote.Registry satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc produces a Pinger for a registry host.
type PingerFunc func(host string) (Pinger, error)

// Options configures a Client.
type Options struct {
	// Username and Password authenticate against the registry. Empty
	// values mean anonymous access.
	Username string
	Password string

	// PlainHTTP switches registry communication to HTTP. Only used
	// against local test registries.
	PlainHTTP bool

	// Logger receives conflict-check and repository-ensure events.
	Logger *slog.Logger

	// Resolver overrides repository construction. Nil uses the real
	// registry.
	Resolver ResolverFunc

	// Pinger overrides registry construction for reachability checks.
	Pinger PingerFunc
}

// Option configures Options.
type Option func(*Options)

// WithStaticAuth sets static credentials for the registry.
func WithStaticAuth(username, password string) Option {
	return func(o *Options) {
		o.Username = username
		o.Password = password
	}
}

// WithPlainHTTP enables plain HTTP registry communication.
func WithPlainHTTP(enabled bool) Option {
	return func(o *Options) {
		o.PlainHTTP = enabled
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithResolver overrides repository construction for tests.
func WithResolver(fn ResolverFunc) Option {
	return func(o *Options) {
		o.Resolver = fn
	}
}

// WithPinger overrides registry construction for tests.
func WithPinger(fn PingerFunc) Option {
	return func(o *Options) {
		o.Pinger = fn
	}
}

// Client performs the pre-push registry checks for the build stage.
type Client struct {
	opts Options
}

// New creates a Client with the given options.
func New(opts ...Option) *Client {
	options := Options{
		Logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	c := &Client{opts: options}
	if c.opts.Resolver == nil {
		c.opts.Resolver = c.remoteRepository
	}
	if c.opts.Pinger == nil {
		c.opts.Pinger = c.remoteRegistry
	}
	return c
}

// ResolveTag looks up the tag in the registry. The bool reports
// whether the tag exists; a missing tag is not an error.
func (c *Client) ResolveTag(ctx context.Context, ref Reference) (ocispec.Descriptor, bool, error) {
	if err := ref.Validate(); err != nil {
		return ocispec.Descriptor{}, false, err
	}

	repo, err := c.opts.Resolver(ref)
	if err != nil {
		return ocispec.Descriptor{}, false, cerrors.Wrap(err, cerrors.CodeInternal, cerrors.SeverityFatal,
			fmt.Sprintf("creating repository client for %s", ref.String()))
	}

	desc, err := repo.Resolve(ctx, ref.Tag)
	if err != nil {
		if errors.Is(err, errdef.ErrNotFound) {
			return ocispec.Descriptor{}, false, nil
		}
		return ocispec.Descriptor{}, false, cerrors.Wrap(err, cerrors.CodeBuildFailed, cerrors.SeverityFatal,
			fmt.Sprintf("resolving tag %s", ref.String()))
	}

	return desc, true, nil
}

// CheckTagConflict enforces the conflict policy before a push. Under
// ConflictFail an existing tag aborts the stage; under
// ConflictOverwrite it is logged and allowed.
func (c *Client) CheckTagConflict(ctx context.Context, ref Reference, policy ConflictPolicy) error {
	if err := policy.Validate(); err != nil {
		return err
	}

	desc, exists, err := c.ResolveTag(ctx, ref)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	if policy == ConflictFail {
		return cerrors.New(cerrors.CodeTagConflict, cerrors.SeverityFatal,
			fmt.Sprintf("tag %s already exists (digest %s); refusing to overwrite", ref.String(), desc.Digest))
	}

	c.opts.Logger.Warn("overwriting existing image tag",
		"ref", ref.String(),
		"digest", desc.Digest.String())
	return nil
}

// EnsureRepository checks that the registry hosting the repository is
// reachable. Some registries require the repository to pre-exist;
// reachability is the closest portable check, and failure is absorbed
// because most registries create repositories on first push.
func (c *Client) EnsureRepository(ctx context.Context, ref Reference) error {
	reg, err := c.opts.Pinger(ref.Registry)
	if err != nil {
		c.opts.Logger.Warn("registry check skipped", "registry", ref.Registry, "error", err)
		return cerrors.Absorbed(err, fmt.Sprintf("creating registry client for %s", ref.Registry))
	}

	if err := reg.Ping(ctx); err != nil {
		c.opts.Logger.Warn("registry not reachable before push", "registry", ref.Registry, "error", err)
		return cerrors.Absorbed(err, fmt.Sprintf("pinging registry %s", ref.Registry))
	}
	return nil
}

func (c *Client) remoteRepository(ref Reference) (TagResolver, error) {
	repo, err := remote.NewRepository(fmt.Sprintf("%s/%s", ref.Registry, ref.Repository))
	if err != nil {
		return nil, fmt.Errorf("creating remote repository: %w", err)
	}
	repo.PlainHTTP = c.opts.PlainHTTP
	repo.Client = c.authClient(ref.Registry)
	return repo, nil
}

func (c *Client) remoteRegistry(host string) (Pinger, error) {
	reg, err := remote.NewRegistry(host)
	if err != nil {
		return nil, fmt.Errorf("creating remote registry: %w", err)
	}
	reg.PlainHTTP = c.opts.PlainHTTP
	reg.Client = c.authClient(host)
	return reg, nil
}

func (c *Client) authClient(host string) *auth.Client {
	client := &auth.Client{
		Client: retry.DefaultClient,
		Cache:  auth.NewCache(),
	}
	if c.opts.Username != "" || c.opts.Password != "" {
		client.Credential = auth.StaticCredential(host, auth.Credential{
			Username: c.opts.Username,
			Password: c.opts.Password,
		})
	}
	return client
}
