// Package checkout provides the source-provider side of the pipeline:
// cloning a repository branch into the run's workspace volume and
// reporting head-commit metadata for the run record. It wraps go-git
// and operates through the billy filesystem abstraction so tests can
// run against in-memory and temporary-directory repositories alike.
package checkout

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	gitcache "github.com/go-git/go-git/v5/plumbing/cache"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"github.com/leodido/go-conventionalcommits"
	ccparser "github.com/leodido/go-conventionalcommits/parser"

	cerrors "github.com/conveyorcd/conveyor/errors"
)

// Options configures a checkout.
type Options struct {
	// URL is the remote repository location. Local paths are accepted
	// for tests.
	URL string

	// Branch selects the branch to check out; empty means the remote
	// default branch.
	Branch string

	// Depth limits history depth; 0 clones full history.
	Depth int

	// Username and Password provide HTTPS basic authentication. For
	// token auth, pass the token as Password with any username.
	Username string
	Password string

	// FS is the filesystem holding the workspace; defaults to the OS
	// filesystem rooted at /.
	FS billy.Filesystem

	// Workdir is the path within FS the worktree is placed at.
	Workdir string
}

// Validate checks required fields.
func (o *Options) Validate() error {
	if o.URL == "" {
		return fmt.Errorf("checkout URL is required")
	}
	if o.Workdir == "" {
		return fmt.Errorf("checkout workdir is required")
	}
	return nil
}

// Commit describes the checked-out head for the run record.
type Commit struct {
	Hash    string
	Summary string
	Author  string
	When    time.Time

	// ChangeType is the conventional-commit type of the head message
	// ("feat", "fix", ...) when the message parses as one; empty
	// otherwise.
	ChangeType string

	// Breaking reports a conventional-commit breaking-change marker.
	Breaking bool
}

// Source is a completed checkout.
type Source struct {
	Head    Commit
	Workdir string
}

// Clone checks out the requested branch into the workspace. Any
// failure is fatal to the checkout stage.
func Clone(ctx context.Context, opts Options) (*Source, error) {
	if err := opts.Validate(); err != nil {
		return nil, cerrors.Wrap(err, cerrors.CodeCheckoutFailed, cerrors.SeverityFatal, "invalid checkout options")
	}

	fs := opts.FS
	if fs == nil {
		fs = osfs.New("/")
	}

	worktreeFS, err := fs.Chroot(opts.Workdir)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.CodeCheckoutFailed, cerrors.SeverityFatal,
			fmt.Sprintf("entering workdir %q", opts.Workdir))
	}
	dotGitFS, err := worktreeFS.Chroot(".git")
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.CodeCheckoutFailed, cerrors.SeverityFatal, "creating .git directory")
	}
	storage := filesystem.NewStorage(dotGitFS, gitcache.NewObjectLRUDefault())

	cloneOpts := &git.CloneOptions{
		URL:   opts.URL,
		Depth: opts.Depth,
	}
	if opts.Branch != "" {
		cloneOpts.ReferenceName = plumbing.NewBranchReferenceName(opts.Branch)
		cloneOpts.SingleBranch = true
	}
	if opts.Password != "" {
		username := opts.Username
		if username == "" {
			// Token auth: most providers want any non-empty username.
			username = "token"
		}
		cloneOpts.Auth = &githttp.BasicAuth{Username: username, Password: opts.Password}
	}

	repo, err := git.CloneContext(ctx, storage, worktreeFS, cloneOpts)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.CodeCheckoutFailed, cerrors.SeverityFatal,
			fmt.Sprintf("cloning %s", opts.URL))
	}

	head, err := headCommit(repo)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.CodeCheckoutFailed, cerrors.SeverityFatal, "reading head commit")
	}

	return &Source{
		Head:    head,
		Workdir: opts.Workdir,
	}, nil
}

// headCommit reads the head commit and classifies its message.
func headCommit(repo *git.Repository) (Commit, error) {
	ref, err := repo.Head()
	if err != nil {
		return Commit{}, err
	}
	commit, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return Commit{}, err
	}

	summary := commit.Message
	if idx := strings.IndexByte(summary, '\n'); idx >= 0 {
		summary = summary[:idx]
	}

	result := Commit{
		Hash:    ref.Hash().String(),
		Summary: summary,
		Author:  commit.Author.Name,
		When:    commit.Author.When,
	}

	machine := ccparser.NewMachine(conventionalcommits.WithTypes(conventionalcommits.TypesConventional))
	if msg, parseErr := machine.Parse([]byte(commit.Message)); parseErr == nil {
		if cc, ok := msg.(*conventionalcommits.ConventionalCommit); ok {
			result.ChangeType = cc.Type
			result.Breaking = cc.IsBreakingChange()
		}
	}

	return result, nil
}
