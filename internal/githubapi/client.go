package githubapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	gogithub "github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"

	"github.com/rebase-inc/skillscanner/internal/config"
	"github.com/rebase-inc/skillscanner/models"
)

// CommitRef identifies one authored commit discovered through the API,
// before any clone exists.
type CommitRef struct {
	SHA        string
	AuthoredAt time.Time
	HTMLURL    string
}

// Client is a GitHub API client with rate-limit-aware pacing baked into its
// transport.
type Client struct {
	gh    *gogithub.Client
	token string
}

// NewClient builds the client. The OAuth transport sits under the pacing
// transport so retries re-sign each attempt.
func NewClient(cfg config.GitHubConfig) (*Client, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("github token is not configured")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
	base := &oauth2.Transport{Source: ts, Base: http.DefaultTransport}
	transport := NewTransport(base, time.Duration(cfg.MinDelayMillis)*time.Millisecond, cfg.MaxRetries)
	return &Client{
		gh:    gogithub.NewClient(&http.Client{Transport: transport}),
		token: cfg.Token,
	}, nil
}

// Token exposes the access token for clone URLs.
func (c *Client) Token() string { return c.token }

// Login resolves the username the token authenticates as.
func (c *Client) Login(ctx context.Context) (string, error) {
	user, _, err := c.gh.Users.Get(ctx, "")
	if err != nil {
		return "", fmt.Errorf("resolving authenticated user: %w", err)
	}
	return user.GetLogin(), nil
}

// UserRepos lists every repository visible for the login, following
// pagination to the end.
func (c *Client) UserRepos(ctx context.Context, login string) ([]models.Repo, error) {
	authenticated, err := c.Login(ctx)
	if err != nil {
		return nil, err
	}
	// Listing the token owner by name hides private repos; the API wants
	// the empty user for that case.
	if login == authenticated {
		login = ""
	}

	var repos []models.Repo
	opts := &gogithub.RepositoryListOptions{
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}
	for {
		page, resp, err := c.gh.Repositories.List(ctx, login, opts)
		if err != nil {
			return nil, fmt.Errorf("listing repos for %q: %w", login, err)
		}
		for _, r := range page {
			repos = append(repos, convertRepo(r))
		}
		if resp.NextPage == 0 {
			return repos, nil
		}
		opts.Page = resp.NextPage
	}
}

// Repo fetches a single repository.
func (c *Client) Repo(ctx context.Context, owner, name string) (*models.Repo, error) {
	r, _, err := c.gh.Repositories.Get(ctx, owner, name)
	if err != nil {
		return nil, fmt.Errorf("getting repo %s/%s: %w", owner, name, err)
	}
	repo := convertRepo(r)
	return &repo, nil
}

// AuthoredCommits lists the commits in owner/name authored by the login,
// newest first.
func (c *Client) AuthoredCommits(ctx context.Context, owner, name, author string) ([]CommitRef, error) {
	var commits []CommitRef
	opts := &gogithub.CommitsListOptions{
		Author:      author,
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}
	for {
		page, resp, err := c.gh.Repositories.ListCommits(ctx, owner, name, opts)
		if err != nil {
			return nil, fmt.Errorf("listing commits of %s/%s by %s: %w", owner, name, author, err)
		}
		for _, commit := range page {
			commits = append(commits, CommitRef{
				SHA:        commit.GetSHA(),
				AuthoredAt: commit.GetCommit().GetAuthor().GetDate().Time,
				HTMLURL:    commit.GetHTMLURL(),
			})
		}
		if resp.NextPage == 0 {
			return commits, nil
		}
		opts.Page = resp.NextPage
	}
}

func convertRepo(r *gogithub.Repository) models.Repo {
	var languages []string
	if lang := r.GetLanguage(); lang != "" {
		languages = append(languages, lang)
	}
	return models.Repo{
		ID:            r.GetID(),
		Owner:         r.GetOwner().GetLogin(),
		Name:          r.GetName(),
		FullName:      r.GetFullName(),
		CloneURL:      r.GetCloneURL(),
		HTMLURL:       r.GetHTMLURL(),
		DefaultBranch: r.GetDefaultBranch(),
		Private:       r.GetPrivate(),
		Fork:          r.GetFork(),
		SizeKB:        int64(r.GetSize()),
		Languages:     languages,
		LastPushedAt:  r.GetPushedAt().Time,
	}
}
