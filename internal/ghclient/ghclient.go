// Package ghclient wraps the GitHub REST API surface the status reconciler
// needs: PR metadata, the CI check-runs for a commit, a PR's changed files,
// and a search over open pull requests (used for PR-replacement lookups
// after a closed-unmerged PR).
package ghclient

import (
	"context"
	"fmt"
	"strings"

	gogithub "github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"
)

// Client is a thin, narrow wrapper over go-github scoped to what the
// reconciler actually calls. It does not expose repo listing, forking, or PR
// creation: this engine never opens PRs itself, the agent does.
type Client struct {
	gh *gogithub.Client
}

// New builds a Client authenticated with a personal access token or
// GitHub App installation token. host is the API host; pass "" or
// "github.com" for github.com itself, or an Enterprise Server hostname.
func New(token, host string) (*Client, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(context.Background(), ts)
	client := gogithub.NewClient(tc)

	if host != "" && host != "github.com" {
		base := fmt.Sprintf("https://%s/api/v3/", host)
		upload := fmt.Sprintf("https://%s/api/uploads/", host)
		var err error
		client, err = client.WithEnterpriseURLs(base, upload)
		if err != nil {
			return nil, fmt.Errorf("configuring GitHub enterprise URLs: %w", err)
		}
	}
	return &Client{gh: client}, nil
}

// PullRequest is the subset of PR metadata the reconciler reasons about.
type PullRequest struct {
	Number     int
	Title      string
	State      string // "open" | "closed"
	Merged     bool
	HeadRef    string
	HeadSHA    string
	BaseRef    string
	Author     string
	HTMLURL    string
}

// GetPullRequest fetches a single PR by number.
func (c *Client) GetPullRequest(ctx context.Context, owner, repo string, number int) (*PullRequest, error) {
	pr, _, err := c.gh.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, fmt.Errorf("getting PR %s/%s#%d: %w", owner, repo, number, err)
	}
	return convertPR(pr), nil
}

// ChangedFiles returns every file path touched by a PR, across all pages.
func (c *Client) ChangedFiles(ctx context.Context, owner, repo string, number int) ([]string, error) {
	var paths []string
	opts := &gogithub.ListOptions{PerPage: 100}
	for {
		files, resp, err := c.gh.PullRequests.ListFiles(ctx, owner, repo, number, opts)
		if err != nil {
			return nil, fmt.Errorf("listing changed files for %s/%s#%d: %w", owner, repo, number, err)
		}
		for _, f := range files {
			paths = append(paths, f.GetFilename())
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return paths, nil
}

// CheckRunStatus is the aggregated CI verdict for a commit.
type CheckRunStatus struct {
	Conclusion string // "success", "failure", or "" (unknown or still running)
	Total      int
	Completed  int
}

// CheckRunsForSHA aggregates all check runs registered against a commit SHA
// into a single conclusion: "failure" if any run failed, "" (unknown) if any
// run is still in progress, else "success" once every run has completed
// cleanly.
func (c *Client) CheckRunsForSHA(ctx context.Context, owner, repo, sha string) (CheckRunStatus, error) {
	list, _, err := c.gh.Checks.ListCheckRunsForRef(ctx, owner, repo, sha, nil)
	if err != nil {
		return CheckRunStatus{}, fmt.Errorf("listing check runs for %s/%s@%s: %w", owner, repo, sha, err)
	}

	status := CheckRunStatus{Total: list.GetTotal()}
	anyFailed := false
	anyIncomplete := false
	for _, run := range list.CheckRuns {
		if run.GetStatus() != "completed" {
			anyIncomplete = true
			continue
		}
		status.Completed++
		switch run.GetConclusion() {
		case "failure", "timed_out", "action_required", "cancelled":
			anyFailed = true
		}
	}
	switch {
	case anyFailed:
		status.Conclusion = "failure"
	case anyIncomplete || status.Total == 0:
		status.Conclusion = ""
	default:
		status.Conclusion = "success"
	}
	return status, nil
}

// OpenPullRequestSearchOptions narrows ListOpenPullRequests to a
// PR-replacement lookup: a preferred head branch, a preferred title, and an
// author to fall back to.
type OpenPullRequestSearchOptions struct {
	HeadBranch string
	Title      string
	Author     string
}

// ListOpenPullRequests returns every currently open PR on a repo, most
// recently updated first, for the reconciler to apply its own preference
// ordering over (identical head branch, then identical title, then unique
// same-author match, then most recent).
func (c *Client) ListOpenPullRequests(ctx context.Context, owner, repo string) ([]PullRequest, error) {
	var out []PullRequest
	opts := &gogithub.PullRequestListOptions{
		State:       "open",
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}
	for {
		prs, resp, err := c.gh.PullRequests.List(ctx, owner, repo, opts)
		if err != nil {
			return nil, fmt.Errorf("listing open PRs for %s/%s: %w", owner, repo, err)
		}
		for _, pr := range prs {
			out = append(out, *convertPR(pr))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// FindReplacement applies the preference order documented on
// ListOpenPullRequests against an already-fetched candidate list: identical
// head branch wins outright, then identical title, then a unique same-author
// match, then the most recently updated PR in the list. Returns false if
// candidates is empty.
func FindReplacement(candidates []PullRequest, headBranch, title, author string) (PullRequest, bool) {
	if len(candidates) == 0 {
		return PullRequest{}, false
	}
	for _, pr := range candidates {
		if headBranch != "" && pr.HeadRef == headBranch {
			return pr, true
		}
	}
	for _, pr := range candidates {
		if title != "" && pr.Title == title {
			return pr, true
		}
	}
	if author != "" {
		var byAuthor []PullRequest
		for _, pr := range candidates {
			if pr.Author == author {
				byAuthor = append(byAuthor, pr)
			}
		}
		if len(byAuthor) == 1 {
			return byAuthor[0], true
		}
	}
	return candidates[0], true
}

func convertPR(pr *gogithub.PullRequest) *PullRequest {
	return &PullRequest{
		Number:  pr.GetNumber(),
		Title:   pr.GetTitle(),
		State:   pr.GetState(),
		Merged:  pr.GetMerged(),
		HeadRef: pr.GetHead().GetRef(),
		HeadSHA: pr.GetHead().GetSHA(),
		BaseRef: pr.GetBase().GetRef(),
		Author:  pr.GetUser().GetLogin(),
		HTMLURL: pr.GetHTMLURL(),
	}
}

// ParseOwnerRepo splits a "owner/repo" full name into its two parts.
func ParseOwnerRepo(fullName string) (owner, repo string, err error) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid owner/repo full name %q", fullName)
	}
	return parts[0], parts[1], nil
}
