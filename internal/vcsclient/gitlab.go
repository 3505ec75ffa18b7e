// Package vcsclient supplies the narrow GitLab surface the status
// reconciler needs for merge-request-replacement search on GitLab-hosted
// repositories, mirroring ghclient's GitHub surface.
package vcsclient

import (
	"fmt"

	gitlab "gitlab.com/gitlab-org/api/client-go"
)

// GitLabClient wraps the subset of the GitLab API used for CI status and
// open merge-request search.
type GitLabClient struct {
	client *gitlab.Client
}

// NewGitLab builds a GitLabClient. host is the API host ("" or "gitlab.com"
// for GitLab.com itself, otherwise a self-hosted instance).
func NewGitLab(token, host string) (*GitLabClient, error) {
	var opts []gitlab.ClientOptionFunc
	if host != "" && host != "gitlab.com" {
		opts = append(opts, gitlab.WithBaseURL(fmt.Sprintf("https://%s/api/v4/", host)))
	}
	client, err := gitlab.NewClient(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating GitLab client: %w", err)
	}
	return &GitLabClient{client: client}, nil
}

// MergeRequest is the subset of MR metadata the reconciler reasons about.
type MergeRequest struct {
	IID       int
	Title     string
	State     string // "opened" | "closed" | "merged"
	SourceRef string
	SHA       string
	Author    string
	WebURL    string
}

// GetMergeRequest fetches a single MR by its project-scoped IID.
func (c *GitLabClient) GetMergeRequest(projectPath string, iid int) (*MergeRequest, error) {
	mr, _, err := c.client.MergeRequests.GetMergeRequest(projectPath, iid, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching MR %s!%d: %w", projectPath, iid, err)
	}
	return &MergeRequest{
		IID:       mr.IID,
		Title:     mr.Title,
		State:     mr.State,
		SourceRef: mr.SourceBranch,
		SHA:       mr.SHA,
		Author:    mr.Author.Username,
		WebURL:    mr.WebURL,
	}, nil
}

// ChangedFiles returns the file paths touched by an MR, for post-execution
// path validation.
func (c *GitLabClient) ChangedFiles(projectPath string, iid int) ([]string, error) {
	changes, _, err := c.client.MergeRequests.ListMergeRequestDiffs(projectPath, iid, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching MR %s!%d diffs: %w", projectPath, iid, err)
	}
	out := make([]string, 0, len(changes))
	for _, c := range changes {
		out = append(out, c.NewPath)
	}
	return out, nil
}

// PipelineStatus is the aggregated CI verdict for a commit SHA.
type PipelineStatus struct {
	Status string // "success", "failed", "running", "pending", "canceled", ""
}

// CheckPipelineForSHA returns the most recent pipeline status for a commit.
func (c *GitLabClient) CheckPipelineForSHA(projectPath, sha string) (PipelineStatus, error) {
	pipelines, _, err := c.client.Pipelines.ListProjectPipelines(projectPath, &gitlab.ListProjectPipelinesOptions{
		SHA: gitlab.Ptr(sha),
	})
	if err != nil {
		return PipelineStatus{}, fmt.Errorf("listing pipelines for %s@%s: %w", projectPath, sha, err)
	}
	if len(pipelines) == 0 {
		return PipelineStatus{Status: ""}, nil
	}
	return PipelineStatus{Status: pipelines[0].Status}, nil
}

// ListOpenMergeRequests returns every open MR on a project, most recently
// updated first.
func (c *GitLabClient) ListOpenMergeRequests(projectPath string) ([]MergeRequest, error) {
	opened := "opened"
	mrs, _, err := c.client.MergeRequests.ListProjectMergeRequests(projectPath, &gitlab.ListProjectMergeRequestsOptions{
		State:   &opened,
		OrderBy: gitlab.Ptr("updated_at"),
		Sort:    gitlab.Ptr("desc"),
	})
	if err != nil {
		return nil, fmt.Errorf("listing open MRs for %s: %w", projectPath, err)
	}
	out := make([]MergeRequest, 0, len(mrs))
	for _, mr := range mrs {
		out = append(out, MergeRequest{
			IID:       mr.IID,
			Title:     mr.Title,
			State:     mr.State,
			SourceRef: mr.SourceBranch,
			Author:    mr.Author.Username,
			WebURL:    mr.WebURL,
		})
	}
	return out, nil
}

// FindReplacement applies the same preference order as ghclient.FindReplacement:
// identical source branch, then identical title, then a unique same-author
// match, then the most recently updated MR.
func FindReplacement(candidates []MergeRequest, sourceBranch, title, author string) (MergeRequest, bool) {
	if len(candidates) == 0 {
		return MergeRequest{}, false
	}
	for _, mr := range candidates {
		if sourceBranch != "" && mr.SourceRef == sourceBranch {
			return mr, true
		}
	}
	for _, mr := range candidates {
		if title != "" && mr.Title == title {
			return mr, true
		}
	}
	if author != "" {
		var byAuthor []MergeRequest
		for _, mr := range candidates {
			if mr.Author == author {
				byAuthor = append(byAuthor, mr)
			}
		}
		if len(byAuthor) == 1 {
			return byAuthor[0], true
		}
	}
	return candidates[0], true
}
