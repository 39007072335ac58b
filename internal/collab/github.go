package collab

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/ashita-ai/shiken/internal/model"
)

// pullURLPattern matches https://github.com/{owner}/{repo}/pull/{number}.
var pullURLPattern = regexp.MustCompile(`^https?://(?:www\.)?github\.com/([\w.-]+)/([\w.-]+)/pull/(\d+)`)

// ParsePullRequestURL splits a GitHub pull request URL.
func ParsePullRequestURL(raw string) (owner, repo, number string, ok bool) {
	m := pullURLPattern.FindStringSubmatch(raw)
	if m == nil {
		return "", "", "", false
	}
	return m[1], m[2], m[3], true
}

// GitHubConfig configures GitHubFetcher.
type GitHubConfig struct {
	// APIURL defaults to https://api.github.com.
	APIURL string
	Token  string
	// BaseBranch is compared against for repository+branch references.
	// Defaults to "main".
	BaseBranch string
	HTTPClient *http.Client
}

// GitHubFetcher fetches unified diffs from the GitHub REST API.
type GitHubFetcher struct {
	apiURL string
	token  string
	base   string
	http   *http.Client
}

// NewGitHubFetcher creates a GitHubFetcher.
func NewGitHubFetcher(cfg GitHubConfig) *GitHubFetcher {
	api := strings.TrimRight(cfg.APIURL, "/")
	if api == "" {
		api = "https://api.github.com"
	}
	base := cfg.BaseBranch
	if base == "" {
		base = "main"
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 60 * time.Second}
	}
	return &GitHubFetcher{apiURL: api, token: cfg.Token, base: base, http: hc}
}

// Fetch returns the pull request diff, or the diff of branch against the base
// branch for repository references.
func (g *GitHubFetcher) Fetch(ctx context.Context, ref model.CodeRef) (Diff, error) {
	var endpoint string
	if ref.HasPullRequest() {
		owner, repo, number, ok := ParsePullRequestURL(ref.PullRequestURL)
		if !ok {
			return Diff{}, model.Errorf(model.KindValidation, "collab: %q is not a GitHub pull request URL", ref.PullRequestURL)
		}
		endpoint = fmt.Sprintf("%s/repos/%s/%s/pulls/%s", g.apiURL, owner, repo, number)
	} else {
		owner, repo, ok := strings.Cut(ref.Repository, "/")
		if !ok || owner == "" || repo == "" {
			return Diff{}, model.Errorf(model.KindValidation, "collab: repository %q must be owner/name", ref.Repository)
		}
		endpoint = fmt.Sprintf("%s/repos/%s/%s/compare/%s...%s", g.apiURL, owner, repo,
			url.PathEscape(g.base), url.PathEscape(ref.Branch))
	}

	header := http.Header{}
	header.Set("Accept", "application/vnd.github.v3.diff")
	header.Set("X-GitHub-Api-Version", "2022-11-28")
	if g.token != "" {
		header.Set("Authorization", "Bearer "+g.token)
	}
	raw, err := doRequest(ctx, g.http, http.MethodGet, endpoint, header, nil)
	if err != nil {
		return Diff{}, err
	}
	return ParseDiff(string(raw))
}

// ParseDiff parses a unified multi-file diff and counts added and removed
// lines per file.
func ParseDiff(raw string) (Diff, error) {
	d := Diff{Raw: raw}
	if strings.TrimSpace(raw) == "" {
		return d, nil
	}
	fileDiffs, err := diff.NewMultiFileDiffReader(strings.NewReader(raw)).ReadAllFiles()
	if err != nil {
		return Diff{}, model.WrapError(model.KindAPIError, fmt.Errorf("collab: parse diff: %w", err))
	}
	for _, fd := range fileDiffs {
		path := fd.NewName
		if path == "" || path == "/dev/null" {
			path = fd.OrigName
		}
		path = strings.TrimPrefix(strings.TrimPrefix(path, "a/"), "b/")

		fc := model.FileChange{Path: path}
		for _, hunk := range fd.Hunks {
			for _, line := range strings.Split(string(hunk.Body), "\n") {
				switch {
				case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
					fc.Additions++
				case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
					fc.Deletions++
				}
			}
		}
		d.Additions += fc.Additions
		d.Deletions += fc.Deletions
		d.Files = append(d.Files, fc)
	}
	return d, nil
}
