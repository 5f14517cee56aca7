// Package client provides an HTTP client for the crystal daemon's Unix
// socket API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jeffjacobsen/crystal/git"
	"github.com/jeffjacobsen/crystal/pkg/models"
)

// baseURL is the dummy host used for Unix socket HTTP requests.
// The actual connection goes through the Unix socket, not this URL.
const baseURL = "http://unix"

// Client talks to a running crystald over its Unix socket.
type Client struct {
	httpClient *http.Client
	socketPath string
}

// New creates a Client connected to the daemon socket.
func New(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
		DisableKeepAlives: false,
		MaxIdleConns:      10,
		IdleConnTimeout:   90 * time.Second,
	}
	return &Client{
		httpClient: &http.Client{Transport: transport, Timeout: 30 * time.Second},
		socketPath: socketPath,
	}
}

// IsRunning reports whether the daemon responds on its socket.
func (c *Client) IsRunning() bool {
	resp, err := c.httpClient.Get(baseURL + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// apiError mirrors the daemon's error body.
type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("daemon request failed (is crystald running?): %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var ae apiError
		if json.NewDecoder(resp.Body).Decode(&ae) == nil && ae.Error.Message != "" {
			if ae.Error.Code != "" {
				return fmt.Errorf("%s: %s", ae.Error.Code, ae.Error.Message)
			}
			return fmt.Errorf("%s", ae.Error.Message)
		}
		return fmt.Errorf("daemon returned status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Status returns the daemon's running configuration.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	var status map[string]any
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &status); err != nil {
		return nil, err
	}
	return status, nil
}

// SetProject sets the active repository for new sessions.
func (c *Client) SetProject(ctx context.Context, repoPath string) error {
	return c.do(ctx, http.MethodPut, "/api/project", map[string]string{"repo_path": repoPath}, nil)
}

// Project returns the active repository, or "".
func (c *Client) Project(ctx context.Context) (string, error) {
	var resp map[string]string
	if err := c.do(ctx, http.MethodGet, "/api/project", nil, &resp); err != nil {
		return "", err
	}
	return resp["repo_path"], nil
}

// CreateSessionRequest mirrors the daemon's session creation body.
type CreateSessionRequest struct {
	Name       string `json:"name"`
	Prompt     string `json:"prompt"`
	RepoPath   string `json:"repo_path,omitempty"`
	BaseBranch string `json:"base_branch,omitempty"`
}

// CreateSession launches a new session and returns its initial snapshot.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*models.View, error) {
	var view models.View
	if err := c.do(ctx, http.MethodPost, "/api/sessions", req, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// ListSessions returns all live sessions.
func (c *Client) ListSessions(ctx context.Context) ([]*models.View, error) {
	var views []*models.View
	if err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &views); err != nil {
		return nil, err
	}
	return views, nil
}

// GetSession returns one session.
func (c *Client) GetSession(ctx context.Context, id string) (*models.View, error) {
	var view models.View
	if err := c.do(ctx, http.MethodGet, "/api/sessions/"+id, nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// Rename changes a session's name.
func (c *Client) Rename(ctx context.Context, id, name string) (*models.View, error) {
	var view models.View
	if err := c.do(ctx, http.MethodPatch, "/api/sessions/"+id, map[string]string{"name": name}, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// MarkViewed stamps the session as viewed.
func (c *Client) MarkViewed(ctx context.Context, id string) (*models.View, error) {
	var view models.View
	if err := c.do(ctx, http.MethodPatch, "/api/sessions/"+id, map[string]bool{"viewed": true}, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// Archive tears the session down.
func (c *Client) Archive(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/sessions/"+id, nil, nil)
}

// Stop cancels a session's live run.
func (c *Client) Stop(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/sessions/"+id+"/stop", struct{}{}, nil)
}

// Continue restarts a finished session with a follow-up prompt.
func (c *Client) Continue(ctx context.Context, id, prompt string) (*models.View, error) {
	var view models.View
	if err := c.do(ctx, http.MethodPost, "/api/sessions/"+id+"/continue", map[string]string{"prompt": prompt}, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// Outputs returns a session's output records after the given sequence index.
func (c *Client) Outputs(ctx context.Context, id string, since int) ([]models.OutputRecord, error) {
	var records []models.OutputRecord
	path := fmt.Sprintf("/api/sessions/%s/output?since=%d", id, since)
	if err := c.do(ctx, http.MethodGet, path, nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// RunScript starts a command in the session's working copy, taking over
// the daemon's single script slot.
func (c *Client) RunScript(ctx context.Context, id string, command []string, cwd string) error {
	body := map[string]any{"command": command}
	if cwd != "" {
		body["cwd"] = cwd
	}
	return c.do(ctx, http.MethodPost, "/api/sessions/"+id+"/script", body, nil)
}

// StopScript kills whatever occupies the script slot.
func (c *Client) StopScript(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/api/script", nil, nil)
}

// Worktrees lists the repository's worktrees.
func (c *Client) Worktrees(ctx context.Context, repoPath string) ([]git.WorktreeInfo, error) {
	path := "/api/worktrees"
	if repoPath != "" {
		path += "?repo=" + repoPath
	}
	var worktrees []git.WorktreeInfo
	if err := c.do(ctx, http.MethodGet, path, nil, &worktrees); err != nil {
		return nil, err
	}
	return worktrees, nil
}

// Branches lists the repository's branches with worktree annotations.
func (c *Client) Branches(ctx context.Context, repoPath string) ([]git.BranchInfo, error) {
	path := "/api/branches"
	if repoPath != "" {
		path += "?repo=" + repoPath
	}
	var branches []git.BranchInfo
	if err := c.do(ctx, http.MethodGet, path, nil, &branches); err != nil {
		return nil, err
	}
	return branches, nil
}

// Events subscribes to the daemon's SSE stream. The returned channel
// closes when ctx is cancelled or the connection drops.
func (c *Client) Events(ctx context.Context) (<-chan models.Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/events", nil)
	if err != nil {
		return nil, err
	}
	// Streaming requests must not be bounded by the client timeout.
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("daemon returned status %d", resp.StatusCode)
	}

	ch := make(chan models.Event, 32)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev models.Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				continue
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
