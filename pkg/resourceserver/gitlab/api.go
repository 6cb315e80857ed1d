package gitlab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// API is the slice of the GitLab REST API the adapter needs.
type API interface {
	Project(ctx context.Context, path string) (*Project, error)
	Group(ctx context.Context, id int64) (*Group, error)
	GroupMember(ctx context.Context, groupID int64, userID string) (*Member, error)
	CurrentUser(ctx context.Context) (*User, error)
}

// APIFactory returns an API authenticated with token.
type APIFactory func(ctx context.Context, token *oauth2.Token) API

// Project is the subset of GET /projects/:id used for authorization.
type Project struct {
	ID                int64         `json:"id"`
	PathWithNamespace string        `json:"path_with_namespace"`
	Namespace         Namespace     `json:"namespace"`
	Permissions       Permissions   `json:"permissions"`
	SharedWithGroups  []SharedGroup `json:"shared_with_groups"`
}

// Namespace owns a project; Kind is "group" or "user".
type Namespace struct {
	ID       int64  `json:"id"`
	Kind     string `json:"kind"`
	FullPath string `json:"full_path"`
}

// Permissions holds the caller's direct access to a project.
type Permissions struct {
	ProjectAccess *Access `json:"project_access"`
	GroupAccess   *Access `json:"group_access"`
}

// Access is an access level grant.
type Access struct {
	AccessLevel int `json:"access_level"`
}

// Group is the subset of GET /groups/:id used for the group walk.
type Group struct {
	ID               int64         `json:"id"`
	FullPath         string        `json:"full_path"`
	ParentID         *int64        `json:"parent_id"`
	SharedWithGroups []SharedGroup `json:"shared_with_groups"`
}

// SharedGroup is an edge to a group a project or group is shared with.
type SharedGroup struct {
	GroupID          int64 `json:"group_id"`
	GroupAccessLevel int   `json:"group_access_level"`
}

// Member is a group membership.
type Member struct {
	ID          int64 `json:"id"`
	AccessLevel int   `json:"access_level"`
}

// User is the authenticated user from GET /user.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	State    string `json:"state"`
	External bool   `json:"external"`
}

// StatusError is a non-2xx answer from the GitLab API.
type StatusError struct {
	StatusCode int
	Path       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gitlab api %s: unexpected status %d", e.Path, e.StatusCode)
}

// IsNotFound reports a 404, which GitLab also answers for resources the
// token may not see.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

// HTTPAPI talks to the GitLab REST API v4. Each call is bounded by timeout
// and never retried.
type HTTPAPI struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
}

// NewHTTPAPI creates a client for the instance at baseURL using an already
// authenticated http.Client.
func NewHTTPAPI(baseURL string, client *http.Client, timeout time.Duration) *HTTPAPI {
	return &HTTPAPI{
		baseURL: strings.TrimRight(baseURL, "/") + "/api/v4",
		client:  client,
		timeout: timeout,
	}
}

// Project implements API.
func (a *HTTPAPI) Project(ctx context.Context, path string) (*Project, error) {
	var p Project
	if err := a.get(ctx, "/projects/"+url.PathEscape(path), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Group implements API.
func (a *HTTPAPI) Group(ctx context.Context, id int64) (*Group, error) {
	var g Group
	if err := a.get(ctx, "/groups/"+strconv.FormatInt(id, 10), &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// GroupMember implements API.
func (a *HTTPAPI) GroupMember(ctx context.Context, groupID int64, userID string) (*Member, error) {
	var m Member
	path := "/groups/" + strconv.FormatInt(groupID, 10) + "/members/" + url.PathEscape(userID)
	if err := a.get(ctx, path, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// CurrentUser implements API.
func (a *HTTPAPI) CurrentUser(ctx context.Context) (*User, error) {
	var u User
	if err := a.get(ctx, "/user", &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (a *HTTPAPI) get(ctx context.Context, path string, out any) error {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("gitlab api %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Path: path}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("gitlab api %s: failed to decode response: %w", path, err)
	}
	return nil
}
