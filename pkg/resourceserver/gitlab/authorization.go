package gitlab

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/tendant/simple-oauth2/pkg/resourceserver"
)

const namespaceKindGroup = "group"

// ComputeAuthorization implements resourceserver.Adapter.
//
// The level is the highest of the user's direct project access and the
// user's membership in every group that can reach the project: groups the
// project is shared with, the owning group and its ancestors, the groups
// those are shared with, and so on transitively. Failed group requests
// only shrink the result; a project the user cannot read leaves the
// authorization unavailable.
func (a *Adapter) ComputeAuthorization(ctx context.Context, token *oauth2.Token, identity *resourceserver.Identity) resourceserver.Authorization {
	if a.cfg.BlockExternalUsers && identity.External {
		slog.Info("External GitLab user blocked", "provider", a.cfg.Identifier, "user", identity.Username)
		return resourceserver.Authorization{Level: resourceserver.NoAccess, Available: true}
	}

	api := a.newAPI(ctx, token)
	project, err := api.Project(ctx, a.cfg.ProjectPath)
	if err != nil {
		slog.Warn("GitLab project not readable, authorization unavailable",
			"provider", a.cfg.Identifier, "project", a.cfg.ProjectPath, "user", identity.Username, "error", err)
		return resourceserver.Authorization{}
	}

	level := projectLevel(project)
	w := newGroupWalk(api, a.concurrency)
	groups := w.reachableGroups(ctx, project)
	if m := w.maxMembership(ctx, groups, identity.ID); m > level {
		level = m
	}

	slog.Debug("GitLab authorization computed",
		"provider", a.cfg.Identifier, "user", identity.Username, "level", level, "groups", len(groups))
	return resourceserver.Authorization{Level: level, Available: true}
}

func projectLevel(p *Project) resourceserver.AccessLevel {
	level := resourceserver.NoAccess
	for _, access := range []*Access{p.Permissions.ProjectAccess, p.Permissions.GroupAccess} {
		if access != nil && resourceserver.AccessLevel(access.AccessLevel) > level {
			level = resourceserver.AccessLevel(access.AccessLevel)
		}
	}
	return level
}

// groupWalk fetches each group at most once per computation.
type groupWalk struct {
	api   API
	limit int

	mu      sync.Mutex
	fetched map[int64]*Group
}

func newGroupWalk(api API, limit int) *groupWalk {
	if limit < 1 {
		limit = 1
	}
	return &groupWalk{api: api, limit: limit, fetched: make(map[int64]*Group)}
}

// group returns the group or nil when it cannot be read. Failures are
// remembered so they are not retried.
func (w *groupWalk) group(ctx context.Context, id int64) *Group {
	w.mu.Lock()
	g, ok := w.fetched[id]
	w.mu.Unlock()
	if ok {
		return g
	}

	g, err := w.api.Group(ctx, id)
	if err != nil {
		slog.Debug("GitLab group not readable", "group", id, "error", err)
		g = nil
	}

	w.mu.Lock()
	w.fetched[id] = g
	w.mu.Unlock()
	return g
}

// reachableGroups returns every group id that grants access to project, in
// discovery order and without duplicates. Cycles in the share graph are
// cut by the visited set.
func (w *groupWalk) reachableGroups(ctx context.Context, project *Project) []int64 {
	var order []int64
	visited := make(map[int64]bool)
	add := func(id int64) {
		if id != 0 && !visited[id] {
			visited[id] = true
			order = append(order, id)
		}
	}

	for _, s := range project.SharedWithGroups {
		add(s.GroupID)
	}
	if project.Namespace.Kind == namespaceKindGroup {
		ancestors := make(map[int64]bool)
		for id := project.Namespace.ID; id != 0 && !ancestors[id]; {
			ancestors[id] = true
			add(id)
			g := w.group(ctx, id)
			if g == nil {
				break
			}
			for _, s := range g.SharedWithGroups {
				add(s.GroupID)
			}
			if g.ParentID == nil {
				break
			}
			id = *g.ParentID
		}
	}

	frontier := append([]int64(nil), order...)
	for len(frontier) > 0 {
		groups := make([]*Group, len(frontier))
		var eg errgroup.Group
		eg.SetLimit(w.limit)
		for i, id := range frontier {
			eg.Go(func() error {
				groups[i] = w.group(ctx, id)
				return nil
			})
		}
		_ = eg.Wait()

		var next []int64
		for _, g := range groups {
			if g == nil {
				continue
			}
			for _, s := range g.SharedWithGroups {
				if s.GroupID != 0 && !visited[s.GroupID] {
					add(s.GroupID)
					next = append(next, s.GroupID)
				}
			}
		}
		frontier = next
	}
	return order
}

// maxMembership returns the highest membership level of userID across
// groups. Groups the user is not a member of are skipped.
func (w *groupWalk) maxMembership(ctx context.Context, groups []int64, userID string) resourceserver.AccessLevel {
	var (
		mu    sync.Mutex
		level = resourceserver.NoAccess
		eg    errgroup.Group
	)
	eg.SetLimit(w.limit)
	for _, id := range groups {
		eg.Go(func() error {
			m, err := w.api.GroupMember(ctx, id, userID)
			if err != nil {
				if !IsNotFound(err) {
					slog.Debug("GitLab membership lookup failed", "group", id, "error", err)
				}
				return nil
			}
			mu.Lock()
			if l := resourceserver.AccessLevel(m.AccessLevel); l > level {
				level = l
			}
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()
	return level
}
