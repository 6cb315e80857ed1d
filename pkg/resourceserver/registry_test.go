package resourceserver_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/tendant/simple-oauth2/pkg/resourceserver"
	"github.com/tendant/simple-oauth2/pkg/resourceserver/resourceservertest"
)

func fakeFactory(built *int32) resourceserver.Factory {
	return func(opts resourceserver.Options) (resourceserver.Adapter, error) {
		atomic.AddInt32(built, 1)
		return resourceservertest.New(opts.Config.Identifier), nil
	}
}

func options(id string, enabled bool) resourceserver.Options {
	opts := resourceserver.Options{Enabled: enabled}
	opts.Config.Identifier = id
	return opts
}

func TestRegistryResolveIsLazyAndSingle(t *testing.T) {
	var built int32
	reg := resourceserver.NewRegistry()
	require.NoError(t, reg.Register("gitlab", "GitLab", fakeFactory(&built), options("gitlab", true)))
	assert.Equal(t, int32(0), built, "factory not called on register")

	var wg sync.WaitGroup
	adapters := make([]resourceserver.Adapter, 8)
	for i := range adapters {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := reg.Resolve("gitlab")
			assert.NoError(t, err)
			adapters[i] = a
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), built)
	for _, a := range adapters {
		assert.Same(t, adapters[0], a)
	}
}

func TestRegistryErrors(t *testing.T) {
	reg := resourceserver.NewRegistry()

	_, err := reg.Resolve("missing")
	var notRegistered *resourceserver.NotRegisteredError
	require.ErrorAs(t, err, &notRegistered)
	assert.Equal(t, "missing", notRegistered.Identifier)

	var invalid *resourceserver.InvalidAdapterError
	assert.ErrorAs(t, reg.Register("x", "X", nil, options("x", true)), &invalid)
	assert.ErrorAs(t, reg.Register("", "X", func(resourceserver.Options) (resourceserver.Adapter, error) { return nil, nil }, options("", true)), &invalid)

	require.NoError(t, reg.Register("nil", "Nil", func(resourceserver.Options) (resourceserver.Adapter, error) {
		return nil, nil
	}, options("nil", true)))
	_, err = reg.Resolve("nil")
	assert.ErrorAs(t, err, &invalid)

	cause := errors.New("project path missing")
	require.NoError(t, reg.Register("broken", "Broken", func(resourceserver.Options) (resourceserver.Adapter, error) {
		return nil, cause
	}, options("broken", true)))
	_, err = reg.Resolve("broken")
	assert.ErrorAs(t, err, &invalid)
	assert.ErrorIs(t, err, cause)
	assert.Error(t, reg.ResolveEnabled())

	require.NoError(t, reg.Register("renamed", "Renamed", func(resourceserver.Options) (resourceserver.Adapter, error) {
		return resourceservertest.New("other"), nil
	}, options("renamed", false)))
	_, err = reg.Resolve("renamed")
	assert.ErrorAs(t, err, &invalid)

	var built int32
	require.NoError(t, reg.Register("dup", "Dup", fakeFactory(&built), options("dup", true)))
	assert.ErrorAs(t, reg.Register("dup", "Dup", fakeFactory(&built), options("dup", true)), &invalid)
}

func TestRegistryListEnabled(t *testing.T) {
	var built int32
	reg := resourceserver.NewRegistry()
	require.NoError(t, reg.Register("b", "Second", fakeFactory(&built), options("b", true)))
	require.NoError(t, reg.Register("off", "Off", fakeFactory(&built), resourceserver.Options{}))
	require.NoError(t, reg.Register("a", "", fakeFactory(&built), options("a", true)))

	assert.Equal(t, []resourceserver.Entry{
		{Identifier: "b", Title: "Second"},
		{Identifier: "a", Title: "a"},
	}, reg.ListEnabled())
	assert.True(t, reg.IsEnabled("a"))
	assert.False(t, reg.IsEnabled("off"))
	assert.False(t, reg.IsEnabled("missing"))

	require.NoError(t, reg.ResolveEnabled())
	assert.Equal(t, int32(2), built)
}

func TestAuthorizationCacheComputesOnce(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	adapter := resourceservertest.New("gitlab")
	adapter.ComputeFunc = func(context.Context, *oauth2.Token, *resourceserver.Identity) resourceserver.Authorization {
		<-release
		return resourceserver.Authorization{Level: resourceserver.Maintainer, Available: true}
	}

	cache := resourceserver.NewAuthorizationCache(adapter, &oauth2.Token{AccessToken: "t"})
	identity := resourceservertest.DefaultIdentity()
	assert.Equal(t, resourceserver.NotLoaded, cache.State(identity.ID))

	results := make(chan resourceserver.Authorization, 3)
	for i := 0; i < 3; i++ {
		go func() { results <- cache.Get(ctx, identity) }()
	}

	require.Eventually(t, func() bool {
		return cache.State(identity.ID) == resourceserver.Loading
	}, time.Second, time.Millisecond)
	close(release)

	for i := 0; i < 3; i++ {
		assert.Equal(t, resourceserver.Maintainer, (<-results).Level)
	}
	assert.Equal(t, resourceserver.Loaded, cache.State(identity.ID))
	assert.Equal(t, 1, adapter.Calls("ComputeAuthorization"))

	assert.True(t, cache.IsActive(ctx, identity))
	assert.True(t, cache.IsAdmin(ctx, identity))
	assert.Equal(t, 1, adapter.Calls("ComputeAuthorization"))
}

func TestAuthorizationCacheUnavailable(t *testing.T) {
	ctx := context.Background()
	adapter := resourceservertest.New("gitlab")
	adapter.ComputeFunc = func(context.Context, *oauth2.Token, *resourceserver.Identity) resourceserver.Authorization {
		return resourceserver.Authorization{}
	}
	cache := resourceserver.NewAuthorizationCache(adapter, nil)
	identity := resourceservertest.DefaultIdentity()

	assert.False(t, cache.IsActive(ctx, identity))
	assert.False(t, cache.IsAdmin(ctx, identity))
	assert.Equal(t, resourceserver.Loaded, cache.State(identity.ID))
}

func TestAuthorizationCacheSkipsCancelledLoads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	adapter := resourceservertest.New("gitlab")
	adapter.ComputeFunc = func(context.Context, *oauth2.Token, *resourceserver.Identity) resourceserver.Authorization {
		if adapter.Calls("ComputeAuthorization") == 1 {
			cancel()
			return resourceserver.Authorization{}
		}
		return resourceserver.Authorization{Level: resourceserver.Developer, Available: true}
	}
	cache := resourceserver.NewAuthorizationCache(adapter, &oauth2.Token{AccessToken: "t"})
	identity := resourceservertest.DefaultIdentity()

	assert.False(t, cache.Get(ctx, identity).Available)
	assert.Equal(t, resourceserver.NotLoaded, cache.State(identity.ID))

	auth := cache.Get(context.Background(), identity)
	assert.True(t, auth.Available)
	assert.Equal(t, resourceserver.Developer, auth.Level)
	assert.Equal(t, resourceserver.Loaded, cache.State(identity.ID))
	assert.Equal(t, 2, adapter.Calls("ComputeAuthorization"))
}

func TestRedirectURI(t *testing.T) {
	req := resourceserver.RequestContext{BaseURL: "https://cms.example.com", CallbackPath: "/oauth2/login"}
	assert.Equal(t,
		"https://cms.example.com/oauth2/login?login_status=login&resource-server-identifier=gitlab",
		req.RedirectURI("gitlab"))
	assert.Equal(t, "gitlab|42", resourceserver.OAuthIdentifier("gitlab", "42"))
	assert.Equal(t, "be_users", resourceserver.ModeBackend.UserTable())
	assert.Equal(t, "fe_groups", resourceserver.ModeFrontend.GroupTable())
	assert.Equal(t, "maintainer", resourceserver.Maintainer.String())
}
