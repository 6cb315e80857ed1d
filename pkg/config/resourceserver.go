package config

import "fmt"

// ResourceServerConfig describes one remote identity provider. It is read-only
// once loaded; every registered identifier owns exactly one instance.
type ResourceServerConfig struct {
	// Identifier is the stable provider key. It is part of the redirect URI
	// and of every linked user's oauth identifier, so renaming it unlinks users.
	Identifier string `yaml:"identifier"`
	Title      string `yaml:"title"`
	Type       string `yaml:"type"`
	Enabled    bool   `yaml:"enabled"`

	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	// RemoteDomain is the provider base URL, e.g. https://gitlab.example.com.
	RemoteDomain string `yaml:"remote_domain"`
	// ProjectPath is the project whose permissions grant local access,
	// e.g. "group/subgroup/project".
	ProjectPath string `yaml:"project_path"`

	// AdminLevel is the minimum access level that makes a user admin.
	// Zero means the default, developer (30).
	AdminLevel int `yaml:"admin_level"`
	// DefaultGroups are local group ids used when no per-level group is configured.
	DefaultGroups []int64 `yaml:"default_groups"`
	// UserOptions is copied into the local record's options field.
	UserOptions        int  `yaml:"user_options"`
	BlockExternalUsers bool `yaml:"block_external_users"`
}

// NewResourceServerConfigFromEnv loads a single GitLab provider from
// environment variables. Useful for the one-provider setups that do not ship
// a config file.
//
// Environment variables:
//   - GITLAB_IDENTIFIER (default "gitlab")
//   - GITLAB_TITLE (default "GitLab")
//   - GITLAB_ENABLED (default false)
//   - GITLAB_CLIENT_ID, GITLAB_CLIENT_SECRET
//   - GITLAB_DOMAIN: base URL of the GitLab instance
//   - GITLAB_PROJECT: project path
//   - GITLAB_ADMIN_LEVEL (default 30)
//   - GITLAB_DEFAULT_GROUPS: comma-separated local group ids
//   - GITLAB_USER_OPTIONS (default 0)
//   - GITLAB_BLOCK_EXTERNAL_USERS (default false)
func NewResourceServerConfigFromEnv() ResourceServerConfig {
	return ResourceServerConfig{
		Identifier:         GetEnvOrDefault("GITLAB_IDENTIFIER", "gitlab"),
		Title:              GetEnvOrDefault("GITLAB_TITLE", "GitLab"),
		Type:               "gitlab",
		Enabled:            GetEnvBool("GITLAB_ENABLED", false),
		ClientID:           GetEnv("GITLAB_CLIENT_ID"),
		ClientSecret:       GetEnv("GITLAB_CLIENT_SECRET"),
		RemoteDomain:       GetEnv("GITLAB_DOMAIN"),
		ProjectPath:        GetEnv("GITLAB_PROJECT"),
		AdminLevel:         GetEnvInt("GITLAB_ADMIN_LEVEL", DefaultAdminLevel),
		DefaultGroups:      GetEnvInt64Slice("GITLAB_DEFAULT_GROUPS", nil),
		UserOptions:        GetEnvInt("GITLAB_USER_OPTIONS", 0),
		BlockExternalUsers: GetEnvBool("GITLAB_BLOCK_EXTERNAL_USERS", false),
	}
}

// DefaultAdminLevel is the developer access level.
const DefaultAdminLevel = 30

// normalize fills defaults for fields that YAML lists leave unset.
func (c *ResourceServerConfig) normalize() {
	if c.Type == "" {
		c.Type = "gitlab"
	}
	if c.AdminLevel == 0 {
		c.AdminLevel = DefaultAdminLevel
	}
}

// Validate checks the fields a resource server cannot run without.
func (c ResourceServerConfig) Validate() ValidationErrors {
	var errs ValidationErrors
	prefix := "resource_servers." + c.Identifier
	if c.Identifier == "" {
		prefix = "resource_servers[?]"
	}
	errs.add(RequireNonEmpty(prefix+".identifier", c.Identifier))
	errs.add(RequireOneOf(prefix+".type", c.Type, "gitlab"))
	errs.add(RequireNonEmpty(prefix+".client_id", c.ClientID))
	errs.add(RequireNonEmpty(prefix+".client_secret", c.ClientSecret))
	errs.add(RequireValidURL(prefix+".remote_domain", c.RemoteDomain))
	errs.add(RequireNonEmpty(prefix+".project_path", c.ProjectPath))
	errs.add(RequireInRange(prefix+".admin_level", c.AdminLevel, 10, 50))
	return errs
}

// DisplayTitle falls back to the identifier when no title is configured.
func (c ResourceServerConfig) DisplayTitle() string {
	if c.Title != "" {
		return c.Title
	}
	return c.Identifier
}

func (c ResourceServerConfig) String() string {
	// never print the client secret
	return fmt.Sprintf("%s(%s %s project=%s)", c.Identifier, c.Type, c.RemoteDomain, c.ProjectPath)
}
