package backend

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/omicsdm/server/core/access"
	"github.com/omicsdm/server/core/logger"
)

// GroupDirectory looks up groups in the identity provider. Group names are
// validated against it before they are granted ownership or shares.
type GroupDirectory interface {
	// AllGroups returns all group names of the realm, without the admin group.
	AllGroups(ctx context.Context) ([]string, error)
	// IsValidGroup reports whether the group exists in the realm.
	IsValidGroup(ctx context.Context, name string) (bool, error)
}

// KeycloakConfiguration contains the coordinates of the Keycloak realm
type KeycloakConfiguration struct {
	BaseURL      string
	Realm        string
	ClientID     string
	ClientSecret string
}

// KeycloakDirectory implements GroupDirectory against the Keycloak admin API.
// Lookups fail fast, the HTTP client gives up after five seconds and there
// are no retries. A failed lookup surfaces as 503 to the caller.
type KeycloakDirectory struct {
	config     KeycloakConfiguration
	httpClient *http.Client
}

// NewKeycloakDirectory returns a new KeycloakDirectory
func NewKeycloakDirectory(config KeycloakConfiguration) *KeycloakDirectory {
	return &KeycloakDirectory{
		config: config,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
			},
		},
	}
}

type keycloakGroup struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (k *KeycloakDirectory) serviceToken(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", k.config.ClientID)
	form.Set("client_secret", k.config.ClientSecret)

	tokenURL := k.config.BaseURL + "/realms/" + k.config.Realm + "/protocol/openid-connect/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := k.httpClient.Do(req)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Error("Error 3001: cannot reach keycloak")
		return "", errAuthsUnavailable
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		logger.FromContext(ctx).Errorf("Error 3002: keycloak token endpoint answered %d", res.StatusCode)
		return "", errAuthsUnavailable
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	data, _ := io.ReadAll(res.Body)
	if err := json.Unmarshal(data, &body); err != nil || body.AccessToken == "" {
		return "", errAuthsUnavailable
	}
	return body.AccessToken, nil
}

func (k *KeycloakDirectory) groups(ctx context.Context) ([]keycloakGroup, error) {
	token, err := k.serviceToken(ctx)
	if err != nil {
		return nil, err
	}

	groupsURL := k.config.BaseURL + "/admin/realms/" + k.config.Realm + "/groups"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, groupsURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := k.httpClient.Do(req)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Error("Error 3003: cannot list keycloak groups")
		return nil, errAuthsUnavailable
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		logger.FromContext(ctx).Errorf("Error 3004: keycloak groups endpoint answered %d", res.StatusCode)
		return nil, errAuthsUnavailable
	}

	var groups []keycloakGroup
	data, _ := io.ReadAll(res.Body)
	if err := json.Unmarshal(data, &groups); err != nil {
		return nil, errAuthsUnavailable
	}
	return groups, nil
}

// AllGroups returns all group names of the realm, without the admin group
func (k *KeycloakDirectory) AllGroups(ctx context.Context) ([]string, error) {
	groups, err := k.groups(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(groups))
	for _, g := range groups {
		if g.Name == access.AdminGroup {
			continue
		}
		names = append(names, g.Name)
	}
	return names, nil
}

// IsValidGroup reports whether the group exists in the realm
func (k *KeycloakDirectory) IsValidGroup(ctx context.Context, name string) (bool, error) {
	groups, err := k.groups(ctx)
	if err != nil {
		return false, err
	}
	for _, g := range groups {
		if g.Name == name {
			return true, nil
		}
	}
	return false, nil
}

// StaticGroupDirectory is a GroupDirectory with a fixed list of groups. It is
// used by the test suite and by deployments without a reachable Keycloak
// admin API.
type StaticGroupDirectory []string

// AllGroups returns all group names, without the admin group
func (s StaticGroupDirectory) AllGroups(ctx context.Context) ([]string, error) {
	names := make([]string, 0, len(s))
	for _, g := range s {
		if g == access.AdminGroup {
			continue
		}
		names = append(names, g)
	}
	return names, nil
}

// IsValidGroup reports whether the group is in the list
func (s StaticGroupDirectory) IsValidGroup(ctx context.Context, name string) (bool, error) {
	for _, g := range s {
		if g == name {
			return true, nil
		}
	}
	return false, nil
}
