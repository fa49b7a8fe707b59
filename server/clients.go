package server

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ClientRegistration lists the callbacks a product may receive handoffs on.
type ClientRegistration struct {
	ClientID         string
	AllowedCallbacks []string
}

// ClientRegistry holds the operator-configured allow-list. It has no mutating
// methods; adding a product means changing config and restarting.
type ClientRegistry struct {
	clients map[string]ClientRegistration
}

// NewClientRegistry builds the registry from configuration.
func NewClientRegistry(cfgs []ClientConfig) (*ClientRegistry, error) {
	clients := make(map[string]ClientRegistration, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.ClientID == "" {
			return nil, errors.New("client_id required")
		}
		if _, dup := clients[cfg.ClientID]; dup {
			return nil, fmt.Errorf("client %s registered twice", cfg.ClientID)
		}
		if len(cfg.RedirectURIs) == 0 {
			return nil, fmt.Errorf("client %s: at least one redirect_uri required", cfg.ClientID)
		}
		callbacks := make([]string, 0, len(cfg.RedirectURIs))
		for _, uri := range cfg.RedirectURIs {
			if err := validateCallbackURL(uri); err != nil {
				return nil, fmt.Errorf("client %s: %w", cfg.ClientID, err)
			}
			callbacks = append(callbacks, uri)
		}
		clients[cfg.ClientID] = ClientRegistration{
			ClientID:         cfg.ClientID,
			AllowedCallbacks: callbacks,
		}
	}
	return &ClientRegistry{clients: clients}, nil
}

// Lookup retrieves a registration by exact, case-sensitive client id.
func (cr *ClientRegistry) Lookup(id string) (ClientRegistration, bool) {
	reg, ok := cr.clients[id]
	if !ok {
		return ClientRegistration{}, false
	}
	reg.AllowedCallbacks = append([]string(nil), reg.AllowedCallbacks...)
	return reg, true
}

// Len reports how many products are registered.
func (cr *ClientRegistry) Len() int {
	return len(cr.clients)
}

// Allows reports whether uri is one of the registered callbacks, compared
// string for string.
func (c ClientRegistration) Allows(uri string) bool {
	for _, u := range c.AllowedCallbacks {
		if u == uri {
			return true
		}
	}
	return false
}

// validateCallbackURL requires a fully qualified http(s) URL with a host and
// a path. Wildcards and credentials are refused.
func validateCallbackURL(uri string) error {
	if uri == "" {
		return errors.New("redirect_uri is empty")
	}
	if strings.Contains(uri, "*") {
		return fmt.Errorf("redirect_uri %q: wildcards are not supported", uri)
	}
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("redirect_uri %q: %w", uri, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("redirect_uri %q must start with http:// or https://", uri)
	}
	if u.Host == "" {
		return fmt.Errorf("redirect_uri %q has no host", uri)
	}
	if u.User != nil {
		return fmt.Errorf("redirect_uri %q must not carry credentials", uri)
	}
	if u.Path == "" {
		return fmt.Errorf("redirect_uri %q has no path", uri)
	}
	if u.Fragment != "" {
		return fmt.Errorf("redirect_uri %q must not carry a fragment", uri)
	}
	return nil
}
