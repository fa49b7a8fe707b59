package server

import "testing"

func TestNewClientRegistryLookup(t *testing.T) {
	cfgs := []ClientConfig{{
		ClientID:     "eternaguard",
		RedirectURIs: []string{"http://localhost:3001/auth/callback"},
	}}

	registry, err := NewClientRegistry(cfgs)
	if err != nil {
		t.Fatalf("NewClientRegistry returned error: %v", err)
	}

	reg, ok := registry.Lookup("eternaguard")
	if !ok {
		t.Fatalf("client not registered")
	}
	if !reg.Allows("http://localhost:3001/auth/callback") {
		t.Fatalf("expected registered callback to be allowed")
	}
	if _, ok := registry.Lookup("EternaGuard"); ok {
		t.Fatalf("lookup must be case-sensitive")
	}
}

func TestClientRegistrationAllowsExactMatchOnly(t *testing.T) {
	reg := ClientRegistration{
		ClientID:         "studio",
		AllowedCallbacks: []string{"https://studio.cyberworldbuilders.com/auth/callback"},
	}

	rejected := []string{
		"https://studio.cyberworldbuilders.com/auth/callback/",
		"https://studio.cyberworldbuilders.com/auth/callback?x=1",
		"https://STUDIO.cyberworldbuilders.com/auth/callback",
		"http://studio.cyberworldbuilders.com/auth/callback",
		"https://studio.cyberworldbuilders.com/auth",
		"https://studio.cyberworldbuilders.com.evil.test/auth/callback",
	}
	for _, uri := range rejected {
		if reg.Allows(uri) {
			t.Fatalf("expected %q to be rejected", uri)
		}
	}
}

func TestLookupReturnsCopy(t *testing.T) {
	registry, err := NewClientRegistry([]ClientConfig{{
		ClientID:     "gateway",
		RedirectURIs: []string{"http://localhost:3000/auth/callback"},
	}})
	if err != nil {
		t.Fatalf("registry init: %v", err)
	}

	reg, _ := registry.Lookup("gateway")
	reg.AllowedCallbacks[0] = "https://evil.test/cb"

	again, _ := registry.Lookup("gateway")
	if again.AllowedCallbacks[0] != "http://localhost:3000/auth/callback" {
		t.Fatalf("registry was mutated through a lookup result")
	}
}

func TestNewClientRegistryRejectsBadEntries(t *testing.T) {
	cases := map[string][]ClientConfig{
		"empty id":      {{RedirectURIs: []string{"http://localhost/cb"}}},
		"duplicate":     {{ClientID: "a", RedirectURIs: []string{"http://localhost/cb"}}, {ClientID: "a", RedirectURIs: []string{"http://localhost/cb"}}},
		"no callbacks":  {{ClientID: "a"}},
		"wildcard":      {{ClientID: "a", RedirectURIs: []string{"https://*.example.com/cb"}}},
		"relative":      {{ClientID: "a", RedirectURIs: []string{"/auth/callback"}}},
		"userinfo":      {{ClientID: "a", RedirectURIs: []string{"https://user:pw@example.com/cb"}}},
		"fragment":      {{ClientID: "a", RedirectURIs: []string{"https://example.com/cb#frag"}}},
		"no path":       {{ClientID: "a", RedirectURIs: []string{"https://example.com"}}},
		"custom scheme": {{ClientID: "a", RedirectURIs: []string{"app://callback/path"}}},
	}
	for name, cfgs := range cases {
		if _, err := NewClientRegistry(cfgs); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestDefaultClientsAreValid(t *testing.T) {
	registry, err := NewClientRegistry(defaultClients())
	if err != nil {
		t.Fatalf("default clients rejected: %v", err)
	}
	if registry.Len() != 3 {
		t.Fatalf("expected 3 default clients, got %d", registry.Len())
	}
	reg, ok := registry.Lookup("eternaguard")
	if !ok || !reg.Allows("http://10.0.0.201:3001/auth/callback") {
		t.Fatalf("expected eternaguard LAN callback to be registered")
	}
}
