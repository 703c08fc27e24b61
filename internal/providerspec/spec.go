package providerspec

import (
	"strings"
	"sync"
)

type APIProtocol string

const (
	ProtocolOpenAIChatCompletions APIProtocol = "openai_chat_completions"
	ProtocolAnthropicMessages     APIProtocol = "anthropic_messages"
	ProtocolLangSmithREST         APIProtocol = "langsmith_rest"
)

type APISpec struct {
	Protocol         APIProtocol
	DefaultBaseURL   string
	DefaultPath      string
	DefaultAPIKeyEnv string
	BaseURLEnv       string
}

// CredentialRule decides whether a credential value is usable for live calls.
// A value passes only when every check succeeds.
type CredentialRule struct {
	Prefix    string
	MinLength int
	// Rejected lists exact values that are known to be incomplete keys.
	Rejected  []string
	Blacklist []string
}

type CredentialSpec struct {
	Placeholder string
	Rule        CredentialRule
}

type Spec struct {
	Key        string
	Aliases    []string
	API        *APISpec
	Credential *CredentialSpec
	Failover   []string
}

var (
	providerAliasOnce  sync.Once
	providerAliasIndex map[string]string
)

func providerAliases() map[string]string {
	providerAliasOnce.Do(func() {
		providerAliasIndex = providerAliasIndexFromBuiltins(Builtins())
	})
	return providerAliasIndex
}

func providerAliasIndexFromBuiltins(specs map[string]Spec) map[string]string {
	out := map[string]string{}
	for rawKey, spec := range specs {
		key := strings.ToLower(strings.TrimSpace(rawKey))
		if key == "" {
			continue
		}
		out[key] = key
		for _, rawAlias := range spec.Aliases {
			alias := strings.ToLower(strings.TrimSpace(rawAlias))
			if alias != "" {
				out[alias] = key
			}
		}
	}
	return out
}

func CanonicalProviderKey(in string) string {
	key := strings.ToLower(strings.TrimSpace(in))
	if key == "" {
		return ""
	}
	if canonical, ok := providerAliases()[key]; ok {
		return canonical
	}
	return key
}

func CanonicalizeProviderList(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, raw := range in {
		key := CanonicalProviderKey(raw)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// ByAPIKeyEnv returns the provider whose credential lives in the named
// environment variable. Matching is exact; credential names are a fixed set.
func ByAPIKeyEnv(name string) (Spec, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Spec{}, false
	}
	for _, spec := range builtinSpecs {
		if spec.API != nil && spec.API.DefaultAPIKeyEnv == name {
			return cloneSpec(spec), true
		}
	}
	return Spec{}, false
}

// CredentialNames lists the API key environment variables of every builtin
// provider, in the stable order returned by Keys.
func CredentialNames() []string {
	out := make([]string, 0, len(builtinOrder))
	for _, key := range builtinOrder {
		if spec := builtinSpecs[key]; spec.API != nil && spec.API.DefaultAPIKeyEnv != "" {
			out = append(out, spec.API.DefaultAPIKeyEnv)
		}
	}
	return out
}

// Keys returns builtin provider keys in display order.
func Keys() []string {
	return append([]string{}, builtinOrder...)
}
