package providerspec

// Values containing any of these are test or template values, never real keys.
var placeholderMarkers = []string{"your_", "placeholder", "dummy", "example", "changeme", "xxxx"}

var builtinOrder = []string{"openai", "anthropic", "langsmith"}

var builtinSpecs = map[string]Spec{
	"openai": {
		Key:     "openai",
		Aliases: []string{"gpt", "chatgpt"},
		API: &APISpec{
			Protocol:         ProtocolOpenAIChatCompletions,
			DefaultBaseURL:   "https://api.openai.com",
			DefaultPath:      "/v1/chat/completions",
			DefaultAPIKeyEnv: "OPENAI_API_KEY",
			BaseURLEnv:       "OPENAI_BASE_URL",
		},
		Credential: &CredentialSpec{
			Placeholder: "sk-placeholder-openai-key",
			Rule: CredentialRule{
				Prefix:    "sk-",
				MinLength: 11,
				Rejected:  []string{"sk-"},
				Blacklist: placeholderMarkers,
			},
		},
		Failover: []string{"anthropic"},
	},
	"anthropic": {
		Key:     "anthropic",
		Aliases: []string{"claude"},
		API: &APISpec{
			Protocol:         ProtocolAnthropicMessages,
			DefaultBaseURL:   "https://api.anthropic.com",
			DefaultPath:      "/v1/messages",
			DefaultAPIKeyEnv: "ANTHROPIC_API_KEY",
			BaseURLEnv:       "ANTHROPIC_BASE_URL",
		},
		Credential: &CredentialSpec{
			Placeholder: "sk-ant-REDACTED",
			Rule: CredentialRule{
				Prefix:    "sk-ant",
				MinLength: 30,
				Rejected:  []string{"sk-ant-api03-"},
				Blacklist: placeholderMarkers,
			},
		},
		Failover: []string{"openai"},
	},
	"langsmith": {
		Key:     "langsmith",
		Aliases: []string{"langchain", "tracing"},
		API: &APISpec{
			Protocol:         ProtocolLangSmithREST,
			DefaultBaseURL:   "https://api.smith.langchain.com",
			DefaultAPIKeyEnv: "LANGSMITH_API_KEY",
			BaseURLEnv:       "LANGSMITH_ENDPOINT",
		},
		Credential: &CredentialSpec{
			Placeholder: "lsv2-placeholder-langsmith-key",
			Rule: CredentialRule{
				Prefix:    "lsv2_",
				MinLength: 11,
				Blacklist: placeholderMarkers,
			},
		},
	},
}

func Builtin(key string) (Spec, bool) {
	s, ok := builtinSpecs[CanonicalProviderKey(key)]
	if !ok {
		return Spec{}, false
	}
	return cloneSpec(s), true
}

func Builtins() map[string]Spec {
	out := make(map[string]Spec, len(builtinSpecs))
	for key, spec := range builtinSpecs {
		out[key] = cloneSpec(spec)
	}
	return out
}

func cloneSpec(in Spec) Spec {
	out := in
	if in.API != nil {
		api := *in.API
		out.API = &api
	}
	if in.Credential != nil {
		cred := *in.Credential
		cred.Rule.Rejected = append([]string{}, in.Credential.Rule.Rejected...)
		cred.Rule.Blacklist = append([]string{}, in.Credential.Rule.Blacklist...)
		out.Credential = &cred
	}
	out.Aliases = append([]string{}, in.Aliases...)
	out.Failover = append([]string{}, in.Failover...)
	return out
}
