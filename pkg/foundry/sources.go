package foundry

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"
)

// SourceCredentials is the parsed SOURCE_CREDENTIALS file: Source API name ->
// secret name -> secret value.
type SourceCredentials map[string]map[string]string

// LoadSourceCredentialsFromEnv reads SOURCE_CREDENTIALS. ok is false when the
// variable is unset, which is the normal case outside Foundry.
func LoadSourceCredentialsFromEnv() (creds SourceCredentials, ok bool, err error) {
	path := strings.TrimSpace(os.Getenv("SOURCE_CREDENTIALS"))
	if path == "" {
		return nil, false, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, false, fmt.Errorf("read SOURCE_CREDENTIALS file: %w", err)
	}
	creds, err = ParseSourceCredentials(b)
	if err != nil {
		return nil, false, err
	}
	return creds, true, nil
}

func ParseSourceCredentials(b []byte) (SourceCredentials, error) {
	var out SourceCredentials
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("parse SOURCE_CREDENTIALS JSON: %w", err)
	}
	if out == nil {
		out = make(SourceCredentials)
	}
	return out, nil
}

// SourceNames returns the sorted Source API names.
func (sc SourceCredentials) SourceNames() []string {
	out := make([]string, 0, len(sc))
	for k := range sc {
		if strings.TrimSpace(k) != "" {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out
}

// GetSecret returns a secret of the named Source. REST sources expose secrets as
// "additionalSecret<Name>", so that form is tried too.
func (sc SourceCredentials) GetSecret(sourceAPIName, secretName string) (string, bool) {
	src := sc[strings.TrimSpace(sourceAPIName)]
	secretName = strings.TrimSpace(secretName)
	if src == nil || secretName == "" {
		return "", false
	}
	if v := strings.TrimSpace(src[secretName]); v != "" {
		return v, true
	}
	if v := strings.TrimSpace(src["additionalSecret"+secretName]); v != "" {
		return v, true
	}
	return "", false
}

// FindSecret returns the first non-empty value of secretName across all sources
// in name order.
func (sc SourceCredentials) FindSecret(secretName string) (string, bool) {
	for _, name := range sc.SourceNames() {
		if v, ok := sc.GetSecret(name, secretName); ok {
			return v, true
		}
	}
	return "", false
}
