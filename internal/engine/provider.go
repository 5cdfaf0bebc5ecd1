// Package engine runs ONNX segmentation models over volumes, selecting an
// execution provider per task with ordered fallback. Provider init failure
// falls through to the next provider; inference failure mid-run does not.
package engine

import (
	"errors"
	"fmt"
)

// ProviderKind names an execution backend.
type ProviderKind string

const (
	ProviderGPU ProviderKind = "gpu"
	ProviderCPU ProviderKind = "cpu"
)

// ErrProviderUnavailable is returned when every configured provider failed
// to initialize a session for the model.
var ErrProviderUnavailable = errors.New("engine: no execution provider available")

// Provider is one entry in the fallback chain. Priority is the position in
// the configured list, zero being most preferred.
type Provider struct {
	Kind     ProviderKind
	Priority int
}

// ParseProviders builds the ordered fallback chain from config strings.
func ParseProviders(kinds []string) ([]Provider, error) {
	if len(kinds) == 0 {
		return nil, fmt.Errorf("engine: provider list is empty")
	}
	out := make([]Provider, 0, len(kinds))
	seen := make(map[ProviderKind]bool, len(kinds))
	for i, k := range kinds {
		kind := ProviderKind(k)
		switch kind {
		case ProviderGPU, ProviderCPU:
		default:
			return nil, fmt.Errorf("engine: unknown provider %q: must be one of gpu, cpu", k)
		}
		if seen[kind] {
			return nil, fmt.Errorf("engine: provider %q listed twice", k)
		}
		seen[kind] = true
		out = append(out, Provider{Kind: kind, Priority: i})
	}
	return out, nil
}
