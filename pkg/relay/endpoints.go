package relay

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/mev-engine/mev-execution-core/pkg/metrics"
	"github.com/mev-engine/mev-execution-core/pkg/types"
)

// EndpointsConfig is the layout of a relay endpoints file
type EndpointsConfig struct {
	Relays []struct {
		Name      string  `yaml:"name"`
		URL       string  `yaml:"url"`
		Flavor    string  `yaml:"flavor"`
		Priority  int     `yaml:"priority"`
		RateLimit float64 `yaml:"rate_limit"`
		Disabled  bool    `yaml:"disabled"`
	} `yaml:"relays"`
}

// LoadEndpoints parses relay endpoints from a YAML file
func LoadEndpoints(file string) ([]types.RelayEndpoint, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read relays file: %w", err)
	}
	return ParseEndpoints(data)
}

// ParseEndpoints decodes a YAML relays document. Disabled entries are kept
// but marked not enabled.
func ParseEndpoints(data []byte) ([]types.RelayEndpoint, error) {
	var config EndpointsConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse relays file: %w", err)
	}

	seen := make(map[string]bool, len(config.Relays))
	endpoints := make([]types.RelayEndpoint, 0, len(config.Relays))
	for _, r := range config.Relays {
		if r.Name == "" || r.URL == "" {
			return nil, fmt.Errorf("%w: name and url are required", ErrInvalidRelay)
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateName, r.Name)
		}
		seen[r.Name] = true

		flavor, err := ParseFlavor(r.Flavor)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, types.RelayEndpoint{
			Name:      r.Name,
			URL:       r.URL,
			Flavor:    string(flavor),
			Priority:  r.Priority,
			Enabled:   !r.Disabled,
			RateLimit: r.RateLimit,
		})
	}
	return endpoints, nil
}

// NewSubmitterFromEndpoints builds JSON-RPC relay clients for endpoints and
// registers them with a new submitter
func NewSubmitterFromEndpoints(endpoints []types.RelayEndpoint, signer *Signer, clientConfig *ClientConfig, config *SubmitterConfig, logger *zap.Logger, collector *metrics.Collector) (*Submitter, error) {
	submitter := NewSubmitter(config, logger, collector)
	for _, ep := range endpoints {
		client, err := NewJSONRPCRelay(ep, signer, clientConfig, logger)
		if err != nil {
			return nil, err
		}
		if err := submitter.AddRelay(ep, client); err != nil {
			return nil, err
		}
	}
	return submitter, nil
}
