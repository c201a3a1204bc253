package foundry

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// serviceDiscoveryV2 maps each service id to a single-element list holding its
// base URL:
//
//	api_gateway:
//	  - https://<stack>.palantirfoundry.com/api
type serviceDiscoveryV2 map[string][]string

type Services struct {
	APIGateway string
}

func loadServicesFromDiscoveryFile(path string) (Services, error) {
	b, err := os.ReadFile(strings.TrimSpace(path))
	if err != nil {
		return Services{}, fmt.Errorf("read FOUNDRY_SERVICE_DISCOVERY_V2 file: %w", err)
	}
	return parseServiceDiscovery(b)
}

func parseServiceDiscovery(b []byte) (Services, error) {
	var raw serviceDiscoveryV2
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return Services{}, fmt.Errorf("parse FOUNDRY_SERVICE_DISCOVERY_V2 YAML: %w", err)
	}
	vals := raw["api_gateway"]
	if len(vals) == 0 || strings.TrimSpace(vals[0]) == "" {
		return Services{}, fmt.Errorf("FOUNDRY_SERVICE_DISCOVERY_V2 missing api_gateway")
	}
	return Services{APIGateway: strings.TrimSpace(vals[0])}, nil
}
