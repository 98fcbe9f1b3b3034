package native

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"audioguard/internal/domain"
)

// Scenario is the YAML description of a simulated host.
type Scenario struct {
	Endpoints []EndpointSpec `yaml:"endpoints"`
	Defaults  struct {
		Console        string `yaml:"console"`
		Multimedia     string `yaml:"multimedia"`
		Communications string `yaml:"communications"`
	} `yaml:"defaults"`
}

// ParseScenario decodes a YAML scenario.
func ParseScenario(data []byte) (Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return Scenario{}, fmt.Errorf("unmarshal scenario: %w", err)
	}
	return sc, nil
}

// LoadScenario reads a scenario file and builds a simulator from it.
func LoadScenario(path string) (*Simulator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	sc, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	sim := NewSimulator()
	if err := sim.Apply(sc); err != nil {
		return nil, err
	}
	return sim, nil
}

// Apply adds the scenario's endpoints and defaults.
func (s *Simulator) Apply(sc Scenario) error {
	for _, spec := range sc.Endpoints {
		if err := s.AddEndpoint(spec); err != nil {
			return err
		}
	}
	defaults := []struct {
		flow domain.Flow
		role domain.Role
		id   string
	}{
		{domain.FlowRender, domain.RoleConsole, sc.Defaults.Console},
		{domain.FlowRender, domain.RoleMultimedia, sc.Defaults.Multimedia},
		{domain.FlowCapture, domain.RoleCommunications, sc.Defaults.Communications},
	}
	for _, d := range defaults {
		if d.id == "" {
			continue
		}
		if err := s.SetDefault(d.flow, d.role, d.id); err != nil {
			return fmt.Errorf("default %s: %w", d.role, err)
		}
	}
	return nil
}

// DemoScenario is used when no scenario file is configured.
func DemoScenario() Scenario {
	sc := Scenario{
		Endpoints: []EndpointSpec{
			{ID: "{0.0.0.00000000}.{speakers}", Name: "Speakers", Flow: "render", State: "active", Volume: 60},
			{ID: "{0.0.0.00000000}.{headphones}", Name: "Headphones", Flow: "render", State: "active", Volume: 40},
			{ID: "{0.0.1.00000000}.{microphone}", Name: "Microphone", Flow: "capture", State: "active", Volume: 80},
		},
	}
	sc.Defaults.Console = "{0.0.0.00000000}.{speakers}"
	sc.Defaults.Multimedia = "{0.0.0.00000000}.{headphones}"
	sc.Defaults.Communications = "{0.0.1.00000000}.{microphone}"
	return sc
}
