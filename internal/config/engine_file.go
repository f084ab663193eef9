package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// EngineFile is the optional TOML file that lists the service providers to
// load per extension point and seeds workbaskets.
//
//	[providers]
//	review_required = ["review-required-by-attribute"]
//	after_request_review = ["reviewer-workbasket"]
//
//	[provider_settings.reviewer-workbasket]
//	workbasket_id = "WBI:review"
//
//	[[workbaskets]]
//	id = "WBI:inbox"
//	key = "INBOX"
//	distribution_targets = ["WBI:team-a", "WBI:team-b"]
//	  [[workbaskets.access]]
//	  access_id = "teamlead"
//	  permissions = ["READ", "APPEND", "DISTRIBUTE", "EDITTASKS"]
type EngineFile struct {
	Providers        ProviderLists                `toml:"providers"`
	ProviderSettings map[string]map[string]string `toml:"provider_settings"`
	Workbaskets      []WorkbasketSeed             `toml:"workbaskets"`
}

// ProviderLists names providers per extension point, in invocation order.
type ProviderLists struct {
	CreateTaskPreprocessors []string `toml:"create_task_preprocessors"`
	EndStatePreprocessors   []string `toml:"end_state_preprocessors"`
	BeforeRequestReview     []string `toml:"before_request_review"`
	AfterRequestReview      []string `toml:"after_request_review"`
	BeforeRequestChanges    []string `toml:"before_request_changes"`
	AfterRequestChanges     []string `toml:"after_request_changes"`
	ReviewRequired          []string `toml:"review_required"`
	Priority                []string `toml:"priority"`
	DistributionStrategies  []string `toml:"distribution_strategies"`
}

type WorkbasketSeed struct {
	ID                  string       `toml:"id"`
	Key                 string       `toml:"key"`
	Name                string       `toml:"name"`
	Domain              string       `toml:"domain"`
	DistributionTargets []string     `toml:"distribution_targets"`
	Access              []AccessSeed `toml:"access"`
}

type AccessSeed struct {
	AccessID    string   `toml:"access_id"`
	Permissions []string `toml:"permissions"`
}

// LoadEngineFile decodes path. An empty path yields an empty file.
func LoadEngineFile(path string) (EngineFile, error) {
	var f EngineFile
	if strings.TrimSpace(path) == "" {
		return f, nil
	}
	meta, err := toml.DecodeFile(path, &f)
	if err != nil {
		return EngineFile{}, fmt.Errorf("decode engine file %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return EngineFile{}, fmt.Errorf("engine file %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	if err := f.validate(); err != nil {
		return EngineFile{}, fmt.Errorf("engine file %s: %w", path, err)
	}
	return f, nil
}

// DecodeEngineFile parses TOML text; used for inline configuration and tests.
func DecodeEngineFile(data string) (EngineFile, error) {
	var f EngineFile
	if _, err := toml.Decode(data, &f); err != nil {
		return EngineFile{}, fmt.Errorf("decode engine config: %w", err)
	}
	if err := f.validate(); err != nil {
		return EngineFile{}, err
	}
	return f, nil
}

func (f EngineFile) validate() error {
	seen := make(map[string]bool, len(f.Workbaskets))
	for i, wb := range f.Workbaskets {
		id := strings.TrimSpace(wb.ID)
		if id == "" {
			return fmt.Errorf("workbaskets[%d]: id is required", i)
		}
		if seen[id] {
			return fmt.Errorf("workbaskets[%d]: duplicate id %q", i, id)
		}
		seen[id] = true
	}
	for _, wb := range f.Workbaskets {
		for _, target := range wb.DistributionTargets {
			if !seen[strings.TrimSpace(target)] {
				return fmt.Errorf("workbasket %q: distribution target %q is not declared", wb.ID, target)
			}
		}
	}
	return nil
}
