package spi

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ent0n29/taskrouter/internal/config"
)

// Factory builds a provider from its settings.
type Factory func(settings map[string]string) (Provider, error)

// Catalog maps provider names to factories. Built-in providers are
// registered by NewCatalog; embedders add their own with Register.
type Catalog struct {
	factories map[string]Factory
}

func NewCatalog() *Catalog {
	c := &Catalog{factories: make(map[string]Factory)}
	c.Register(RoundRobinName, func(map[string]string) (Provider, error) {
		return &RoundRobin{}, nil
	})
	c.Register(ReviewRequiredByAttributeName, func(s map[string]string) (Provider, error) {
		return &ReviewRequiredByAttribute{Attribute: s["attribute"]}, nil
	})
	c.Register(PriorityByCustomIntName, func(s map[string]string) (Provider, error) {
		return &PriorityByCustomInt{Key: s["key"]}, nil
	})
	c.Register(ReviewerWorkbasketName, func(s map[string]string) (Provider, error) {
		return &ReviewerWorkbasket{WorkbasketID: s["workbasket_id"], Owner: strings.TrimSpace(s["owner"])}, nil
	})
	c.Register(ResetCustomOnChangesName, func(s map[string]string) (Provider, error) {
		var fields []string
		for _, f := range strings.Split(s["fields"], ",") {
			if f = strings.TrimSpace(f); f != "" {
				fields = append(fields, f)
			}
		}
		return &ResetCustomOnChanges{Fields: fields}, nil
	})
	c.Register(AttributeDefaultsName, func(s map[string]string) (Provider, error) {
		defaults := make(map[string]string, len(s))
		for k, v := range s {
			defaults[k] = v
		}
		return &AttributeDefaults{Defaults: defaults}, nil
	})
	return c
}

func (c *Catalog) Register(name string, f Factory) {
	c.factories[strings.ToLower(strings.TrimSpace(name))] = f
}

func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.factories))
	for name := range c.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Build resolves the providers named in the engine file. A name listed at
// several extension points yields one shared instance.
func (c *Catalog) Build(f config.EngineFile) (Providers, error) {
	instances := make(map[string]Provider)
	get := func(point, name string) (Provider, error) {
		key := strings.ToLower(strings.TrimSpace(name))
		if p, ok := instances[key]; ok {
			return p, nil
		}
		factory, ok := c.factories[key]
		if !ok {
			return nil, fmt.Errorf("%s: unknown service provider %q (known: %s)", point, name, strings.Join(c.Names(), ", "))
		}
		p, err := factory(settingsFor(f.ProviderSettings, key))
		if err != nil {
			return nil, fmt.Errorf("%s: build provider %q: %w", point, name, err)
		}
		instances[key] = p
		return p, nil
	}

	var out Providers
	var err error
	if out.CreateTask, err = resolve[CreateTaskPreprocessor](PointCreateTask, f.Providers.CreateTaskPreprocessors, get); err != nil {
		return Providers{}, err
	}
	if out.EndState, err = resolve[TaskEndStatePreprocessor](PointEndState, f.Providers.EndStatePreprocessors, get); err != nil {
		return Providers{}, err
	}
	if out.BeforeRequestReview, err = resolve[BeforeRequestReviewProvider](PointBeforeRequestReview, f.Providers.BeforeRequestReview, get); err != nil {
		return Providers{}, err
	}
	if out.AfterRequestReview, err = resolve[AfterRequestReviewProvider](PointAfterRequestReview, f.Providers.AfterRequestReview, get); err != nil {
		return Providers{}, err
	}
	if out.BeforeRequestChanges, err = resolve[BeforeRequestChangesProvider](PointBeforeRequestChanges, f.Providers.BeforeRequestChanges, get); err != nil {
		return Providers{}, err
	}
	if out.AfterRequestChanges, err = resolve[AfterRequestChangesProvider](PointAfterRequestChanges, f.Providers.AfterRequestChanges, get); err != nil {
		return Providers{}, err
	}
	if out.ReviewRequired, err = resolve[ReviewRequiredProvider](PointReviewRequired, f.Providers.ReviewRequired, get); err != nil {
		return Providers{}, err
	}
	if out.Priority, err = resolve[PriorityServiceProvider](PointPriority, f.Providers.Priority, get); err != nil {
		return Providers{}, err
	}
	strategies, err := resolve[TaskDistributionProvider](PointDistribution, f.Providers.DistributionStrategies, get)
	if err != nil {
		return Providers{}, err
	}
	if len(strategies) > 0 {
		out.Distribution = make(map[string]TaskDistributionProvider, len(strategies))
		for i, name := range f.Providers.DistributionStrategies {
			out.Distribution[strings.ToLower(strings.TrimSpace(name))] = strategies[i]
		}
	}
	return out, nil
}

// settingsFor matches provider names the way Register does, so the case of
// a settings table does not need to follow the provider list.
func settingsFor(all map[string]map[string]string, key string) map[string]string {
	if s, ok := all[key]; ok {
		return s
	}
	for name, s := range all {
		if strings.ToLower(strings.TrimSpace(name)) == key {
			return s
		}
	}
	return nil
}

func resolve[P Provider](point string, names []string, get func(point, name string) (Provider, error)) ([]P, error) {
	out := make([]P, 0, len(names))
	for _, name := range names {
		p, err := get(point, name)
		if err != nil {
			return nil, err
		}
		typed, ok := p.(P)
		if !ok {
			return nil, fmt.Errorf("%s: provider %q (%T) does not implement this extension point", point, name, p)
		}
		out = append(out, typed)
	}
	return out, nil
}
