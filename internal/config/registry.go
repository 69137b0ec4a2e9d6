package config

// Registry is one atomically-swappable snapshot of all loaded
// configuration. Recipes is kept sorted in lexical file-name order, the
// ordering the Pipeline Engine uses to run recipes for one trigger.
type Registry struct {
	Plugin   PluginConfig
	Recipes  []Recipe
	Prompts  map[string]Prompt
	Models   map[string]ModelDescriptor
	Hotwires map[string]HotwireSet
}

// Prompt looks up a prompt by name, reporting whether it was found.
func (r *Registry) Prompt(name string) (Prompt, bool) {
	p, ok := r.Prompts[name]
	return p, ok
}

// Model looks up a model descriptor by name.
func (r *Registry) Model(name string) (ModelDescriptor, bool) {
	m, ok := r.Models[name]
	return m, ok
}

// Hotwire looks up a named rule set.
func (r *Registry) Hotwire(name string) (HotwireSet, bool) {
	h, ok := r.Hotwires[name]
	return h, ok
}

// EnabledRecipesFor returns the enabled recipes whose trigger type matches,
// in the order they appear in Recipes (lexical file-name order after Load).
func (r *Registry) EnabledRecipesFor(triggerType string) []Recipe {
	var out []Recipe
	for _, rec := range r.Recipes {
		if rec.Enabled && rec.Trigger.Type == triggerType {
			out = append(out, rec)
		}
	}
	return out
}
