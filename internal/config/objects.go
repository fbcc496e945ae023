package config

// ObjectBuilder represents the construct -> OnAllConfigLoaded -> Start
// seam an external config loader drives against the object registry.
// The loader itself (parsing a config language into object attributes)
// is out of scope for this core; ObjectBuilder is the minimal interface
// any such loader, or a test, needs to bring objects into the registry
// in the two-phase pattern the lifecycle requires.
type ObjectBuilder interface {
	// Construct creates an object in the Inactive state and registers it.
	// Cross-references (e.g. a Service's owning Host, a Dependency's
	// parent/child) are not yet resolved.
	Construct() error

	// OnAllConfigLoaded resolves cross-references once every object from
	// this build pass has been constructed. Called once, after every
	// Construct call across all builders in a load has returned.
	OnAllConfigLoaded() error

	// Start transitions the object from Inactive to Active, making it
	// visible to the scheduler.
	Start() error
}

// RunBuilders drives a set of ObjectBuilders through the two-phase
// lifecycle the registry's objects require: every Construct runs before
// any OnAllConfigLoaded, and every OnAllConfigLoaded runs before any
// Start, so cross-links (host<->service, dependency parent<->child) are
// always resolved against a fully constructed object set.
func RunBuilders(builders []ObjectBuilder) error {
	for _, b := range builders {
		if err := b.Construct(); err != nil {
			return err
		}
	}
	for _, b := range builders {
		if err := b.OnAllConfigLoaded(); err != nil {
			return err
		}
	}
	for _, b := range builders {
		if err := b.Start(); err != nil {
			return err
		}
	}
	return nil
}
