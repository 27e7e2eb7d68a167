package scenarios

// All returns every scenario, configured with opts, in run order.
func All(opts Options) []Scenario {
	return []Scenario{
		&FullPipeline{Opts: opts},
		&Rerun{Opts: opts},
	}
}

// ByName returns the named scenario, or nil if it does not exist.
func ByName(name string, opts Options) Scenario {
	for _, s := range All(opts) {
		if s.Name() == name {
			return s
		}
	}
	return nil
}
