package pipeline

// Pipeline is the parsed pipeline configuration: a set of independent jobs
// plus the shared environments they draw variables from.
type Pipeline struct {
	Name            string        `yaml:"name"`
	StrictArtifacts bool          `yaml:"strict_artifacts"` // missing artifacts fail the job
	Environments    []Environment `yaml:"environments"`
	Jobs            []Job         `yaml:"jobs"` // independent of each other, may run in parallel
}

// Job finds a job by name.
func (p *Pipeline) Job(name string) (*Job, bool) {
	for i := range p.Jobs {
		if p.Jobs[i].Name == name {
			return &p.Jobs[i], true
		}
	}
	return nil, false
}

// Schedules returns the distinct cron expressions used by schedule triggers,
// in job order.
func (p *Pipeline) Schedules() []string {
	seen := make(map[string]bool)
	var out []string
	for _, j := range p.Jobs {
		if j.Trigger == nil || j.Trigger.Kind() != TriggerSchedule {
			continue
		}
		if !seen[j.Trigger.Schedule] {
			seen[j.Trigger.Schedule] = true
			out = append(out, j.Trigger.Schedule)
		}
	}
	return out
}

// Environment is a named set of variables. Inherited environments are merged
// first, in declared order, and this environment's own layers override them:
// host variables listed in System, then dotenv Sources, then Values.
type Environment struct {
	Name     string            `yaml:"name"`
	Inherits []string          `yaml:"inherits"`
	System   []string          `yaml:"system"`  // host variables copied when set
	Sources  []string          `yaml:"sources"` // dotenv files, relative to the workspace
	Values   map[string]string `yaml:"values"`
}
