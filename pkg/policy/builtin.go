package policy

// BuiltinName is the name of the default merge policy.
const BuiltinName = "merge-default"

// GetBuiltinPolicies returns the policies that are always loaded.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		defaultMergePolicy(),
	}
}

// defaultMergePolicy denies a merge when a validation stage in the current
// iteration failed and never succeeded on a later attempt. It allows an
// automatic merge only when the first iteration passed with no failed attempts.
func defaultMergePolicy() Policy {
	return Policy{
		Name:        BuiltinName,
		Description: "Blocks unrecovered validation failures and auto-merges clean first iterations",
		Enabled:     true,
		Rego: `package prflow.merge.builtin

import rego.v1

current contains o if {
	some o in input.outcomes
	o.iteration == input.iteration
}

recovered(o) if {
	some later in current
	later.stage_name == o.stage_name
	later.success
	later.attempt > o.attempt
}

deny contains msg if {
	some o in current
	not o.success
	not recovered(o)
	msg := sprintf("stage %s failed in iteration %d", [o.stage_name, input.iteration])
}

warn contains msg if {
	input.iteration > 1
	msg := sprintf("change needed %d iterations", [input.iteration])
}

default auto_merge := false

auto_merge if {
	input.iteration <= 1
	count(input.outcomes) > 0
	every o in input.outcomes {
		o.success
	}
}
`,
	}
}
