// Package policy decides how a validated pull request is merged, using Open
// Policy Agent Rego policies.
//
// Every policy is evaluated with the merge input as `input`:
//
//	{
//	  "workflow_id": "...",
//	  "repository":  "https://...",
//	  "pr_number":   42,
//	  "iteration":   1,
//	  "merged":      false,
//	  "outcomes":    [{"stage_name": "validate", "success": true, "attempt": 1, "iteration": 1, ...}]
//	}
//
// A policy may define a `deny` set (blocks the merge), a `warn` set (reported
// only) and an `auto_merge` boolean. The built-in policy denies unrecovered
// failures in the current iteration and allows auto-merge for changes that
// passed on the first iteration without a single failed attempt.
//
// Custom policies are loaded from .rego files or JSON definitions:
//
//	# Require a human for the payments repository.
//	package prflow.merge.payments
//
//	import rego.v1
//
//	auto_merge := false if contains(input.repository, "payments")
//
// Engine.WatchPolicies reloads custom policies when their files change. A set
// that fails to compile is rejected and the previous set stays active.
package policy
