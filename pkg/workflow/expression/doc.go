// Package expression provides condition evaluation for workflow connections.
//
// It uses the expr-lang/expr library to evaluate the boolean conditions that
// decision steps and conditional connections carry. Expressions support:
//
//   - Variable access: input.name, output.field, error
//   - Comparisons: ==, !=, <, >, <=, >=
//   - Boolean logic: &&, ||, !
//   - Membership: "value" in array (built-in operator)
//   - Custom functions: has(array, element), includes(array, element), length(x)
//
// Example conditions:
//
//	output.approved == true
//	"billing" in output.tags
//	has(input.regions, "eu") && input.count > 0
//	error != nil
//
// The evaluator caches compiled expressions, so a published workflow's
// conditions compile once per process.
//
// Note: the expr library uses "contains" as a string operator (substring
// matching), so use "in" or "has()" for array membership checks.
package expression
