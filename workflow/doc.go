/*
Package workflow defines workflow definitions, steps, conditions, and
the compiler that turns a definition into an executable plan.

# Definitions

A workflow definition is a named set of image customization steps. The
steps are unordered as authored: the execution order is derived from
each step's DependsOn list by the compiler. Definitions are immutable
during a single execution and re-evaluated fresh per run.

Definitions are identified by IDs. By convention these are short
kebab-case strings ("win11-debloat", "driver-refresh") intended to be
unique within the engine and human readable, as they are logged and
keyed on.

# Steps

A step is one customization operation against one target image: add
components, install updates, inject drivers, apply registry tweaks, and
so on. Each step carries a typed configuration payload specific to its
step type, an optional per-step timeout, a continue-on-error flag, and
a list of conditions.

Conditions are evaluated with AND semantics just before a step would
run. If any condition evaluates false the step is skipped without any
external calls being made.

# Plans

Compile validates a definition and produces a plan: an ordered sequence
of waves. Every step in a wave has all of its dependencies satisfied by
strictly earlier waves. Steps within a wave have no defined relative
order and callers must not rely on one.

Dependency cycles, references to unknown step IDs, and duplicate step
IDs are compile-time failures. A definition that fails to compile never
begins execution.
*/
package workflow
