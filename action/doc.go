/*
Package action defines the Action contract, types, and primitives.

# Actions

An Action is a single declared unit of work within a task. Tasks are
made of one or more actions executed in a stable order. Every action
is driven through three stages by the task engine: prepare, approve,
and submit. An action implements one hook per stage.

Action implementations are shared, stateless objects registered once
at process start. All per-task state of an action lives in an
Instance: its input data, its validity, whether it needs a token, its
auto-approval vote, an action-specific sub-state string and a
persisted cache. The engine hands each hook a Step which wraps the
Instance for the duration of a single stage call.

# Cache

A stage may run more than once for the same action: after a crash, an
action error, or an administrator re-approving a task. Any external
side-effect inside a hook should therefore be gated on a cache key
(see Step.SetCache and Instance.GetCache) so that a re-run does not
repeat it. SetCache persists immediately.

# Shared

Within a single lifecycle call actions may hand values to later
actions through Shared (e.g. a newly created project ID). Shared is
created fresh for every call and is never persisted; it is not a
substitute for the cache.

# Auto-approval

Each action votes Undecided, Approved or Rejected. See Combine for how
the votes of a task's actions are combined.
*/
package action
