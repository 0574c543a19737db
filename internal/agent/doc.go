// Package agent contains the phase state machine that drives a conversation:
// Intent, Plan, Decide, Define, Execute and Answer handlers sequenced by the
// Controller, plus the Agent facade that loads and persists conversation
// history around a run.
package agent
