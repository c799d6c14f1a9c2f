// Package agentbridge is a local-first, always-on personal daemon that
// bridges a chat database, a mail client, a reminders app, a notes app,
// a calendar app, and an HTTP admin API into a pool of stateless
// generative-AI command-line assistants, and routes replies back out
// through the same channels.
//
// # Architecture
//
// The daemon (package daemon) owns every subsystem and wires them
// together explicitly, so collaborators form a tree rather than a
// cycle:
//
//   - store: the sole owner of durable state (sessions, runs, approvals,
//     events, scheduled actions, key-value).
//   - policy: sender allowlist and rate limiting. A repeated inbound
//     message is stored once under its (channel, external id) key but
//     is not dropped before dispatch.
//   - command: classifies inbound text into a Command variant.
//   - ingress: five channel readers plus an HTTP task endpoint.
//   - egress: five channel writers with echo suppression.
//   - connector: spawns a fresh AI subprocess per turn.
//   - orchestrator: the central router driving the run state machine.
//   - approval: request-ID minting and the approval Manager.
//   - companion, followup, ambient: proactive, time-gated loops sharing
//     the store.
//   - httpapi: the bearer-token-gated admin HTTP surface.
//
// # Quick start
//
//	st, _ := store.Open(ctx, "agentbridge.db")
//	orch := orchestrator.New(st, approval.NewManager(st, 0), connectors, writers, memory.NewInMemory(), policyCfg, orchestrator.DefaultConfig())
//	err := orch.Dispatch(ctx, inbound)
//
// # Thread safety
//
// All exported types in this package are safe for concurrent use.
package agentbridge
