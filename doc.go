// Package rig coordinates the hardware and software of a VR
// neuroscience experiment rig.
//
// # Overview
//
// A rig pairs a head-fixed subject on a treadmill with a browser-based
// renderer. The daemon in cmd/rigd sits between the two: it owns the
// physical hardware (motion sensor on a serial port, water delivery
// line, helper processes, data logs) and exposes a request/reply
// control surface over NATS that the renderer drives.
//
// # Packages
//
// The repository is organized around a small set of concerns:
//
//   - hardware: exclusive allocation and lifecycle of physical
//     resources (serial ports, water delivery, Python backends, data
//     loggers), keyed by opaque handles.
//   - parser: framing and decoding of the motion sensor's line
//     protocol.
//   - reward: delivery policy layered on top of the water hardware,
//     with cooldowns, per-trial limits, and eligibility predicates.
//   - experiment: loadable experiment modules discovered through
//     optional capability interfaces, plus the runtime that hosts
//     exactly one at a time.
//   - gateway: the NATS request/reply surface and the WebSocket event
//     bridge the renderer subscribes to.
//   - config, errors, health, metric, natsclient: shared
//     infrastructure used by everything above.
//
// # Hardware Ownership
//
// Every physical resource is requested through hardware.Manager with
// an owner identity. Exclusive resources admit one owner at a time;
// conflicting requests fail immediately rather than queue. When an
// experiment unloads, all of its resources are force-released so the
// next experiment starts from a clean slate.
//
// # Control Surface
//
// The renderer talks to the daemon over NATS subjects of the form
// <root>.request.<handler>, and receives broadcast events on
// <root>.event.<name>. Core handlers (load/unload experiment, reward
// delivery, trial bookkeeping, scene handshake) are always present;
// a loaded experiment contributes its own handlers under names that
// may not shadow the core set.
package rig
