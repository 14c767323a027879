/*
Package log provides structured logging for edgebit-agentd using zerolog.

It wraps zerolog with a single global logger, initialized once via Init,
plus helpers for component-scoped child loggers so every subsystem's log
lines carry a consistent "component" field without threading a logger
through every call.

# Usage

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

	log.Info("agent starting")

	probeLog := log.WithComponent("probe")
	probeLog.Warn().Err(err).Msg("ring buffer map not present, falling back to perf buffer")

	log.WithWorkload(w.ID).Info().Strs("files", files).Msg("reporting in-use files")
	log.WithContainer(info.ID).Info().Str("name", info.Name).Msg("container started")

# Design

A single package-level zerolog.Logger keeps logging accessible from every
package without passing one around explicitly. Component loggers
(WithComponent, WithWorkload, WithContainer) attach one contextual field
and return a plain zerolog.Logger, so callers use the normal zerolog
chained-field API (.Str, .Err, .Msg) rather than a bespoke wrapper.

JSONOutput controls JSON vs. console (human-readable) output; console
output is meant for local development, JSON for production where logs
are shipped to an aggregator.
*/
package log
