// Package validation aggregates tool adapters into validation reports.
//
// QualityGatePipeline runs the gates registered for each changed file's
// language (lint, format, type-check, test, vet, security-scan, syntax).
// OperationalCheckPipeline runs isolated syntax verification, a
// dependency-vulnerability audit and version-control readiness.
//
// Both pipelines always return a fully populated report. A tool that is
// missing, crashes or times out is recorded as an issue on its gate; it is
// never returned as an error.
package validation
