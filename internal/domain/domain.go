// Package domain re-exports the pipeline and manifest domain types under one
// import path, the way the internal/domain package aliases its
// subpackages (auth, materials, jobs, ...) so callers write `domain.Job`
// instead of reaching into internal/domain/pipeline directly.
package domain

import (
	"github.com/jamesstaub/listenup/internal/domain/manifest"
	"github.com/jamesstaub/listenup/internal/domain/pipeline"
)

type (
	Job         = pipeline.Job
	JobStatus   = pipeline.JobStatus
	Step        = pipeline.Step
	StepStatus  = pipeline.StepStatus
	Transition  = pipeline.Transition
	Placeholder = pipeline.Placeholder
	CommandSpec = pipeline.CommandSpec
	StepError   = pipeline.StepError
	ErrorType   = pipeline.ErrorType
	CacheEntry  = pipeline.CacheEntry

	ValidationError = pipeline.ValidationError

	ServiceManifest     = manifest.OperationManifest
	ManifestSet         = manifest.Set
	ParameterDescriptor = manifest.ParameterDescriptor
	FanOutSpec          = manifest.FanOutSpec
)

const (
	JobPending    = pipeline.JobPending
	JobProcessing = pipeline.JobProcessing
	JobComplete   = pipeline.JobComplete
	JobFailed     = pipeline.JobFailed
	JobRetrying   = pipeline.JobRetrying

	StepPending       = pipeline.StepPending
	StepReady         = pipeline.StepReady
	StepDispatched    = pipeline.StepDispatched
	StepProcessing    = pipeline.StepProcessing
	StepComplete      = pipeline.StepComplete
	StepFailed        = pipeline.StepFailed
	StepSkippedCached = pipeline.StepSkippedCached

	ApplicationError    = pipeline.ApplicationError
	InfrastructureError = pipeline.InfrastructureError

	PlaceholderLiteral  = pipeline.PlaceholderLiteral
	PlaceholderTemplate = pipeline.PlaceholderTemplate
)

var (
	Literal  = pipeline.Literal
	Template = pipeline.Template

	NewApplicationError    = pipeline.NewApplicationError
	NewInfrastructureError = pipeline.NewInfrastructureError

	TransitionsInto = pipeline.TransitionsInto
	TransitionsFrom = pipeline.TransitionsFrom

	ResolvePlaceholder = pipeline.ResolvePlaceholder
	ResolveInputs      = pipeline.ResolveInputs
	InputChecksums     = pipeline.InputChecksums
	CompositeName      = pipeline.CompositeName
)
