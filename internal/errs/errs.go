// Package errs implements the single tagged-error hierarchy used throughout
// taskforge. Every failure the core raises is an *Error carrying a Kind
// discriminant plus whatever payload that kind needs, instead of a zoo of
// per-domain error structs.
package errs

import (
	"errors"
	"fmt"
)

// Kind discriminates the error hierarchy. It is a closed enumeration: new
// kinds are added here, never invented ad hoc at call sites.
type Kind string

const (
	KindConfiguration            Kind = "configuration"
	KindValidation                Kind = "validation"
	KindState                     Kind = "state"
	KindGit                       Kind = "git"
	KindMergeConflict             Kind = "merge_conflict"
	KindWorktree                  Kind = "worktree"
	KindWorker                    Kind = "worker"
	KindWorkerStartup             Kind = "worker_startup"
	KindWorkerCommunication       Kind = "worker_communication"
	KindTask                      Kind = "task"
	KindTaskVerificationFailed    Kind = "task_verification_failed"
	KindTaskDependency            Kind = "task_dependency"
	KindTaskTimeout               Kind = "task_timeout"
	KindGate                      Kind = "gate"
	KindGateFailure               Kind = "gate_failure"
	KindGateTimeout               Kind = "gate_timeout"
	KindContainer                 Kind = "container"
	KindOrchestrator              Kind = "orchestrator"
)

// Error is the one error type the core raises. Fields beyond Kind and
// Message are payload for specific kinds; callers type-assert with
// errors.As and branch on Kind.
type Error struct {
	Kind    Kind
	Message string
	Wrapped error

	// Git / MergeConflict payload.
	SourceBranch      string
	TargetBranch      string
	ConflictingFiles  []string

	// Task / Gate / Container payload.
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	Seconds  int

	// Task dependency payload.
	MissingDeps []string

	// Container payload.
	ContainerID string
}

func (e *Error) Error() string {
	if e.Message != "" {
		if e.Wrapped != nil {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Wrapped)
		}
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Wrapped)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Is lets errors.Is(err, &Error{Kind: KindGit}) match any *Error of that Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	if t.Kind == "" {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, wrapped error) *Error {
	return &Error{Kind: kind, Message: message, Wrapped: wrapped}
}

func Configuration(format string, args ...any) *Error {
	return New(KindConfiguration, fmt.Sprintf(format, args...))
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, fmt.Sprintf(format, args...))
}

func State(message string, wrapped error) *Error {
	return Wrap(KindState, message, wrapped)
}

func Git(message string, wrapped error) *Error {
	return Wrap(KindGit, message, wrapped)
}

func MergeConflict(source, target string, files []string) *Error {
	return &Error{
		Kind:             KindMergeConflict,
		Message:          fmt.Sprintf("merge conflict merging %s into %s", source, target),
		SourceBranch:     source,
		TargetBranch:     target,
		ConflictingFiles: files,
	}
}

func Worktree(message string, wrapped error) *Error {
	return Wrap(KindWorktree, message, wrapped)
}

func Worker(message string) *Error {
	return New(KindWorker, message)
}

func WorkerStartup(message string, wrapped error) *Error {
	return Wrap(KindWorkerStartup, message, wrapped)
}

func TaskVerificationFailed(command string, exitCode int, stdout, stderr string) *Error {
	return &Error{
		Kind:     KindTaskVerificationFailed,
		Message:  "verification failed",
		Command:  command,
		ExitCode: exitCode,
		Stdout:   stdout,
		Stderr:   stderr,
	}
}

func TaskDependency(taskID string, missing []string) *Error {
	return &Error{
		Kind:        KindTaskDependency,
		Message:     fmt.Sprintf("task %s has unmet dependencies", taskID),
		MissingDeps: missing,
	}
}

func TaskTimeout(command string, seconds int) *Error {
	return &Error{Kind: KindTaskTimeout, Message: "task timed out", Command: command, Seconds: seconds}
}

func GateFailure(name, command string, exitCode int, stdout, stderr string) *Error {
	return &Error{
		Kind:     KindGateFailure,
		Message:  fmt.Sprintf("gate %q failed", name),
		Command:  command,
		ExitCode: exitCode,
		Stdout:   stdout,
		Stderr:   stderr,
	}
}

func GateTimeout(name, command string, seconds int) *Error {
	return &Error{Kind: KindGateTimeout, Message: fmt.Sprintf("gate %q timed out", name), Command: command, Seconds: seconds}
}

func Container(message, containerID string, wrapped error) *Error {
	return &Error{Kind: KindContainer, Message: message, ContainerID: containerID, Wrapped: wrapped}
}

func Orchestrator(message string, wrapped error) *Error {
	return Wrap(KindOrchestrator, message, wrapped)
}

// Of reports whether err is an *Error of the given kind.
func Of(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// As is a small convenience wrapper around errors.As for the *Error type.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
