// Package roles translates speaker roles between the three vocabularies PodBot
// deals with: the transcript store and API callers (user / podbot), the memory
// server (user / assistant) and the language model (system / user /
// assistant).
//
// Every translation is an exhaustive switch over a closed set. An unknown
// value fails with ErrUnknownRole instead of falling through to a default, and
// a value that has no counterpart in the target vocabulary fails with
// ErrUnsupportedRole.
package roles

import (
	"errors"
	"fmt"
)

// TranscriptRole is the speaker as stored in the transcript and shown to
// callers.
type TranscriptRole string

// MemoryRole is the speaker as understood by the memory server.
type MemoryRole string

// ModelRole is the speaker as understood by the language model.
type ModelRole string

const (
	TranscriptUser   TranscriptRole = "user"
	TranscriptPodbot TranscriptRole = "podbot"

	MemoryUser      MemoryRole = "user"
	MemoryAssistant MemoryRole = "assistant"

	ModelSystem    ModelRole = "system"
	ModelUser      ModelRole = "user"
	ModelAssistant ModelRole = "assistant"
)

var (
	// ErrUnknownRole is returned for a value outside the source vocabulary.
	ErrUnknownRole = errors.New("unknown role")
	// ErrUnsupportedRole is returned for a valid value that has no
	// counterpart in the target vocabulary.
	ErrUnsupportedRole = errors.New("unsupported role")
)

func unknown(vocab string, v string) error {
	return fmt.Errorf("%w: %s role %q", ErrUnknownRole, vocab, v)
}

func unsupported(from string, v string, to string) error {
	return fmt.Errorf("%w: %s role %q has no %s equivalent", ErrUnsupportedRole, from, v, to)
}

// ParseTranscriptRole validates a raw string read from storage or a request.
func ParseTranscriptRole(s string) (TranscriptRole, error) {
	switch r := TranscriptRole(s); r {
	case TranscriptUser, TranscriptPodbot:
		return r, nil
	default:
		return "", unknown("transcript", s)
	}
}

// ParseMemoryRole validates a raw string returned by the memory server.
func ParseMemoryRole(s string) (MemoryRole, error) {
	switch r := MemoryRole(s); r {
	case MemoryUser, MemoryAssistant:
		return r, nil
	default:
		return "", unknown("memory", s)
	}
}

// ParseModelRole validates a raw model role string.
func ParseModelRole(s string) (ModelRole, error) {
	switch r := ModelRole(s); r {
	case ModelSystem, ModelUser, ModelAssistant:
		return r, nil
	default:
		return "", unknown("model", s)
	}
}

// TranscriptToModel maps user→user and podbot→assistant.
func TranscriptToModel(r TranscriptRole) (ModelRole, error) {
	switch r {
	case TranscriptUser:
		return ModelUser, nil
	case TranscriptPodbot:
		return ModelAssistant, nil
	default:
		return "", unknown("transcript", string(r))
	}
}

// TranscriptToMemory maps user→user and podbot→assistant.
func TranscriptToMemory(r TranscriptRole) (MemoryRole, error) {
	switch r {
	case TranscriptUser:
		return MemoryUser, nil
	case TranscriptPodbot:
		return MemoryAssistant, nil
	default:
		return "", unknown("transcript", string(r))
	}
}

// MemoryToTranscript maps user→user and assistant→podbot.
func MemoryToTranscript(r MemoryRole) (TranscriptRole, error) {
	switch r {
	case MemoryUser:
		return TranscriptUser, nil
	case MemoryAssistant:
		return TranscriptPodbot, nil
	default:
		return "", unknown("memory", string(r))
	}
}

// MemoryToModel maps user→user and assistant→assistant.
func MemoryToModel(r MemoryRole) (ModelRole, error) {
	switch r {
	case MemoryUser:
		return ModelUser, nil
	case MemoryAssistant:
		return ModelAssistant, nil
	default:
		return "", unknown("memory", string(r))
	}
}

// ModelToMemory maps user→user and assistant→assistant. The memory server
// keeps no system turns, so system fails with ErrUnsupportedRole.
func ModelToMemory(r ModelRole) (MemoryRole, error) {
	switch r {
	case ModelUser:
		return MemoryUser, nil
	case ModelAssistant:
		return MemoryAssistant, nil
	case ModelSystem:
		return "", unsupported("model", string(r), "memory")
	default:
		return "", unknown("model", string(r))
	}
}

// ModelToTranscript maps user→user and assistant→podbot. System fails with
// ErrUnsupportedRole; the transcript only records what was said.
func ModelToTranscript(r ModelRole) (TranscriptRole, error) {
	switch r {
	case ModelUser:
		return TranscriptUser, nil
	case ModelAssistant:
		return TranscriptPodbot, nil
	case ModelSystem:
		return "", unsupported("model", string(r), "transcript")
	default:
		return "", unknown("model", string(r))
	}
}
