// Package stream reconciles aggregation protocol events into a renderable
// processing status. Reduce is pure: callers rely on it for both live
// updates and replay-based tests.
package stream

import (
	"fmt"
	"strings"

	"github.com/askgrid/askd/model"
)

// Reduce maps the current processing status and the next protocol event to
// the next status. It never mutates its input; every change is returned as a
// fresh value. Same inputs produce the same (or identical-by-reference)
// output.
//
// Token accumulation is not handled here: content chunks are appended by the
// state machine's buffer. Once the status is already streaming, a token
// event returns the current status unchanged, by reference.
//
// Event ordering is not validated. Out-of-order streams produce a permissive
// best-effort status rather than an error.
func Reduce(cur *model.ProcessingStatus, ev model.StreamEvent) *model.ProcessingStatus {
	switch ev.Kind {
	case model.EventRetrievalStart:
		msg := "Preparing request..."
		if ev.SourceCount > 0 {
			msg = fmt.Sprintf("Searching across %d sources...", ev.SourceCount)
		}
		return &model.ProcessingStatus{
			Phase:   model.ProcessingRetrieving,
			Message: msg,
			Retrieval: &model.RetrievalProgress{
				Completed:      0,
				Total:          ev.SourceCount,
				DocumentsFound: 0,
			},
			CompletedSources: []model.SourceProgress{},
		}

	case model.EventSourceComplete:
		// Guard against a source_complete arriving before retrieval_start.
		if cur == nil {
			return nil
		}
		next := cur.Clone()
		if next.Retrieval == nil {
			next.Retrieval = &model.RetrievalProgress{}
		}
		next.Retrieval.Completed++
		next.Retrieval.DocumentsFound += ev.DocumentsRetrieved
		next.CompletedSources = append(next.CompletedSources, model.SourceProgress{
			Path:        ev.Path,
			DisplayName: DisplayName(ev.Path),
			Status:      ev.Status,
			Documents:   ev.DocumentsRetrieved,
		})
		return next

	case model.EventRetrievalComplete:
		if cur == nil {
			return nil
		}
		next := cur.Clone()
		next.Message = fmt.Sprintf("Found %d documents in %dms", ev.TotalDocuments, ev.TimeMs)
		next.Timing = &model.TimingInfo{RetrievalMs: ev.TimeMs}
		return next

	case model.EventGenerationStart:
		next := cur.Clone()
		if next == nil {
			next = &model.ProcessingStatus{CompletedSources: []model.SourceProgress{}}
		}
		next.Phase = model.ProcessingGenerating
		next.Message = "Generating response..."
		return next

	case model.EventToken:
		if cur != nil && cur.Phase == model.ProcessingStreaming {
			return cur
		}
		next := cur.Clone()
		if next == nil {
			next = &model.ProcessingStatus{CompletedSources: []model.SourceProgress{}}
		}
		next.Phase = model.ProcessingStreaming
		next.Message = "Streaming response..."
		return next

	case model.EventDone:
		// The status is no longer meaningful; the state machine adopts the
		// event's sources and transitions to complete on its own.
		return nil

	case model.EventError:
		next := cur.Clone()
		if next == nil {
			next = &model.ProcessingStatus{CompletedSources: []model.SourceProgress{}}
		}
		next.Phase = model.ProcessingError
		next.Message = ev.Message
		return next
	}

	// Unknown event kinds pass the status through untouched.
	return cur
}

// DisplayName derives a human-readable name from a source path: the last
// slug segment with hyphens replaced by spaces and each word title-cased.
// "alice/my-dataset" becomes "My Dataset".
func DisplayName(path string) string {
	slug := path
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		slug = path[i+1:]
	}
	words := strings.Split(slug, "-")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
