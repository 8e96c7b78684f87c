package session

import (
	"encoding/json"
	"time"

	"github.com/docpilot/core/pkg/store"
)

// ToRecord flattens the session into its persisted form. Nested
// collections are JSON-encoded; encoding a map or slice of plain values
// cannot fail, so marshal errors collapse to empty payloads.
func (s *Session) ToRecord() *store.SessionRecord {
	return &store.SessionRecord{
		UserID:           s.UserID,
		State:            s.State.String(),
		Language:         s.Language,
		FileName:         s.FileName,
		FileType:         s.FileType,
		FileContent:      s.FileContent,
		FilePath:         s.FilePath,
		PendingContent:   s.PendingContent,
		PendingDocType:   s.PendingDocType,
		PendingTemplate:  s.PendingTemplate,
		HistoryJSON:      marshalOrNil(s.History),
		TodosJSON:        marshalOrNil(s.Todos),
		PreviewPagesJSON: marshalOrNil(s.PreviewPages),
		PreviewPage:      s.PreviewPage,
		CurrentSheet:     s.CurrentSheet,
		CurrentCell:      s.CurrentCell,
		CurrentSlide:     s.CurrentSlide,
		ContentHash:      s.ContentHash,
		AnalysisHash:     s.AnalysisHash,
		TranslationsJSON: marshalOrNil(s.Translations),
		SummaryHash:      s.SummaryHash,
		Summary:          s.Summary,
		LastActivity:     s.LastActivity,
		CreatedAt:        s.CreatedAt,
	}
}

// FromRecord reconstructs a session from its persisted form. Decoding is
// total: unknown state names fall back to Idle, malformed JSON collections
// decode to empty, and zero timestamps become now. A corrupt record yields
// a usable session, never an error.
func FromRecord(rec *store.SessionRecord) *Session {
	s := New(rec.UserID)
	s.State = ParseState(rec.State)
	if rec.Language != "" {
		s.Language = rec.Language
	}

	s.FileName = rec.FileName
	s.FileType = rec.FileType
	s.FileContent = rec.FileContent
	s.FilePath = rec.FilePath
	s.PendingContent = rec.PendingContent
	s.PendingDocType = rec.PendingDocType
	s.PendingTemplate = rec.PendingTemplate

	if err := json.Unmarshal(rec.HistoryJSON, &s.History); err != nil {
		s.History = nil
	}
	if err := json.Unmarshal(rec.TodosJSON, &s.Todos); err != nil {
		s.Todos = nil
	}
	if err := json.Unmarshal(rec.PreviewPagesJSON, &s.PreviewPages); err != nil {
		s.PreviewPages = nil
	}
	s.PreviewPage = rec.PreviewPage
	if s.PreviewPage < 0 || s.PreviewPage >= len(s.PreviewPages) {
		s.PreviewPage = 0
	}

	s.CurrentSheet = rec.CurrentSheet
	s.CurrentCell = rec.CurrentCell
	s.CurrentSlide = rec.CurrentSlide

	s.ContentHash = rec.ContentHash
	s.AnalysisHash = rec.AnalysisHash
	if err := json.Unmarshal(rec.TranslationsJSON, &s.Translations); err != nil || s.Translations == nil {
		s.Translations = make(map[string]string)
	}
	s.SummaryHash = rec.SummaryHash
	s.Summary = rec.Summary

	now := time.Now()
	s.LastActivity = rec.LastActivity
	if s.LastActivity.IsZero() {
		s.LastActivity = now
	}
	s.CreatedAt = rec.CreatedAt
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}

	return s
}

func marshalOrNil(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
