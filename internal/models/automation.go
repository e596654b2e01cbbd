package models

import "time"

// TrainingURL is a website source as stored on the automation record.
type TrainingURL struct {
	URL       string    `json:"url"`
	Sitemap   bool      `json:"sitemap,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
	IsTrained *bool     `json:"is_trained,omitempty"`
}

// TrainingPDF is an uploaded file source.
type TrainingPDF struct {
	Size         int64     `json:"size"`
	S3Name       string    `json:"s3Name"`
	UploadedAt   time.Time `json:"uploadedAt"`
	OriginalName string    `json:"originalName"`
	IsTrained    *bool     `json:"is_trained,omitempty"`
}

// TrainingArticle is a knowledge-base article source.
type TrainingArticle struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	UpdatedAt time.Time `json:"updatedAt"`
	IsTrained *bool     `json:"is_trained,omitempty"`
}

// AutomationSnapshot is the authoritative automation record of an
// organization: its sources and the state of its training job.
type AutomationSnapshot struct {
	TrainingURL      []TrainingURL     `json:"training_url"`
	TrainingPDF      []TrainingPDF     `json:"training_pdf"`
	TrainingArticle  []TrainingArticle `json:"training_article"`
	TrainingStatus   string            `json:"training_status"`
	TrainingProgress int               `json:"training_progress"`
	TrainingMessage  string            `json:"training_message,omitempty"`
	IsChatbotTrained bool              `json:"is_chatbot_trained"`
}

// AutomationUpdate is a partial automation write. Only the list of one kind
// is set per update; the server replaces that list wholesale.
type AutomationUpdate struct {
	TrainingURL      []TrainingURL     `json:"training_url,omitempty"`
	TrainingPDF      []TrainingPDF     `json:"training_pdf,omitempty"`
	TrainingArticle  []TrainingArticle `json:"training_article,omitempty"`
	IsChatbotTrained bool              `json:"isChatbotTrained"`
}

func trained(p *bool) bool { return p != nil && *p }

func boolPtr(b bool) *bool { return &b }

// Sources returns the snapshot's sources of the given kind. Items without
// an is_trained flag are untrained.
func (s AutomationSnapshot) Sources(kind SourceKind) []TrainingSource {
	var out []TrainingSource
	switch kind {
	case KindWebsite:
		for _, u := range s.TrainingURL {
			out = append(out, TrainingSource{
				Kind: KindWebsite, Key: u.URL, Title: u.URL,
				IsTrained: trained(u.IsTrained), UpdatedAt: u.UpdatedAt, Sitemap: u.Sitemap,
			})
		}
	case KindFile:
		for _, p := range s.TrainingPDF {
			out = append(out, TrainingSource{
				Kind: KindFile, Key: p.S3Name, Title: p.OriginalName,
				IsTrained: trained(p.IsTrained), UpdatedAt: p.UploadedAt, Size: p.Size,
			})
		}
	case KindArticle:
		for _, a := range s.TrainingArticle {
			out = append(out, TrainingSource{
				Kind: KindArticle, Key: a.ID, Title: a.Title,
				IsTrained: trained(a.IsTrained), UpdatedAt: a.UpdatedAt,
			})
		}
	}
	return out
}

// Job returns the snapshot's training job. Progress is clamped to 0..100.
func (s AutomationSnapshot) Job() TrainingJob {
	p := s.TrainingProgress
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return TrainingJob{
		Status:   ParseJobStatus(s.TrainingStatus),
		Progress: p,
		Message:  s.TrainingMessage,
	}
}

// NewAutomationUpdate builds the write that replaces kind's list with sources.
func NewAutomationUpdate(kind SourceKind, sources []TrainingSource) AutomationUpdate {
	var u AutomationUpdate
	switch kind {
	case KindWebsite:
		u.TrainingURL = make([]TrainingURL, 0, len(sources))
		for _, s := range sources {
			u.TrainingURL = append(u.TrainingURL, TrainingURL{
				URL: s.Key, Sitemap: s.Sitemap, UpdatedAt: s.UpdatedAt, IsTrained: boolPtr(s.IsTrained),
			})
		}
	case KindFile:
		u.TrainingPDF = make([]TrainingPDF, 0, len(sources))
		for _, s := range sources {
			u.TrainingPDF = append(u.TrainingPDF, TrainingPDF{
				Size: s.Size, S3Name: s.Key, UploadedAt: s.UpdatedAt, OriginalName: s.Title, IsTrained: boolPtr(s.IsTrained),
			})
		}
	case KindArticle:
		u.TrainingArticle = make([]TrainingArticle, 0, len(sources))
		for _, s := range sources {
			u.TrainingArticle = append(u.TrainingArticle, TrainingArticle{
				ID: s.Key, Title: s.Title, UpdatedAt: s.UpdatedAt, IsTrained: boolPtr(s.IsTrained),
			})
		}
	}
	return u
}
