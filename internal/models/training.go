package models

import (
	"fmt"
	"time"
)

// SourceKind is the kind of a knowledge source.
type SourceKind string

const (
	KindWebsite SourceKind = "website"
	KindArticle SourceKind = "article"
	KindFile    SourceKind = "file"
)

// SourceKinds lists every kind in display order.
var SourceKinds = []SourceKind{KindWebsite, KindArticle, KindFile}

// WireType is the type name the delete-source endpoint expects.
func (k SourceKind) WireType() string {
	if k == KindWebsite {
		return "url"
	}
	return string(k)
}

// ParseSourceKind accepts a kind name or its wire alias.
func ParseSourceKind(s string) (SourceKind, error) {
	switch s {
	case "website", "url":
		return KindWebsite, nil
	case "article":
		return KindArticle, nil
	case "file", "pdf":
		return KindFile, nil
	}
	return "", fmt.Errorf("models: unknown source kind %q", s)
}

// TrainingSource is one knowledge source. Key is the URL for websites,
// the storage name for files and the article ID for articles.
type TrainingSource struct {
	Kind      SourceKind `json:"kind"`
	Key       string     `json:"key"`
	Title     string     `json:"title,omitempty"`
	IsTrained bool       `json:"is_trained"`
	UpdatedAt time.Time  `json:"updated_at"`
	Size      int64      `json:"size,omitempty"`
	Sitemap   bool       `json:"sitemap,omitempty"`
}

// JobStatus is the state of an organization's training job.
type JobStatus string

const (
	JobIdle      JobStatus = "idle"
	JobTraining  JobStatus = "training"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// ParseJobStatus maps the server's training_status; anything unknown is idle.
func ParseJobStatus(s string) JobStatus {
	switch JobStatus(s) {
	case JobTraining, JobCompleted, JobFailed:
		return JobStatus(s)
	}
	return JobIdle
}

// TrainingJob is the single training job of an organization.
type TrainingJob struct {
	Status   JobStatus `json:"status"`
	Progress int       `json:"progress"`
	Message  string    `json:"message,omitempty"`
}

// TriggerAck is the server's answer to a training trigger.
type TriggerAck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// AckAlreadyTraining is returned when the server already has a job running.
const AckAlreadyTraining = "already_training"
