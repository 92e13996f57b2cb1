package maildrop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Scheduler is the build scheduler's ingestion interface. SubmitChange is
// called from the consume loop, one record at a time, in delivery order.
// The scheduler is expected to apply its own idempotence if a duplicate
// somehow reaches it.
type Scheduler interface {
	SubmitChange(ctx context.Context, rec ChangeRecord) error
}

// SchedulerFunc adapts a function to the Scheduler interface.
type SchedulerFunc func(ctx context.Context, rec ChangeRecord) error

func (f SchedulerFunc) SubmitChange(ctx context.Context, rec ChangeRecord) error {
	return f(ctx, rec)
}

// changePayload is the JSON shape posted to a scheduler ingestion endpoint.
type changePayload struct {
	ID       string    `json:"id"`
	Author   string    `json:"author"`
	When     time.Time `json:"when"`
	Files    []string  `json:"files"`
	Comment  string    `json:"comment"`
	Branch   string    `json:"branch,omitempty"`
	Revision string    `json:"revision,omitempty"`
}

// HTTPScheduler posts change records as JSON to a scheduler ingestion URL.
type HTTPScheduler struct {
	URL    string
	Client *http.Client
}

func NewHTTPScheduler(url string) *HTTPScheduler {
	return &HTTPScheduler{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPScheduler) SubmitChange(ctx context.Context, rec ChangeRecord) error {
	payload := changePayload{
		ID:       rec.ID,
		Author:   rec.Author,
		When:     rec.When,
		Files:    rec.Files,
		Comment:  rec.Comment,
		Branch:   rec.Branch,
		Revision: rec.Revision,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("maildrop: submit %s: scheduler returned %s", rec.ID, resp.Status)
	}
	return nil
}
