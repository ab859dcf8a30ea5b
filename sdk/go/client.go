package reviewlinesdk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Reviewline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Deliverable represents the API deliverable model (partial).
type Deliverable struct {
	ID             string `json:"id"`
	ProjectID      string `json:"project_id"`
	Name           string `json:"name"`
	Status         string `json:"status"`
	ApprovalStatus string `json:"approval_status"`
	LastUpdated    string `json:"last_updated"`
}

// Feedback represents a feedback entry.
type Feedback struct {
	ID            string   `json:"id"`
	DeliverableID string   `json:"deliverable_id"`
	Content       string   `json:"content"`
	AuthorID      string   `json:"author_id"`
	AuthorName    string   `json:"author_name"`
	Status        string   `json:"status"`
	Tags          []string `json:"tags,omitempty"`
	Resolved      bool     `json:"resolved"`
	Role          string   `json:"role"`
	CreatedAt     string   `json:"created_at"`
}

// Revision represents a published deliverable version.
type Revision struct {
	ID              string         `json:"id"`
	DeliverableID   string         `json:"deliverable_id"`
	Version         string         `json:"version"`
	Status          string         `json:"status"`
	Changes         string         `json:"changes,omitempty"`
	Files           []RevisionFile `json:"files,omitempty"`
	RejectionReason string         `json:"rejection_reason,omitempty"`
	CreatedAt       string         `json:"created_at"`
}

// RevisionFile is a named artifact attached to a revision.
type RevisionFile struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Activity represents an activity log entry.
type Activity struct {
	ID            int64          `json:"id"`
	TS            string         `json:"ts"`
	ActionType    string         `json:"action_type"`
	ActorID       string         `json:"actor_id"`
	ActorName     string         `json:"actor_name"`
	ProjectID     string         `json:"project_id"`
	DeliverableID string         `json:"deliverable_id,omitempty"`
	Message       string         `json:"message"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedActivity wraps list responses with cursors.
type PaginatedActivity struct {
	Items      []Activity `json:"items"`
	NextCursor string     `json:"next_cursor"`
}

// PaginatedDeliverables wraps list responses with cursors.
type PaginatedDeliverables struct {
	Items      []Deliverable `json:"items"`
	NextCursor string        `json:"next_cursor"`
}

// CreateDeliverable creates a deliverable in the client's project.
func (c *Client) CreateDeliverable(ctx context.Context, name, description string) (Deliverable, error) {
	body := map[string]any{
		"name":        name,
		"description": description,
	}
	var resp Deliverable
	err := c.do(ctx, http.MethodPost, c.projectPath("deliverables"), body, &resp)
	return resp, err
}

// Deliverables returns a paginated deliverable listing.
func (c *Client) Deliverables(ctx context.Context, limit int, cursor string) (PaginatedDeliverables, error) {
	endpoint := c.projectPath("deliverables")
	endpoint = withPageParams(endpoint, limit, cursor)
	var resp PaginatedDeliverables
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetDeliverable fetches a deliverable by id.
func (c *Client) GetDeliverable(ctx context.Context, id string) (Deliverable, error) {
	var resp Deliverable
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/deliverables/%s", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// SubmitFeedback adds feedback on a deliverable. Status "info" is a plain
// note; "approved" and "change-requested" are client verdicts that move the
// deliverable.
func (c *Client) SubmitFeedback(ctx context.Context, deliverableID, content, status string, tags []string) (Feedback, error) {
	body := map[string]any{
		"content": content,
		"status":  status,
		"tags":    tags,
	}
	var resp Feedback
	endpoint := fmt.Sprintf("v0/deliverables/%s/feedback", url.PathEscape(deliverableID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ListFeedback returns feedback for a deliverable.
func (c *Client) ListFeedback(ctx context.Context, deliverableID string) ([]Feedback, error) {
	var resp struct {
		Items []Feedback `json:"items"`
	}
	endpoint := fmt.Sprintf("v0/deliverables/%s/feedback", url.PathEscape(deliverableID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// ResolveFeedback marks feedback as handled. Team credential required.
func (c *Client) ResolveFeedback(ctx context.Context, feedbackID string) (Feedback, error) {
	var resp Feedback
	endpoint := fmt.Sprintf("v0/feedback/%s/resolve", url.PathEscape(feedbackID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// ApproveDeliverable records an approval decision.
func (c *Client) ApproveDeliverable(ctx context.Context, id, note string) (Deliverable, error) {
	var resp Deliverable
	endpoint := fmt.Sprintf("v0/deliverables/%s/approve", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"note": note}, &resp)
	return resp, err
}

// RejectDeliverable records a rejection. A reason is required.
func (c *Client) RejectDeliverable(ctx context.Context, id, reason string) (Deliverable, error) {
	var resp Deliverable
	endpoint := fmt.Sprintf("v0/deliverables/%s/reject", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"reason": reason}, &resp)
	return resp, err
}

// AddRevision publishes a new revision of a deliverable.
func (c *Client) AddRevision(ctx context.Context, deliverableID, version, changes string, files []RevisionFile) (Revision, error) {
	body := map[string]any{
		"version": version,
		"changes": changes,
		"files":   files,
	}
	var resp Revision
	endpoint := fmt.Sprintf("v0/deliverables/%s/revisions", url.PathEscape(deliverableID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// SetRevisionStatus advances a revision (approved, rejected, final).
func (c *Client) SetRevisionStatus(ctx context.Context, revisionID, status, reason string) (Revision, error) {
	body := map[string]any{
		"status": status,
		"reason": reason,
	}
	var resp Revision
	endpoint := fmt.Sprintf("v0/revisions/%s/status", url.PathEscape(revisionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ActivityPage returns a paginated activity listing.
func (c *Client) ActivityPage(ctx context.Context, limit int, cursor string) (PaginatedActivity, error) {
	endpoint := withPageParams("v0/activity", limit, cursor)
	var resp PaginatedActivity
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Watch subscribes to the deliverable's server-sent event stream and invokes
// fn for every confirmed snapshot, the initial state included. It blocks
// until ctx is cancelled or the stream ends.
func (c *Client) Watch(ctx context.Context, deliverableID string, fn func(Deliverable)) error {
	endpoint := fmt.Sprintf("%s/v0/deliverables/%s/stream", c.base(), url.PathEscape(deliverableID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	c.setAuth(req)
	// Streams outlive the request timeout, so use a dedicated client.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var d Deliverable
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &d); err != nil {
			continue
		}
		fn(d)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return scanner.Err()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) setAuth(req *http.Request) {
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
}

func withPageParams(endpoint string, limit int, cursor string) string {
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	return endpoint
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
