package linear

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// NewClient creates a Linear client for one team.
func NewClient(apiKey, teamID string) *Client {
	return &Client{
		APIKey:   apiKey,
		TeamID:   teamID,
		Endpoint: DefaultAPIEndpoint,
		HTTPClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// WithEndpoint returns a new client pointed at a custom GraphQL endpoint.
func (c *Client) WithEndpoint(endpoint string) *Client {
	clone := *c
	clone.Endpoint = endpoint
	return &clone
}

// graphQLRequest is the wire form of one query.
type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

// query executes a GraphQL query and decodes the "data" object into out.
func (c *Client) query(ctx context.Context, query string, variables map[string]any, out any) error {
	payload, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("failed to marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	const maxResponseSize = 50 * 1024 * 1024
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("API error: %s (status %d)", string(body), resp.StatusCode)
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []graphQLError  `json:"errors,omitempty"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("GraphQL error: %s", envelope.Errors[0].Message)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("failed to decode data: %w", err)
		}
	}
	return nil
}

const issueFields = `
	id identifier title description priority url
	state { id name type }
	assignee { id name email }
	labels { nodes { id name } }
	parent { id identifier }
	createdAt updatedAt completedAt`

// ListIssues fetches one page of the team's issues starting at cursor
// (empty for the first page).
func (c *Client) ListIssues(ctx context.Context, cursor string) (*IssuePage, error) {
	q := fmt.Sprintf(`query($teamId: String!, $first: Int!, $after: String) {
		team(id: $teamId) {
			issues(first: $first, after: $after) {
				nodes {%s}
				pageInfo { hasNextPage endCursor }
			}
		}
	}`, issueFields)

	variables := map[string]any{
		"teamId": c.TeamID,
		"first":  MaxPageSize,
	}
	if cursor != "" {
		variables["after"] = cursor
	}

	var data struct {
		Team struct {
			Issues struct {
				Nodes    []Issue  `json:"nodes"`
				PageInfo PageInfo `json:"pageInfo"`
			} `json:"issues"`
		} `json:"team"`
	}
	if err := c.query(ctx, q, variables, &data); err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}

	return &IssuePage{
		Issues:   data.Team.Issues.Nodes,
		PageInfo: data.Team.Issues.PageInfo,
	}, nil
}

// ListAllIssues walks cursor pagination until the last page.
func (c *Client) ListAllIssues(ctx context.Context) ([]Issue, error) {
	var all []Issue
	cursor := ""
	for {
		page, err := c.ListIssues(ctx, cursor)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Issues...)
		if !page.PageInfo.HasNextPage {
			return all, nil
		}
		cursor = page.PageInfo.EndCursor
	}
}

// GetIssue fetches one issue by UUID.
func (c *Client) GetIssue(ctx context.Context, id string) (*Issue, error) {
	q := fmt.Sprintf(`query($id: String!) { issue(id: $id) {%s} }`, issueFields)

	var data struct {
		Issue *Issue `json:"issue"`
	}
	if err := c.query(ctx, q, map[string]any{"id": id}, &data); err != nil {
		return nil, fmt.Errorf("failed to fetch issue %s: %w", id, err)
	}
	if data.Issue == nil {
		return nil, fmt.Errorf("issue %s not found", id)
	}
	return data.Issue, nil
}

// ListCycles fetches the team's cycles.
func (c *Client) ListCycles(ctx context.Context) ([]Cycle, error) {
	q := `query($teamId: String!) {
		team(id: $teamId) {
			cycles { nodes { id number name startsAt endsAt } }
		}
	}`

	var data struct {
		Team struct {
			Cycles struct {
				Nodes []Cycle `json:"nodes"`
			} `json:"cycles"`
		} `json:"team"`
	}
	if err := c.query(ctx, q, map[string]any{"teamId": c.TeamID}, &data); err != nil {
		return nil, fmt.Errorf("failed to list cycles: %w", err)
	}
	return data.Team.Cycles.Nodes, nil
}

// GetViewer returns the user the API key belongs to. Used as a connectivity
// and auth probe.
func (c *Client) GetViewer(ctx context.Context) (*User, error) {
	q := `query { viewer { id name email } }`

	var data struct {
		Viewer *User `json:"viewer"`
	}
	if err := c.query(ctx, q, nil, &data); err != nil {
		return nil, fmt.Errorf("failed to fetch viewer: %w", err)
	}
	if data.Viewer == nil {
		return nil, fmt.Errorf("viewer query returned nothing")
	}
	return data.Viewer, nil
}

// GetTeamStates fetches the team's workflow states.
func (c *Client) GetTeamStates(ctx context.Context) ([]State, error) {
	q := `query($teamId: String!) {
		team(id: $teamId) {
			states { nodes { id name type } }
		}
	}`

	var data struct {
		Team struct {
			States struct {
				Nodes []State `json:"nodes"`
			} `json:"states"`
		} `json:"team"`
	}
	if err := c.query(ctx, q, map[string]any{"teamId": c.TeamID}, &data); err != nil {
		return nil, fmt.Errorf("failed to list team states: %w", err)
	}
	return data.Team.States.Nodes, nil
}
