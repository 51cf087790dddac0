package pipeline

import (
	"fmt"
	"strings"
)

// NoneSentinel is the literal the driver scripts treat as an absent optional
// argument. The argument vector always has all slots filled, so downstream
// stages can index it positionally.
const NoneSentinel = "none"

// Request is a validated run request for the pipeline driver.
type Request struct {
	// ProjectURL is the URL of the project to process. Required.
	ProjectURL string

	// Episodes selects which episodes to process: either a raw list of
	// numbers or a pre-collapsed range expression. Required. Normalize
	// rewrites it in canonical range form.
	Episodes string

	// GuidePath is the server-side path of an uploaded guideline document,
	// or empty when none was provided.
	GuidePath string

	// SlackEnabled turns on notification delivery in the driver.
	SlackEnabled bool

	// SlackTemplate overrides the notification message template.
	SlackTemplate string
}

// InvalidRequestError reports a request rejected before any process was
// spawned, naming the field(s) that failed validation.
type InvalidRequestError struct {
	Fields []string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid run request: missing or unusable field(s): %s", strings.Join(e.Fields, ", "))
}

// Normalize validates the request and returns a copy with the episode
// expression rewritten in canonical range form. It returns an
// *InvalidRequestError if ProjectURL is empty or the episode expression
// contains no usable entries.
func (r Request) Normalize() (Request, error) {
	var missing []string
	if strings.TrimSpace(r.ProjectURL) == "" {
		missing = append(missing, "projectUrl")
	}
	episodes := NormalizeEpisodes(r.Episodes)
	if episodes == "" {
		missing = append(missing, "episodes")
	}
	if len(missing) > 0 {
		return Request{}, &InvalidRequestError{Fields: missing}
	}
	norm := r
	norm.ProjectURL = strings.TrimSpace(r.ProjectURL)
	norm.Episodes = episodes
	return norm, nil
}

// Args maps the request to the driver's fixed positional argument vector:
// project URL, episode range, guide path or sentinel, notification flag
// ("y"/"n"), notification template or sentinel.
func (r Request) Args() []string {
	guide := r.GuidePath
	if guide == "" {
		guide = NoneSentinel
	}
	slack := "n"
	if r.SlackEnabled {
		slack = "y"
	}
	template := r.SlackTemplate
	if template == "" {
		template = NoneSentinel
	}
	return []string{r.ProjectURL, r.Episodes, guide, slack, template}
}
