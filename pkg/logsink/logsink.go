// Package logsink forwards structured runtime and build log records to the
// external log store.
package logsink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/cenkalti/backoff/v4"

	"github.com/zane-ops/zane/pkg/log"
)

// Source labels where a log record came from.
type Source string

const (
	SourceSystem  Source = "SYSTEM"
	SourceService Source = "SERVICE"
	SourceBuild   Source = "BUILD"
)

// Level labels the severity of a record.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelError Level = "ERROR"
)

// maxLineLength bounds a single build log line; ANSI sequences are preserved
// up to this many characters.
const maxLineLength = 1000

// Record is one log line bound for the store.
type Record struct {
	ServiceID    string
	DeploymentID string
	Level        Level
	Source       Source
	Time         time.Time
	Content      string
	// ContentText is the ANSI-stripped copy used for search indexing.
	ContentText string
}

// Sink accepts log records.
type Sink interface {
	Push(ctx context.Context, records []Record) error
}

// Client pushes records to a Loki-compatible HTTP push API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a sink client for the given push endpoint base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type pushPayload struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

// Push sends the records, grouping them into one stream per label set.
func (c *Client) Push(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	streams := make(map[string]*stream)
	for _, rec := range records {
		labels := map[string]string{
			"service_id":    rec.ServiceID,
			"deployment_id": rec.DeploymentID,
			"level":         string(rec.Level),
			"source":        string(rec.Source),
		}
		key := rec.ServiceID + "|" + rec.DeploymentID + "|" + string(rec.Level) + "|" + string(rec.Source)
		s, ok := streams[key]
		if !ok {
			s = &stream{Stream: labels}
			streams[key] = s
		}

		ts := rec.Time
		if ts.IsZero() {
			ts = time.Now()
		}
		line, err := json.Marshal(map[string]string{
			"content":      rec.Content,
			"content_text": rec.ContentText,
		})
		if err != nil {
			return fmt.Errorf("failed to encode log line: %w", err)
		}
		s.Values = append(s.Values, [2]string{
			strconv.FormatInt(ts.UnixNano(), 10),
			string(line),
		})
	}

	payload := pushPayload{}
	for _, s := range streams {
		payload.Streams = append(payload.Streams, *s)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode push payload: %w", err)
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/loki/api/v1/push", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("log sink returned %d", resp.StatusCode)
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("failed to push logs: %w", err)
	}
	return nil
}

// NewBuildRecord builds a BUILD record from one raw line of builder output,
// truncating it and attaching the ANSI-stripped search copy.
func NewBuildRecord(serviceID, deploymentID, line string, isErr bool) Record {
	if len(line) > maxLineLength {
		line = line[:maxLineLength]
	}
	level := LevelInfo
	if isErr {
		level = LevelError
	}
	return Record{
		ServiceID:    serviceID,
		DeploymentID: deploymentID,
		Level:        level,
		Source:       SourceBuild,
		Time:         time.Now(),
		Content:      line,
		ContentText:  stripansi.Strip(line),
	}
}

// NewSystemRecord builds a SYSTEM record for orchestration messages.
func NewSystemRecord(serviceID, deploymentID, msg string, level Level) Record {
	return Record{
		ServiceID:    serviceID,
		DeploymentID: deploymentID,
		Level:        level,
		Source:       SourceSystem,
		Time:         time.Now(),
		Content:      msg,
		ContentText:  msg,
	}
}

// Discard is a Sink that drops every record, for tests and disabled setups.
type Discard struct{}

func (Discard) Push(context.Context, []Record) error { return nil }

// Best pushes records and only logs on failure; orchestration never blocks
// on the log store.
func Best(ctx context.Context, sink Sink, records ...Record) {
	if err := sink.Push(ctx, records); err != nil {
		logger := log.WithComponent("logsink")
		logger.Warn().Err(err).Msg("dropping log records")
	}
}
