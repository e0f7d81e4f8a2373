// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"context"
	"fmt"

	"cloud.google.com/go/logging"
)

// EntryWriter is the part of *logging.Logger the cloud sink needs.
type EntryWriter interface {
	Log(e logging.Entry)
}

// CloudSink forwards entries to Google Cloud Logging.
type CloudSink struct {
	w      EntryWriter
	labels map[string]string
}

func NewCloudSink(w EntryWriter, labels map[string]string) *CloudSink {
	l := make(map[string]string, len(labels))
	for k, v := range labels {
		l[k] = v
	}
	return &CloudSink{w: w, labels: l}
}

// OpenCloudSink dials Cloud Logging for project and returns a sink writing to
// logID plus a close func that flushes buffered entries.
func OpenCloudSink(ctx context.Context, project, logID string, labels map[string]string) (*CloudSink, func() error, error) {
	client, err := logging.NewClient(ctx, project)
	if err != nil {
		return nil, nil, fmt.Errorf("create cloud logging client: %w", err)
	}
	logger := client.Logger(logID)
	closeFn := func() error {
		if err := logger.Flush(); err != nil {
			_ = client.Close()
			return err
		}
		return client.Close()
	}
	return NewCloudSink(logger, labels), closeFn, nil
}

func (s *CloudSink) Log(_ context.Context, e Entry) {
	severity := logging.Info
	if e.Failed() {
		severity = logging.Error
	}
	labels := make(map[string]string, len(s.labels)+3)
	for k, v := range s.labels {
		labels[k] = v
	}
	labels["op_type"] = string(e.OpType)
	if e.Skill != "" {
		labels["skill"] = e.Skill
	}
	if e.ExecutionID != "" {
		labels["execution_id"] = e.ExecutionID
	}
	s.w.Log(logging.Entry{
		Timestamp: e.At,
		Severity:  severity,
		Labels:    labels,
		Payload:   e,
	})
}
