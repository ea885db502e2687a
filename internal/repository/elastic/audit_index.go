package elastic

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"otp-service/internal/client"
	"otp-service/internal/model"
	"otp-service/internal/util"
)

const attemptIndexName = "otp-attempts"

// AttemptAuditIndex mirrors attempt records into Elasticsearch for
// operational search. Writes are best-effort side channels; the durable
// record in Scylla stays authoritative.
type AttemptAuditIndex struct {
	client *client.ESClient
}

func NewAttemptAuditIndex(client *client.ESClient) *AttemptAuditIndex {
	return &AttemptAuditIndex{client: client}
}

var _ model.AuditIndex = (*AttemptAuditIndex)(nil)

type attemptDocument struct {
	AttemptID    string    `json:"attempt_id"`
	RequestID    string    `json:"request_id"`
	Recipient    string    `json:"recipient"`
	Purpose      string    `json:"purpose"`
	IsSuccessful bool      `json:"is_successful"`
	AttemptedAt  time.Time `json:"attempted_at"`
	IP           string    `json:"ip,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
}

func (i *AttemptAuditIndex) IndexAttempt(ctx context.Context, attempt *model.OTPAttempt, recipient string, purpose model.Purpose) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	doc := attemptDocument{
		AttemptID:    attempt.AttemptID,
		RequestID:    attempt.RequestID,
		Recipient:    recipient,
		Purpose:      string(purpose),
		IsSuccessful: attempt.IsSuccessful,
		AttemptedAt:  attempt.AttemptedAt,
		IP:           attempt.IP,
		UserAgent:    attempt.UserAgent,
	}

	res, err := i.client.IndexDocument(ctx, attemptIndexName, attempt.AttemptID, doc)
	if err != nil {
		util.Error("Failed to index OTP attempt",
			zap.String("attempt_id", attempt.AttemptID),
			zap.Error(err))
		return fmt.Errorf("failed to index OTP attempt: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("failed to index OTP attempt: %s", res.String())
	}

	return nil
}

// SearchByRecipient returns raw attempt documents for a recipient, newest
// first. Used by the operational search endpoint only.
func (i *AttemptAuditIndex) SearchByRecipient(ctx context.Context, recipient string, size int) ([]map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	query := map[string]interface{}{
		"size": size,
		"query": map[string]interface{}{
			"term": map[string]interface{}{
				"recipient.keyword": recipient,
			},
		},
		"sort": []map[string]interface{}{
			{"attempted_at": map[string]interface{}{"order": "desc"}},
		},
	}

	res, err := i.client.Search(ctx, attemptIndexName, query)
	if err != nil {
		return nil, fmt.Errorf("failed to search OTP attempts: %w", err)
	}

	var body struct {
		Hits struct {
			Hits []struct {
				Source map[string]interface{} `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := i.client.ParseResponse(res, &body); err != nil {
		return nil, fmt.Errorf("failed to parse OTP attempt search response: %w", err)
	}

	docs := make([]map[string]interface{}, 0, len(body.Hits.Hits))
	for _, hit := range body.Hits.Hits {
		docs = append(docs, hit.Source)
	}

	return docs, nil
}
