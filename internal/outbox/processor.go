// Package outbox publishes committed transfers to the event broker.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IlyasAtabaev731/wallet/internal/domain/models"
)

const EventTransferCompleted = "transfer.completed"

type Source interface {
	UnpublishedTransfers(ctx context.Context, limit int) ([]models.Transfer, error)
	MarkTransfersPublished(ctx context.Context, ids []string, at time.Time) error
}

type Publisher interface {
	Publish(ctx context.Context, key, value []byte) error
}

type TransferEvent struct {
	Type       string    `json:"type"`
	TransferID string    `json:"transferId"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Amount     string    `json:"amount"`
	CreatedAt  time.Time `json:"createdAt"`
}

func NewTransferEvent(t models.Transfer) TransferEvent {
	return TransferEvent{
		Type:       EventTransferCompleted,
		TransferID: t.ID,
		SenderID:   t.SenderID,
		ReceiverID: t.ReceiverID,
		Amount:     t.Amount.StringFixed(2),
		CreatedAt:  t.CreatedAt,
	}
}

type Processor struct {
	log          *slog.Logger
	source       Source
	publisher    Publisher
	pollInterval time.Duration
	batchSize    int
	now          func() time.Time
}

func NewProcessor(log *slog.Logger, source Source, publisher Publisher, pollInterval time.Duration, batchSize int) *Processor {
	return &Processor{
		log:          log,
		source:       source,
		publisher:    publisher,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		now:          time.Now,
	}
}

// Run polls until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) {
	p.log.Info("Starting outbox processor", slog.Duration("poll_interval", p.pollInterval))

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("Outbox processor stopped")
			return
		case <-ticker.C:
			if _, err := p.ProcessBatch(ctx); err != nil {
				p.log.Error("Failed to process outbox batch", "error", err)
			}
		}
	}
}

// ProcessBatch publishes one batch of pending transfers and marks those the
// broker accepted. It returns how many were marked.
func (p *Processor) ProcessBatch(ctx context.Context) (int, error) {
	const op = "outbox.ProcessBatch"

	transfers, err := p.source.UnpublishedTransfers(ctx, p.batchSize)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if len(transfers) == 0 {
		p.log.Debug("No pending transfers")
		return 0, nil
	}

	published := make([]string, 0, len(transfers))
	for _, t := range transfers {
		payload, err := json.Marshal(NewTransferEvent(t))
		if err != nil {
			p.log.Error("Failed to marshal event", slog.String("transfer_id", t.ID), "error", err)
			continue
		}

		if err := p.publisher.Publish(ctx, []byte(t.ID), payload); err != nil {
			p.log.Error("Failed to publish event", slog.String("transfer_id", t.ID), "error", err)
			continue
		}
		published = append(published, t.ID)
	}

	if len(published) == 0 {
		return 0, nil
	}

	if err := p.source.MarkTransfersPublished(ctx, published, p.now().UTC()); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	p.log.Info("Transfers published", slog.Int("count", len(published)))

	return len(published), nil
}
