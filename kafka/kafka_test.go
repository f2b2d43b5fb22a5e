package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ledger "github.com/tair/rxsync/internal/ledger/domain"
	prescription "github.com/tair/rxsync/internal/prescription/domain"
	"github.com/tair/rxsync/internal/reconcile/domain"
)

type stubSyncer struct {
	ids []uuid.UUID
	err error
}

func (s *stubSyncer) SyncTransaction(_ context.Context, id uuid.UUID) (*domain.AttemptResult, error) {
	s.ids = append(s.ids, id)
	if s.err != nil {
		return nil, s.err
	}
	return &domain.AttemptResult{TransactionID: id, Outcome: domain.OutcomeCompleted}, nil
}

func (s *stubSyncer) SyncInventory(context.Context, int) (*domain.InventoryPushResult, error) {
	return &domain.InventoryPushResult{}, nil
}

type stubProcessor struct {
	events []prescription.PrescriptionEvent
	err    error
}

func (p *stubProcessor) Handle(_ context.Context, event prescription.PrescriptionEvent) (*prescription.PrescriptionResult, error) {
	p.events = append(p.events, event)
	if p.err != nil {
		return nil, p.err
	}
	return &prescription.PrescriptionResult{State: prescription.StateDispensed, PrescriptionID: event.PrescriptionID}, nil
}

func message(topic, eventType string, value []byte) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{
		Topic: topic,
		Value: value,
		Headers: []*sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(eventType)},
			{Key: []byte("event_id"), Value: []byte("evt-1")},
		},
	}
}

func TestPublisherDispatchSendsCommittedEvent(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	id := uuid.New()
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var event TransactionCommittedEvent
		if err := json.Unmarshal(val, &event); err != nil {
			return err
		}
		if event.TransactionID != id.String() {
			return errors.New("unexpected transaction id " + event.TransactionID)
		}
		if event.EventType != EventTypeTransactionCommitted || event.EventID == "" {
			return errors.New("event metadata not set")
		}
		return nil
	})

	publisher := NewPublisherWithProducer(producer, nil)
	require.NoError(t, publisher.Dispatch(context.Background(), id))
	require.NoError(t, publisher.Close())
}

func TestPublisherReportsSendFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	publisher := NewPublisherWithProducer(producer, nil)
	err := publisher.Dispatch(context.Background(), uuid.New())
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, publisher.Close())
}

func TestConsumerRoutesCommittedTransactions(t *testing.T) {
	syncer := &stubSyncer{}
	c := NewConsumerWithGroup(nil, "rxsync", []string{TopicTransactionCommitted})
	c.RegisterHandler(EventTypeTransactionCommitted, SyncOnCommit(syncer))

	id := uuid.New()
	body, err := json.Marshal(TransactionCommittedEvent{TransactionID: id.String()})
	require.NoError(t, err)

	require.NoError(t, c.handleMessage(context.Background(), message(TopicTransactionCommitted, EventTypeTransactionCommitted, body)))
	assert.Equal(t, []uuid.UUID{id}, syncer.ids)
}

func TestConsumerRejectsBadMessages(t *testing.T) {
	syncer := &stubSyncer{}
	c := NewConsumerWithGroup(nil, "rxsync", []string{TopicTransactionCommitted})
	c.RegisterHandler(EventTypeTransactionCommitted, SyncOnCommit(syncer))
	ctx := context.Background()

	noType := &sarama.ConsumerMessage{Topic: TopicTransactionCommitted, Value: []byte(`{}`)}
	assert.Error(t, c.handleMessage(ctx, noType))

	assert.Error(t, c.handleMessage(ctx, message(TopicTransactionCommitted, "inventory.changed", []byte(`{}`))))
	assert.Error(t, c.handleMessage(ctx, message(TopicTransactionCommitted, EventTypeTransactionCommitted, []byte(`not json`))))
	assert.Error(t, c.handleMessage(ctx, message(TopicTransactionCommitted, EventTypeTransactionCommitted, []byte(`{"transaction_id":"nope"}`))))
	assert.Empty(t, syncer.ids)
}

func TestConsumerIngestsPrescriptionEvents(t *testing.T) {
	processor := &stubProcessor{}
	c := NewConsumerWithGroup(nil, "rxsync", []string{TopicPrescriptionEvents})
	c.RegisterHandler(EventTypePrescriptionReceived, IngestPrescriptions(processor))

	body := []byte(`{
		"prescription_id": "RX-77",
		"pharmacy_id": "PH-1",
		"prescription_date": "2026-03-01",
		"expiry_date": "2026-04-01",
		"items": [{"wasfaty_drug_id": "WD-1", "quantity": 1}]
	}`)
	require.NoError(t, c.handleMessage(context.Background(), message(TopicPrescriptionEvents, EventTypePrescriptionReceived, body)))
	require.Len(t, processor.events, 1)
	assert.Equal(t, "RX-77", processor.events[0].PrescriptionID)
	assert.Equal(t, "WD-1", processor.events[0].Items[0].DrugID)
}

func TestSyncOnCommitPropagatesErrors(t *testing.T) {
	syncer := &stubSyncer{err: errors.New("ledger down")}
	body, err := json.Marshal(TransactionCommittedEvent{TransactionID: uuid.NewString()})
	require.NoError(t, err)
	assert.EqualError(t, SyncOnCommit(syncer)(context.Background(), body), "ledger down")
}

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func claimOf(msgs ...*sarama.ConsumerMessage) *fakeClaim {
	ch := make(chan *sarama.ConsumerMessage, len(msgs))
	for i, m := range msgs {
		m.Offset = int64(i)
		ch <- m
	}
	close(ch)
	return &fakeClaim{messages: ch}
}

func TestConsumeClaimCommitPolicy(t *testing.T) {
	body := []byte(`{"prescription_id": "RX-1", "pharmacy_id": "PH-1", "items": []}`)

	tests := []struct {
		name       string
		err        error
		wantMarked []int64
		wantErr    bool
	}{
		{name: "handled", wantMarked: []int64{0, 1}},
		{
			name:       "business rejection is final",
			err:        ledger.ValidationError(ledger.CodePrescriptionExpired, "prescription has expired"),
			wantMarked: []int64{0, 1},
		},
		{
			name:       "shortfall is final",
			err:        ledger.ConflictError("insufficient inventory to dispense prescription"),
			wantMarked: []int64{0, 1},
		},
		{
			name:    "remote outage is redelivered",
			err:     ledger.NewOpError(ledger.CategoryRemoteTransient, ledger.CodeRemoteUnavailable, "authority unavailable"),
			wantErr: true,
		},
		{
			name:    "processing failure is redelivered",
			err:     ledger.ProcessingError("failed to record prescription", errors.New("database is locked")),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			processor := &stubProcessor{err: tt.err}
			c := NewConsumerWithGroup(nil, "rxsync", []string{TopicPrescriptionEvents})
			c.redeliveryDelay = time.Millisecond
			c.RegisterHandler(EventTypePrescriptionReceived, IngestPrescriptions(processor))

			session := &fakeSession{ctx: context.Background()}
			claim := claimOf(
				message(TopicPrescriptionEvents, EventTypePrescriptionReceived, body),
				message(TopicPrescriptionEvents, EventTypePrescriptionReceived, body),
			)
			err := (&consumerGroupHandler{consumer: c}).ConsumeClaim(session, claim)

			if tt.wantErr {
				require.Error(t, err)
				assert.Empty(t, session.marked, "failed offset must stay uncommitted")
				assert.Len(t, processor.events, 1, "claim stops at the failed message")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantMarked, session.marked)
		})
	}
}

func TestConsumeClaimCommitsMalformedMessages(t *testing.T) {
	c := NewConsumerWithGroup(nil, "rxsync", []string{TopicTransactionCommitted})
	c.RegisterHandler(EventTypeTransactionCommitted, SyncOnCommit(&stubSyncer{}))

	session := &fakeSession{ctx: context.Background()}
	claim := claimOf(
		&sarama.ConsumerMessage{Topic: TopicTransactionCommitted, Value: []byte(`{}`)},
		message(TopicTransactionCommitted, EventTypeTransactionCommitted, []byte(`not json`)),
		message(TopicTransactionCommitted, "inventory.changed", []byte(`{}`)),
	)
	require.NoError(t, (&consumerGroupHandler{consumer: c}).ConsumeClaim(session, claim))
	assert.Equal(t, []int64{0, 1, 2}, session.marked)
}

func TestRedeliver(t *testing.T) {
	assert.False(t, Redeliver(nil))
	assert.False(t, Redeliver(ErrMalformedMessage))
	assert.False(t, Redeliver(ledger.ValidationError(ledger.CodeNoItems, "prescription has no items")))
	assert.True(t, Redeliver(errors.New("ledger down")))
	assert.True(t, Redeliver(ledger.NewOpError(ledger.CategoryRemoteAuth, ledger.CodeRemoteAuth, "token rejected")))
}
