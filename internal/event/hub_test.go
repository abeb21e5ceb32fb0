package event

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillvergence/skillvergence-cert-go/internal/model"
)

func TestHubFiltersByType(t *testing.T) {
	h := NewHub()
	all, cancelAll := h.Subscribe(4)
	defer cancelAll()
	issued, cancelIssued := h.Subscribe(4, TypeCertificateIssued)
	defer cancelIssued()

	ctx := WithCorrelationID(context.Background(), "corr-1")
	cert := model.Certificate{ID: "c1", Status: model.StatusIssued}
	require.NoError(t, h.PublishCertificate(ctx, TypeCertificateApproved, cert))
	require.NoError(t, h.PublishCertificate(ctx, TypeCertificateIssued, cert))

	first := <-all
	assert.Equal(t, TypeCertificateApproved, first.Type)
	assert.Equal(t, "corr-1", first.CorrelationID)
	assert.Equal(t, "c1", first.Subject)
	assert.Equal(t, TypeCertificateIssued, (<-all).Type)

	got := <-issued
	assert.Equal(t, TypeCertificateIssued, got.Type)
	assert.Len(t, issued, 0)
}

func TestHubDropsWhenSubscriberIsFull(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe(1)
	defer cancel()

	rec := model.VideoProgressRecord{UserID: "u", VideoID: "v"}
	require.NoError(t, h.PublishVideoCompleted(context.Background(), rec))
	require.NoError(t, h.PublishVideoCompleted(context.Background(), rec))
	assert.Len(t, ch, 1)
}

func TestHubCloseClosesSubscribers(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe(1)
	require.NoError(t, h.Close())
	_, open := <-ch
	assert.False(t, open)
	cancel() // no panic after close

	late, _ := h.Subscribe(1)
	_, open = <-late
	assert.False(t, open)
}

type failingPublisher struct{ noop }

func (failingPublisher) PublishDelivery(ctx context.Context, d model.DeliveryResult) error {
	return errors.New("broker down")
}

func TestMultiForwardsAndJoinsErrors(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe(2)
	defer cancel()

	m := Multi(h, failingPublisher{})
	err := m.PublishDelivery(context.Background(), model.DeliveryResult{ID: "d", CertificateID: "c"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	assert.Equal(t, TypeCertificateDelivery, (<-ch).Type)
}

func TestSubjectFor(t *testing.T) {
	assert.Equal(t, "skv.certificates.issued", subjectFor(TypeCertificateIssued))
	assert.Equal(t, "skv.certificates.delivery", subjectFor(TypeCertificateDelivery))
	assert.Equal(t, "skv.progress.video_completed", subjectFor(TypeVideoCompleted))
}
