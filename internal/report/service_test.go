package report

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinical-triage/internal/consultation"
	"clinical-triage/internal/triage"
)

type fakeTelegram struct {
	chatID int64
	data   []byte
	name   string
}

func (f *fakeTelegram) SendDocument(ctx context.Context, chatID int64, fileData []byte, fileName string) error {
	f.chatID, f.data, f.name = chatID, fileData, fileName
	return nil
}

func availableFont(t *testing.T) string {
	t.Helper()
	for _, p := range defaultFontPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	t.Skip("DejaVuSans.ttf not installed")
	return ""
}

func triagedCase() consultation.Consultation {
	s := triage.Symptoms{PrimaryComplaint: "severe chest pain", Severity: 9, AssociatedSymptoms: []string{"sweating"}}
	rule := triage.DefaultEngine().Assess(s)
	a := triage.NewAssessment(rule, &triage.SecondaryAssessment{
		Confidence: 0.9, Reasoning: "Consistent with ACS.", RecommendedUrgency: triage.TierEmergency, Model: "m",
	}, time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	return consultation.Consultation{
		ID:        uuid.New(),
		PatientID: uuid.New(),
		Symptoms:  s,
		Triage:    &a,
		Status:    consultation.StatusAwaitingValidation,
	}
}

func TestSendCaseReport(t *testing.T) {
	font := availableFont(t)
	tg := &fakeTelegram{}
	svc := NewService(tg, 77, slog.New(slog.NewTextHandler(io.Discard, nil)), font)
	c := triagedCase()

	require.NoError(t, svc.SendCaseReport(context.Background(), c))
	assert.Equal(t, int64(77), tg.chatID)
	assert.Equal(t, "triage_"+c.ID.String()+".pdf", tg.name)
	assert.True(t, bytes.HasPrefix(tg.data, []byte("%PDF")))
}

func TestRenderErrors(t *testing.T) {
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("untriaged case", func(t *testing.T) {
		_, err := NewService(&fakeTelegram{}, 1, discard).Render(consultation.Consultation{ID: uuid.New()})
		assert.Error(t, err)
	})

	t.Run("missing font", func(t *testing.T) {
		_, err := NewService(&fakeTelegram{}, 1, discard, "/nonexistent/font.ttf").Render(triagedCase())
		assert.Error(t, err)
	})

	t.Run("chat not configured", func(t *testing.T) {
		tg := &fakeTelegram{}
		err := NewService(tg, 0, discard).SendCaseReport(context.Background(), triagedCase())
		assert.Error(t, err)
		assert.Nil(t, tg.data)
	})
}
