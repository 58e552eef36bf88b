package report

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/signintech/gopdf"

	"clinical-triage/internal/consultation"
	"clinical-triage/internal/triage"
)

type TelegramClient interface {
	SendDocument(ctx context.Context, chatID int64, fileData []byte, fileName string) error
}

// DejaVuSans covers Cyrillic and Latin; these are the usual Alpine and Debian paths.
var defaultFontPaths = []string{
	"/usr/share/fonts/ttf-dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
}

type Service struct {
	tgClient     TelegramClient
	doctorChatID int64
	fontPaths    []string
	logger       *slog.Logger
}

func NewService(tg TelegramClient, doctorChatID int64, logger *slog.Logger, fontPaths ...string) *Service {
	if len(fontPaths) == 0 {
		fontPaths = defaultFontPaths
	}
	return &Service{
		tgClient:     tg,
		doctorChatID: doctorChatID,
		fontPaths:    fontPaths,
		logger:       logger,
	}
}

// SendCaseReport renders the triage summary and sends it to the doctor chat.
func (s *Service) SendCaseReport(ctx context.Context, c consultation.Consultation) error {
	if s.doctorChatID == 0 {
		return fmt.Errorf("doctor chat id is not configured")
	}
	pdfBytes, err := s.Render(c)
	if err != nil {
		return err
	}

	fileName := fmt.Sprintf("triage_%s.pdf", c.ID.String())
	if err := s.tgClient.SendDocument(ctx, s.doctorChatID, pdfBytes, fileName); err != nil {
		return err
	}
	s.logger.Info("case report sent", "case_id", c.ID, "chat_id", s.doctorChatID)
	return nil
}

// Render builds the PDF for a triaged case.
func (s *Service) Render(c consultation.Consultation) ([]byte, error) {
	if c.Triage == nil {
		return nil, fmt.Errorf("consultation %s has no triage yet", c.ID)
	}
	pdf := gopdf.GoPdf{}
	pdf.Start(gopdf.Config{PageSize: *gopdf.PageSizeA4})
	pdf.AddPage()

	if err := s.loadFont(&pdf); err != nil {
		return nil, err
	}

	a := c.Triage
	w := &writer{pdf: &pdf}
	w.line(20, 30, "Triage case report")
	w.line(12, 15, fmt.Sprintf("Case: %s", c.ID))
	w.line(12, 15, fmt.Sprintf("Patient: %s", c.PatientID))
	w.line(12, 15, fmt.Sprintf("Assessed: %s", a.AssessedAt.Format("02.01.2006 15:04 MST")))
	w.line(12, 25, fmt.Sprintf("Status: %s", c.Status))

	w.line(14, 15, fmt.Sprintf("Urgency: %s (final score %d, rule score %d)", tierLabel(a.Urgency), a.FinalScore, a.RuleScore))
	w.line(11, 12, "Triggered rules: "+orNone(strings.Join(a.Rules.TriggeredRules, ", ")))
	w.wrapped(11, a.Rules.Reasoning)
	w.br(10)

	w.line(14, 15, "Symptoms")
	w.wrapped(11, "Complaint: "+c.Symptoms.PrimaryComplaint)
	if c.Symptoms.Duration != "" {
		w.wrapped(11, "Duration: "+c.Symptoms.Duration)
	}
	w.wrapped(11, fmt.Sprintf("Severity: %d/10", c.Symptoms.Severity))
	w.wrapped(11, "Associated: "+orNone(strings.Join(c.Symptoms.AssociatedSymptoms, ", ")))
	w.br(10)

	if sec := a.Secondary; sec.Used() {
		w.line(14, 15, "Secondary assessment")
		w.wrapped(11, fmt.Sprintf("Model %s, confidence %.0f%%, recommends %s", sec.Model, sec.Confidence*100, tierLabel(sec.RecommendedUrgency)))
		w.wrapped(11, sec.Reasoning)
	}
	if w.err != nil {
		return nil, w.err
	}

	var buf bytes.Buffer
	if _, err := pdf.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to write PDF: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *Service) loadFont(pdf *gopdf.GoPdf) error {
	var fontErr error
	for _, path := range s.fontPaths {
		if err := pdf.AddTTFFont("DejaVu", path); err == nil {
			return nil
		} else {
			fontErr = err
		}
	}
	return fmt.Errorf("failed to load font for PDF. Please ensure ttf-dejavu is installed. Last error: %w", fontErr)
}

// writer keeps the first gopdf error so the layout code stays linear.
type writer struct {
	pdf *gopdf.GoPdf
	err error
}

func (w *writer) line(size float64, gap float64, text string) {
	if w.err != nil {
		return
	}
	if w.err = w.pdf.SetFont("DejaVu", "", size); w.err != nil {
		return
	}
	w.err = w.pdf.Cell(nil, text)
	w.pdf.Br(gap)
}

func (w *writer) wrapped(size float64, text string) {
	if w.err != nil {
		return
	}
	if w.err = w.pdf.SetFont("DejaVu", "", size); w.err != nil {
		return
	}
	lines, err := w.pdf.SplitText(text, 500)
	if err != nil {
		lines = []string{text}
	}
	for _, l := range lines {
		if w.err = w.pdf.Cell(nil, l); w.err != nil {
			return
		}
		w.pdf.Br(12)
	}
	w.pdf.Br(3)
}

func (w *writer) br(h float64) { w.pdf.Br(h) }

func tierLabel(t triage.Tier) string {
	switch t {
	case triage.TierEmergency:
		return "EMERGENCY"
	case triage.TierUrgent:
		return "Urgent"
	case triage.TierRoutine:
		return "Routine"
	case triage.TierSelfCare:
		return "Self-care"
	default:
		return string(t)
	}
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
