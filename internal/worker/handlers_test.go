package worker

import (
	"context"
	"testing"

	"github.com/peritoai/periti/internal/models"
	"github.com/stretchr/testify/require"
)

func TestReferencePattern(t *testing.T) {
	tests := []struct {
		subject string
		want    []string
	}{
		{subject: "R: PER-2026-0042 documentazione", want: []string{"PER-2026-0042"}},
		{subject: "foto sinistro ros-0001", want: []string{"ros-0001"}},
		{subject: "Re: Fwd: BLU-12 e VER-0003", want: []string{"BLU-12", "VER-0003"}},
		{subject: "nessun riferimento", want: nil},
		{subject: "totale 2026-04", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			require.Equal(t, tt.want, referencePattern.FindAllString(tt.subject, -1))
		})
	}
}

func TestMetadataAnalyzer(t *testing.T) {
	tests := []struct {
		name string
		doc  models.Document
		want string
	}{
		{
			name: "photo from email",
			doc:  models.Document{Filename: "danno.jpg", ContentType: "image/jpeg", SizeBytes: 2048, Source: models.DocumentSourceEmail},
			want: `photo "danno.jpg", 2048 bytes, received by email`,
		},
		{
			name: "pdf upload",
			doc:  models.Document{Filename: "polizza.pdf", ContentType: "application/pdf", SizeBytes: 10, Source: models.DocumentSourceUpload},
			want: `PDF document "polizza.pdf", 10 bytes`,
		},
		{
			name: "other",
			doc:  models.Document{Filename: "note.txt", ContentType: "text/plain", SizeBytes: 1},
			want: `document "note.txt", 1 bytes`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MetadataAnalyzer{}.Analyze(context.Background(), &tt.doc)
			require.NoError(t, err)
			require.Equal(t, tt.want, got.Summary)
			require.Equal(t, "metadata", got.Model)
		})
	}
}

func TestHandlers_rejectBadPayloads(t *testing.T) {
	h := &Handlers{}

	task, _ := testTask(t, KindEmailIngested)
	task.Payload = []byte(`{"message_id": 42}`)
	require.ErrorIs(t, h.EmailIngested(context.Background(), nil, task), ErrInvalidPayload)

	task.Payload = []byte(`{"subject": "no id"}`)
	require.ErrorIs(t, h.EmailIngested(context.Background(), nil, task), ErrInvalidPayload)

	task.Payload = []byte(`{}`)
	require.ErrorIs(t, h.DocumentAnalyze(context.Background(), nil, task), ErrInvalidPayload)
}
