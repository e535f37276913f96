package payout

import (
	"strings"

	"github.com/servision-wang/data-processing/internal/model"
)

// Section headers of the leaderboard text export.
const (
	ExportGainHeader = "➕"
	ExportLossHeader = "➖"
)

// ExportScores renders a leaderboard, already in display order, as plain
// text: non-negative scores under the gain header, then negative scores
// under the loss header if there are any. Scores are printed with at most
// two decimals.
func ExportScores(scores []model.Score) string {
	var gains, losses []model.Score
	for _, s := range scores {
		if s.Score.IsNegative() {
			losses = append(losses, s)
		} else {
			gains = append(gains, s)
		}
	}

	var b strings.Builder
	b.WriteString(ExportGainHeader)
	b.WriteByte('\n')
	writeScores(&b, gains)
	if len(losses) > 0 {
		b.WriteString(ExportLossHeader)
		b.WriteByte('\n')
		writeScores(&b, losses)
	}
	return b.String()
}

func writeScores(b *strings.Builder, scores []model.Score) {
	for _, s := range scores {
		b.WriteString(s.Name)
		b.WriteByte(' ')
		b.WriteString(s.Score.Round(2).String())
		b.WriteByte('\n')
	}
}
