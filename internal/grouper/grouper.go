// Package grouper turns a message list into day buckets of sender groups for
// display. It is recomputed on every read and never persisted.
package grouper

import (
	"sort"
	"time"

	"github.com/LeventeLantos/conversation-engine/internal/model"
)

// MergeWindow is the maximum gap between two consecutive messages of one group.
const MergeWindow = 120 * time.Second

// MessageGroup is a run of consecutive messages from one sender.
type MessageGroup struct {
	Direction model.Direction `json:"direction"`
	SenderID  string          `json:"sender_id"`
	Start     time.Time       `json:"start"`
	End       time.Time       `json:"end"`
	Messages  []model.Message `json:"messages"`
}

type Day struct {
	Date   string  `json:"date"`
	Groups []MessageGroup `json:"groups"`
}

// Group partitions msgs by calendar day in loc and merges consecutive
// messages with the same direction and sender that are less than
// MergeWindow apart. The input is not modified; it is sorted on a copy, so
// late arrivals land where they belong.
func Group(msgs []model.Message, loc *time.Location) []Day {
	if loc == nil {
		loc = time.UTC
	}

	sorted := append([]model.Message(nil), msgs...)
	sort.SliceStable(sorted, func(i, j int) bool { return model.Less(sorted[i], sorted[j]) })

	var days []Day
	for _, m := range sorted {
		date := m.Timestamp.In(loc).Format(time.DateOnly)
		if len(days) == 0 || days[len(days)-1].Date != date {
			days = append(days, Day{Date: date})
		}
		day := &days[len(days)-1]

		if n := len(day.Groups); n > 0 && joins(day.Groups[n-1], m) {
			g := &day.Groups[n-1]
			g.Messages = append(g.Messages, m)
			g.End = m.Timestamp
			continue
		}

		day.Groups = append(day.Groups, MessageGroup{
			Direction: m.Direction,
			SenderID:  m.Sender(),
			Start:     m.Timestamp,
			End:       m.Timestamp,
			Messages:  []model.Message{m},
		})
	}
	return days
}

func joins(g MessageGroup, m model.Message) bool {
	return g.Direction == m.Direction &&
		g.SenderID == m.Sender() &&
		m.Timestamp.Sub(g.End) < MergeWindow
}
