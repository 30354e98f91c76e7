// Package messages folds stored kind-9/7/5 rows into a conversation view.
package messages

import (
	"sort"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/whitenoise-im/whitenoise/internal/database"
	"github.com/whitenoise-im/whitenoise/internal/model"
	"github.com/whitenoise-im/whitenoise/internal/nostrx"
)

// ViewMessage is one aggregated chat message.
type ViewMessage struct {
	ID        string
	Author    string
	Content   string
	Tags      nostr.Tags
	CreatedAt time.Time
	Deleted   bool

	// Reactions maps emoji → reacting pubkeys, keeping the last reaction
	// per reactor.
	Reactions map[string][]string

	// Replies are the kind-9 messages whose e tag targets this one, in
	// (created_at, id) order.
	Replies []*ViewMessage
}

// Aggregator computes conversation views from normalized message rows.
type Aggregator struct {
	db *database.DB
}

// NewAggregator wires the aggregator.
func NewAggregator(db *database.DB) *Aggregator {
	return &Aggregator{db: db}
}

// GroupView returns the causally ordered messages of a group.
func (a *Aggregator) GroupView(mlsGroupID string) ([]*ViewMessage, error) {
	rows, err := a.db.MessagesForGroup(mlsGroupID)
	if err != nil {
		return nil, err
	}
	return Fold(rows), nil
}

// Fold aggregates raw rows into view messages. Exposed separately so tests
// and benchmarks can run it on synthetic rows.
func Fold(rows []model.Message) []*ViewMessage {
	views := make(map[string]*ViewMessage)
	var order []*ViewMessage

	for i := range rows {
		row := &rows[i]
		if row.Kind != nostrx.KindGroupChat {
			continue
		}
		vm := &ViewMessage{
			ID:        row.ID,
			Author:    row.AuthorPubkey,
			Content:   row.Content,
			Tags:      row.Tags,
			CreatedAt: row.CreatedAt,
			Deleted:   row.Deleted,
			Reactions: make(map[string][]string),
		}
		views[row.ID] = vm
		if row.RepliedTo == "" {
			order = append(order, vm)
		}
	}

	// Attach replies to their targets; replies to unknown ids surface at
	// the top level rather than vanishing.
	for i := range rows {
		row := &rows[i]
		if row.Kind != nostrx.KindGroupChat || row.RepliedTo == "" {
			continue
		}
		vm := views[row.ID]
		if target, ok := views[row.RepliedTo]; ok {
			target.Replies = append(target.Replies, vm)
		} else {
			order = append(order, vm)
		}
	}

	// Last reaction per (target, reactor): newest created_at, event-id lex
	// order breaking ties. Deleted reaction rows drop the reactor's entry.
	type reactKey struct{ target, reactor string }
	winners := make(map[reactKey]*model.Message)
	for i := range rows {
		row := &rows[i]
		if row.Kind != nostrx.KindReaction || row.ReactionTarget == "" {
			continue
		}
		key := reactKey{row.ReactionTarget, row.AuthorPubkey}
		cur, ok := winners[key]
		if !ok || row.CreatedAt.After(cur.CreatedAt) ||
			(row.CreatedAt.Equal(cur.CreatedAt) && row.ID > cur.ID) {
			winners[key] = row
		}
	}
	for key, row := range winners {
		if row.Deleted {
			continue
		}
		target, ok := views[key.target]
		if !ok {
			continue
		}
		target.Reactions[row.Content] = append(target.Reactions[row.Content], key.reactor)
	}

	for _, vm := range views {
		for _, users := range vm.Reactions {
			sort.Strings(users)
		}
		sort.Slice(vm.Replies, func(i, j int) bool { return viewLess(vm.Replies[i], vm.Replies[j]) })
	}
	sort.Slice(order, func(i, j int) bool { return viewLess(order[i], order[j]) })
	return order
}

func viewLess(a, b *ViewMessage) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
