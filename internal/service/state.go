package service

import (
	"strings"
	"time"

	"github.com/unclebandit/mailtrack-backend/internal/model"
)

// bucket names the dispatch counter a recipient in status s is counted in.
// Every recipient of a campaign sits in exactly one of queued, sent, failed
// and suppressed, so those four always add up to total_recipients.
func bucket(s model.SendStatus) model.StatField {
	switch s {
	case model.SendStatusQueued, "":
		return model.StatQueued
	case model.SendStatusFailed:
		return model.StatFailed
	case model.SendStatusSuppressed:
		return model.StatSuppressed
	default:
		return model.StatSent
	}
}

func moveBucket(d model.Deltas, from, to model.SendStatus) {
	fb, tb := bucket(from), bucket(to)
	if fb == tb {
		return
	}
	d.Add(fb, -1)
	d.Add(tb, 1)
}

// markSent moves an intent into the sent bucket before an engagement event is
// applied. A provider reporting delivery or engagement proves the message left.
func markSent(in *model.SendIntent, d model.Deltas, at time.Time) {
	if bucket(in.Status) != model.StatSent {
		moveBucket(d, in.Status, model.SendStatusSent)
		in.Status = model.SendStatusSent
	}
	if in.SentAt == nil {
		t := at
		in.SentAt = &t
	}
}

// closed reports whether s never left for the provider, so nothing the
// provider reports about the message can apply to it.
func closed(s model.SendStatus) bool {
	return s == model.SendStatusFailed || s == model.SendStatusSuppressed
}

// accepts reports whether an intent in status s takes event t. A send that
// failed or was suppressed only moves between those two and may still be
// unsubscribed.
func accepts(s model.SendStatus, t model.EventType) bool {
	if !closed(s) {
		return true
	}
	switch t {
	case model.EventQueued, model.EventFailed, model.EventSuppressed, model.EventUnsubscribed:
		return true
	}
	return false
}

// engaged reports whether opens and clicks may still set the status.
func engaged(s model.SendStatus) bool {
	return s != model.SendStatusBounced && s != model.SendStatusComplained
}

func recordOpen(in *model.SendIntent, d model.Deltas, at time.Time) {
	t := at
	in.OpenCount++
	if in.FirstOpenedAt == nil {
		in.FirstOpenedAt = &t
		d.Add(model.StatUniqueOpens, 1)
	}
	in.LastOpenedAt = &t
	d.Add(model.StatOpened, 1)
}

// applyTransition moves in through the send state machine for one event and
// returns the counter changes the event causes.
func applyTransition(in *model.SendIntent, t model.EventType, at time.Time) model.Deltas {
	d := model.Deltas{}
	if !accepts(in.Status, t) {
		return d
	}

	switch t {
	case model.EventQueued:
	case model.EventSent:
		markSent(in, d, at)
	case model.EventDelivered:
		markSent(in, d, at)
		if in.Status == model.SendStatusSent {
			in.Status = model.SendStatusDelivered
		}
		if in.DeliveredAt == nil {
			t := at
			in.DeliveredAt = &t
		}
		d.Add(model.StatDelivered, 1)
	case model.EventOpened:
		markSent(in, d, at)
		if in.Status != model.SendStatusClicked && engaged(in.Status) {
			in.Status = model.SendStatusOpened
		}
		recordOpen(in, d, at)
	case model.EventClicked:
		markSent(in, d, at)
		if in.FirstOpenedAt == nil {
			recordOpen(in, d, at)
		}
		if engaged(in.Status) {
			in.Status = model.SendStatusClicked
		}
		in.ClickCount++
		if in.FirstClickedAt == nil {
			t := at
			in.FirstClickedAt = &t
			d.Add(model.StatUniqueClicks, 1)
		}
		d.Add(model.StatClicked, 1)
	case model.EventBounced:
		markSent(in, d, at)
		in.Status = model.SendStatusBounced
		d.Add(model.StatBounced, 1)
	case model.EventComplained:
		markSent(in, d, at)
		in.Status = model.SendStatusComplained
		d.Add(model.StatComplained, 1)
	case model.EventFailed:
		moveBucket(d, in.Status, model.SendStatusFailed)
		in.Status = model.SendStatusFailed
	case model.EventSuppressed:
		moveBucket(d, in.Status, model.SendStatusSuppressed)
		in.Status = model.SendStatusSuppressed
	case model.EventUnsubscribed:
		d.Add(model.StatUnsubscribed, 1)
	}
	return d
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
