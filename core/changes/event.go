// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package changes

import (
	"github.com/juju/errors"
)

// Event describes a single document mutation reported by the feed.
type Event struct {
	ID      string
	Seq     Sequence
	Changes []string
	Deleted bool

	// Doc is only set when the feed was asked to include documents.
	Doc map[string]any
}

// Rev returns the most recent revision in the event, if any.
func (e Event) Rev() string {
	if len(e.Changes) == 0 {
		return ""
	}
	return e.Changes[len(e.Changes)-1]
}

// ParseEvent builds an Event from one decoded feed object. Objects carrying
// only last_seq are reported with ok false; they mark the end of a feed
// rather than a change.
func ParseEvent(fields map[string]any) (_ Event, ok bool, err error) {
	if _, found := fields["id"]; !found {
		if raw, found := fields["last_seq"]; found {
			if _, err := ParseSequence(raw); err != nil {
				return Event{}, false, errors.Annotate(err, "last_seq")
			}
			return Event{}, false, nil
		}
		return Event{}, false, errors.NotValidf("change without id")
	}

	var event Event
	if event.ID, ok = fields["id"].(string); !ok {
		return Event{}, false, errors.NotValidf("change id %v", fields["id"])
	}
	if event.Seq, err = ParseSequence(fields["seq"]); err != nil {
		return Event{}, false, errors.Annotatef(err, "change %q", event.ID)
	}
	if raw, found := fields["changes"]; found {
		revs, isList := raw.([]any)
		if !isList {
			return Event{}, false, errors.NotValidf("change %q revisions", event.ID)
		}
		for _, rev := range revs {
			entry, _ := rev.(map[string]any)
			revID, isString := entry["rev"].(string)
			if !isString {
				return Event{}, false, errors.NotValidf("change %q revision %v", event.ID, rev)
			}
			event.Changes = append(event.Changes, revID)
		}
	}
	event.Deleted, _ = fields["deleted"].(bool)
	event.Doc, _ = fields["doc"].(map[string]any)
	return event, true, nil
}

// LastSeq returns the sequence of a last_seq object.
func LastSeq(fields map[string]any) (Sequence, bool) {
	raw, found := fields["last_seq"]
	if !found {
		return "", false
	}
	seq, err := ParseSequence(raw)
	return seq, err == nil
}
