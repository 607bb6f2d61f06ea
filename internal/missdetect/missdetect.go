// Package missdetect implements spec.md §4.9, the miss detector: given a
// subscriber's last-seen message id, the prior-id carried by an arriving
// message, and that message's own id, decide whether a message was
// missed between them.
//
// Grounded directly on verify_msg_id and update_subscriber_last_msg_id
// in original_source/nchan_module.c: a subscriber's cursor only ever
// advances through Check+Advance (there is no separate "verify" call
// site in this package — every caller wants both the verdict and the
// cursor update together, exactly as update_subscriber_last_msg_id
// does).
package missdetect

import (
	"time"

	"github.com/odin-ws/broker/internal/msgid"
)

// Verify reports whether the transition from last (a subscriber's prior
// cursor) to prior (the prior id carried by an arriving message) is
// consistent, i.e. no message was missed between them. A true result
// mirrors the original's NGX_OK; false mirrors NGX_ERROR.
//
// The "first-per-second message of a multi-channel forward" exemption
// (verify_msg_id's convoluted-but-deliberate special case) is
// preserved: when the arriving message is a demultiplexed forward from
// a multi-channel (prior.TagCount() > 1) at a different time than last,
// and exactly one tag position in prior is set (non along all others),
// and the id's own tag at that position is 0 (the first message ever on
// that sub-channel), the transition is accepted rather than flagged.
//
// Known limitation: the exemption recognizes a sub-channel's first
// message of a second only by a zero tag at a time different from the
// cursor's. It does not track sub-second ordering across sub-channels,
// so when a sub-channel publishes more than once per second, the
// verdict does not reliably tell whether a message was missed.
func Verify(last, prior, id msgid.ID) bool {
	if last.Time <= 0 || prior.Time <= 0 {
		return true
	}
	if last.Time != prior.Time {
		if prior.TagCount() > 1 {
			return verifyMultiForward(prior, id)
		}
		return false
	}
	if last.TagCount() == 1 {
		return last.Tag(0) == prior.Tag(0)
	}
	max := last.TagCount()
	for i := 0; i < max; i++ {
		pt := prior.Tag(i)
		if pt != msgid.NoAdvance && last.Tag(i) != pt {
			return false
		}
	}
	return true
}

func verifyMultiForward(prior, id msgid.ID) bool {
	set := -1
	for j := 0; j < prior.TagCount(); j++ {
		if prior.Tag(j) != msgid.NoAdvance {
			if set != -1 {
				// more than one tag set: not a single channel's
				// forwarded multi msg.
				return false
			}
			set = j
		}
	}
	if set == -1 {
		return false
	}
	return id.Tag(set) == 0
}

// Outcome describes why a miss was (or wasn't) flagged, for logging —
// spec.md §7's MissedMessage is advisory: log and continue, never fail
// the request.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeExpired
	OutcomeUnknown
)

// CheckAndAdvance runs Verify, classifies a miss using the arriving
// message's expiry (matching update_subscriber_last_msg_id's TTL-based
// "probably expired" vs "unknown reason" distinction), advances cursor
// via msgid.UpdateMulti, and returns the outcome for the caller to log.
func CheckAndAdvance(cursor *msgid.ID, prior, id msgid.ID, expires time.Time, now time.Time) Outcome {
	outcome := OutcomeOK
	if !Verify(*cursor, prior, id) {
		if !expires.IsZero() {
			ttl := expires.Sub(time.Unix(id.Time, 0))
			if time.Unix(cursor.Time, 0).Add(ttl).Before(now) || time.Unix(cursor.Time, 0).Add(ttl).Equal(now) {
				outcome = OutcomeExpired
			} else {
				outcome = OutcomeUnknown
			}
		} else {
			outcome = OutcomeUnknown
		}
	}
	msgid.UpdateMulti(cursor, id)
	return outcome
}
