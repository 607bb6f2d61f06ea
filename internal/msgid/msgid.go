// Package msgid implements the broker's message identifier: a
// (time, tag-vector) pair used for ordering, resume, and miss detection.
//
// The representation mirrors nchan's nchan_msg_id_t: tag vectors of
// MultitagMax (4) or fewer entries are stored inline; larger ones
// (multi-channels with more than four component channels) spill to a
// heap slice. Callers never need to know which storage a given ID uses —
// Tags() always returns the logical vector.
package msgid

import (
	"fmt"
	"strconv"
	"strings"
)

// MultitagMax is the inline/heap threshold for the tag vector, matching
// NCHAN_MULTITAG_MAX in the original module.
const MultitagMax = 4

// MaxTagCount is the hard ceiling on tag-vector length (§3, §8: 255 is
// accepted, 256 is rejected).
const MaxTagCount = 255

// NoAdvance is the sentinel tag value meaning "no advance on this
// sub-channel" in a multi-channel update.
const NoAdvance int16 = -1

// Time sentinels.
const (
	TimeNewest int64 = -1
	TimeOldest int64 = 0
)

// ID is a single message identifier.
type ID struct {
	Time      int64
	TagActive int
	fixed     [MultitagMax]int16
	heap      []int16
	tagcount  int
}

// New builds an ID with a single tag (the common case: a publish to a
// single, non-multi channel).
func New(t int64, tag int16) ID {
	id := ID{Time: t, tagcount: 1}
	id.fixed[0] = tag
	return id
}

// NewMulti builds an ID from an explicit tag vector and active index.
func NewMulti(t int64, tags []int16, active int) ID {
	id := ID{Time: t, TagActive: active, tagcount: len(tags)}
	if len(tags) <= MultitagMax {
		copy(id.fixed[:], tags)
	} else {
		id.heap = append([]int16(nil), tags...)
	}
	return id
}

// TagCount returns the number of tag positions.
func (id ID) TagCount() int { return id.tagcount }

// Tags returns the logical tag vector. The returned slice must not be
// mutated by the caller if it aliases the ID's inline storage.
func (id *ID) Tags() []int16 {
	if id.tagcount > MultitagMax {
		return id.heap
	}
	return id.fixed[:id.tagcount]
}

// Tag returns the tag at position i, or NoAdvance if out of range.
func (id *ID) Tag(i int) int16 {
	if i < 0 || i >= id.tagcount {
		return NoAdvance
	}
	return id.Tags()[i]
}

// setTagCount grows or shrinks the backing storage to hold n tags,
// preserving existing values and filling new positions with fill.
func (id *ID) setTagCount(n int, fill int16) {
	old := id.Tags()
	grown := make([]int16, n)
	for i := range grown {
		if i < len(old) {
			grown[i] = old[i]
		} else {
			grown[i] = fill
		}
	}
	id.tagcount = n
	if n <= MultitagMax {
		id.heap = nil
		copy(id.fixed[:], grown)
	} else {
		id.heap = grown
	}
}

// Copy returns a deep copy of id (independent heap tag vector when
// present).
func (id ID) Copy() ID {
	out := id
	if id.tagcount > MultitagMax {
		out.heap = append([]int16(nil), id.heap...)
	}
	return out
}

// Compare orders two IDs within a single (non-multi) channel: by time,
// then by the first tag. This matches the original's nchan_cmp_msg_ids,
// which never looks past tags[0] for single-channel ordering.
func Compare(a, b ID) int {
	if a.Time != b.Time {
		if a.Time < b.Time {
			return -1
		}
		return 1
	}
	at, bt := a.Tag(0), b.Tag(0)
	switch {
	case at < bt:
		return -1
	case at > bt:
		return 1
	default:
		return 0
	}
}

// Format renders the wire form: "<time>:<tag>[,<tag>...]" with the
// active tag bracketed, e.g. "1690000000:[3],-1". A bare tag of -1 is
// NOT shortened back to "-" on output — only Parse accepts that
// shorthand on input.
func (id *ID) Format() string {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(id.Time, 10))
	b.WriteByte(':')
	tags := id.Tags()
	for i, t := range tags {
		if i > 0 {
			b.WriteByte(',')
		}
		if i == id.TagActive {
			b.WriteByte('[')
			b.WriteString(strconv.FormatInt(int64(t), 10))
			b.WriteByte(']')
		} else {
			b.WriteString(strconv.FormatInt(int64(t), 10))
		}
	}
	return b.String()
}

// ParseError distinguishes the two failure kinds spec.md §4.1 names for
// Parse.
type ParseError struct {
	Kind string // "malformed" or "no_separator"
	msg  string
}

func (e *ParseError) Error() string { return e.msg }

func malformed(format string, args ...any) error {
	return &ParseError{Kind: "malformed", msg: fmt.Sprintf(format, args...)}
}

// Parse parses a compound message ID of the form "<time>:<tags>" where
// tags is "[-]?N(,[-]?N)*" with an optional leading '[' on one entry
// marking it active. A lone '-' is shorthand for -1. At most
// MaxTagCount tag positions are accepted.
//
// Returns (id, nil) on success; a *ParseError with Kind "no_separator"
// if no ':' is present (the original's NGX_DECLINED); a *ParseError with
// Kind "malformed" for any other parse failure.
func Parse(s string) (ID, error) {
	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return ID{}, &ParseError{Kind: "no_separator", msg: "missing ':' separator in compound message id"}
	}
	t, err := strconv.ParseInt(s[:idx], 10, 64)
	if err != nil {
		return ID{}, malformed("invalid time component %q: %v", s[:idx], err)
	}
	id := ID{Time: t}
	if err := parseTags(s[idx+1:], &id); err != nil {
		return ID{}, err
	}
	return id, nil
}

func parseTags(s string, id *ID) error {
	var tags []int16
	active := 0
	val := 0
	sign := int16(1)
	sawDigit := false
	isNeg := false

	flush := func() {
		v := int16(val) * sign
		if val == 0 && isNeg {
			v = NoAdvance
		}
		tags = append(tags, v)
		val, sign, sawDigit, isNeg = 0, 1, false, false
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '-':
			sign = -1
			isNeg = true
		case c >= '0' && c <= '9':
			val = val*10 + int(c-'0')
			sawDigit = true
		case c == '[':
			active = len(tags)
		case c == ']':
		case c == ',':
			flush()
		default:
			return malformed("unexpected character %q in tag vector", c)
		}
		_ = sawDigit
	}
	flush()

	if len(tags) == 0 || len(tags) > MaxTagCount {
		return malformed("tag count %d out of range [1, %d]", len(tags), MaxTagCount)
	}
	id.tagcount = len(tags)
	id.TagActive = active
	if len(tags) <= MultitagMax {
		copy(id.fixed[:], tags)
	} else {
		id.heap = tags
	}
	return nil
}

// ExpandToMulti produces a multi ID from a single-channel source ID:
// tags[outN] = source.Tag(inN), all other positions = fill. targetN is
// the total tag count of the resulting multi ID.
//
// Mirrors nchan_expand_msg_id_multi_tag.
func ExpandToMulti(source ID, inN, outN, targetN int, fill int16) ID {
	v := source.Tag(inN)
	tags := make([]int16, targetN)
	for i := range tags {
		if i == outN {
			tags[i] = v
		} else {
			tags[i] = fill
		}
	}
	return NewMulti(source.Time, tags, outN)
}

// UpdateMulti merges an arriving message's ID (newid) into a
// subscriber's cursor (oldid), per spec.md §4.1's Update-multi
// operation / nchan_update_multi_msgid.
//
// Idempotent: applying the same newid twice yields the same oldid,
// since every branch either replaces wholesale or only copies forward
// tags that are not NoAdvance.
func UpdateMulti(oldid *ID, newid ID) {
	if newid.tagcount == 1 {
		*oldid = newid.Copy()
		return
	}
	if oldid.tagcount < newid.tagcount {
		oldid.setTagCount(newid.tagcount, NoAdvance)
	}
	if oldid.Time != newid.Time {
		*oldid = newid.Copy()
		return
	}
	newTags := newid.Tags()
	oldTags := oldid.Tags()
	for i := 0; i < newid.tagcount && i < len(oldTags); i++ {
		if newTags[i] != NoAdvance {
			oldTags[i] = newTags[i]
		}
	}
	oldid.TagActive = newid.TagActive
}
