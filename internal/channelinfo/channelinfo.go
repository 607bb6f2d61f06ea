// Package channelinfo implements spec.md §4.2: channel statistics
// content negotiation and serialization, grounded on
// nchan_channel_info_buf / nchan_match_channel_info_subtype
// (original_source/nchan_module.c).
package channelinfo

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/odin-ws/broker/internal/msgid"
)

// Format is one of the negotiable channel-info representations.
type Format int

const (
	FormatPlain Format = iota
	FormatJSON
	FormatYAML
	FormatXML
)

func (f Format) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatYAML:
		return "application/yaml"
	case FormatXML:
		return "application/xml"
	default:
		return "text/plain"
	}
}

// subtype pairs an Accept-header subtype literal with the Format it
// selects. Ordering matches nchan_match_channel_info_subtype's table;
// "x-json"/"x-yaml" are accepted aliases for the same formats.
type subtype struct {
	name   string
	format Format
}

var subtypes = []subtype{
	{"json", FormatJSON},
	{"yaml", FormatYAML},
	{"xml", FormatXML},
	{"x-json", FormatJSON},
	{"x-yaml", FormatYAML},
}

// Negotiate scans an Accept header for the first (leftmost) occurrence
// of "text/<sub>" or "application/<sub>" among the known subtypes
// (spec.md §4.2). No match, or an empty header, yields FormatPlain.
//
// This is a deliberately "lame" negotiation, matching the original's own
// comment: no q-value weighting, just leftmost-position wins.
func Negotiate(accept string) Format {
	best := Format(-1)
	bestPos := len(accept)

	tryPrefix := func(prefix string) {
		rest := accept
		base := 0
		for {
			i := strings.Index(rest, prefix)
			if i < 0 {
				return
			}
			pos := base + i
			after := rest[i+len(prefix):]
			if strings.HasPrefix(after, "plain") && pos < bestPos {
				best, bestPos = FormatPlain, pos
			}
			for _, st := range subtypes {
				if strings.HasPrefix(after, st.name) && pos < bestPos {
					best, bestPos = st.format, pos
				}
			}
			rest = after
			base = pos + len(prefix)
		}
	}
	tryPrefix("text/")
	tryPrefix("application/")

	if best < 0 {
		return FormatPlain
	}
	return best
}

// Stats is a channel's reportable state, matching spec.md §3's Channel
// entry and the fields nchan_response_channel_ptr_info gathers.
type Stats struct {
	Messages    int
	Subscribers int
	LastSeen    time.Time // absolute; SecondsSinceLastSeen derives the relative delta at format time
	LastMsgID   msgid.ID
}

// SecondsSinceLastSeen returns -1 if the channel has never been
// published to (LastSeen zero), matching the original's last_seen==0
// sentinel, otherwise the elapsed seconds as of now.
func (s Stats) SecondsSinceLastSeen(now time.Time) int64 {
	if s.LastSeen.IsZero() {
		return -1
	}
	d := now.Sub(s.LastSeen)
	if d < 0 {
		d = 0
	}
	return int64(d.Seconds())
}

type plainDoc struct {
	Messages    int    `json:"messages"`
	SinceLast   int64  `json:"seconds_since_last_message"`
	Subscribers int    `json:"subscribers"`
	LastMsgID   string `json:"last_message_id"`
}

type xmlDoc struct {
	XMLName     xml.Name `xml:"channel"`
	Messages    int      `xml:"messages"`
	SinceLast   int64    `xml:"seconds_since_last_message"`
	Subscribers int      `xml:"subscribers"`
	LastMsgID   string   `xml:"last_message_id"`
}

// Render serializes stats as of now into the given format, matching
// nchan_channel_info_buf's %d messages / %d elapsed / %d subscribers /
// msgid template.
func Render(f Format, stats Stats, now time.Time) ([]byte, error) {
	id := stats.LastMsgID
	doc := plainDoc{
		Messages:    stats.Messages,
		SinceLast:   stats.SecondsSinceLastSeen(now),
		Subscribers: stats.Subscribers,
		LastMsgID:   id.Format(),
	}
	switch f {
	case FormatJSON:
		return json.Marshal(doc)
	case FormatYAML:
		return yaml.Marshal(doc)
	case FormatXML:
		return xml.Marshal(xmlDoc{
			Messages:    doc.Messages,
			SinceLast:   doc.SinceLast,
			Subscribers: doc.Subscribers,
			LastMsgID:   doc.LastMsgID,
		})
	default:
		return []byte(fmt.Sprintf(
			"messages: %d\nrequests: %d\nsubscribers: %d\nlast message id: %s\n",
			doc.Messages, doc.SinceLast, doc.Subscribers, doc.LastMsgID,
		)), nil
	}
}
