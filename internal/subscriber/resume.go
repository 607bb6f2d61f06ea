package subscriber

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/odin-ws/broker/internal/msgid"
)

// ResumePoint implements spec.md §4.4's four-step resume-point selection,
// grounded on nchan_subscriber_get_msg_id (original_source/nchan_module.c),
// which tries the same If-Modified-Since/If-None-Match/template/default
// chain.
//
// templateIDs are already-evaluated candidate compound message ids (the
// configured last-message-id templates, step 3); evaluation itself is
// the embedding server's concern, same as chanid.Resolver.
func ResumePoint(r *http.Request, msgInETagOnly bool, templateIDs []string, startAtOldest bool) msgid.ID {
	if !msgInETagOnly {
		if ims := r.Header.Get("If-Modified-Since"); ims != "" {
			if t, err := http.ParseTime(ims); err == nil {
				return fromModifiedSince(t, r.Header.Get("If-None-Match"))
			}
		}
	} else if inm := strings.Trim(r.Header.Get("If-None-Match"), `"`); inm != "" {
		if id, err := msgid.Parse(inm); err == nil {
			return id
		}
	}

	for _, candidate := range templateIDs {
		if candidate == "" {
			continue
		}
		if id, err := msgid.Parse(candidate); err == nil {
			return id
		}
	}

	return defaultResumePoint(startAtOldest)
}

// fromModifiedSince builds a resume id from the parsed If-Modified-Since
// time plus the tag carried in If-None-Match, which here is a bare
// quoted tag ("\"3\""), not a full compound id — the time already came
// from If-Modified-Since.
func fromModifiedSince(t time.Time, inm string) msgid.ID {
	if tag, ok := parseETagTag(inm); ok {
		return msgid.New(t.Unix(), tag)
	}
	return msgid.New(t.Unix(), 0)
}

func parseETagTag(etag string) (int16, bool) {
	etag = strings.Trim(etag, `"`)
	if etag == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(etag, 10, 16)
	if err != nil {
		return 0, false
	}
	return int16(v), true
}

func defaultResumePoint(startAtOldest bool) msgid.ID {
	if startAtOldest {
		return msgid.New(msgid.TimeOldest, 0)
	}
	return msgid.New(msgid.TimeNewest, 0)
}
