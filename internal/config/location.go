package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/viper"

	"github.com/odin-ws/broker/internal/chanid"
)

// LocationConfig is one named location's channel-id resolution and
// pub/sub policy, the YAML-file equivalent of an nginx location{} block
// (spec.md §4.7, §4.5 step 2, §4.6's Origin/CORS config).
type LocationConfig struct {
	Name string `mapstructure:"name"`

	ChannelID chanid.Config `mapstructure:"-"`

	Mode                string   `mapstructure:"mode"` // "modern" or "legacy"
	PublisherTemplates  []string `mapstructure:"publisher_templates"`
	SubscriberTemplates []string `mapstructure:"subscriber_templates"`
	CommonTemplates     []string `mapstructure:"common_templates"`
	LegacyVariable      string   `mapstructure:"legacy_variable"`
	SplitDelimiter      string   `mapstructure:"split_delimiter"`
	Group               string   `mapstructure:"group"`
	MaxChannelIDLength  int      `mapstructure:"max_channel_id_length"`

	AllowOrigin      string   `mapstructure:"allow_origin"`
	CORSAllowHeaders []string `mapstructure:"cors_allow_headers"`

	AuthRequestURL      string `mapstructure:"auth_request_url"`
	FollowAuthRedirects bool   `mapstructure:"follow_auth_redirects"`

	SubscriberStartAtOldest bool `mapstructure:"subscriber_start_at_oldest"`
	MsgInEtagOnly           bool `mapstructure:"msg_in_etag_only"`

	// LastMsgIDTemplates names query parameters evaluated, in order, as
	// candidate compound message ids when a subscriber request carries
	// neither If-Modified-Since nor If-None-Match (spec.md §4.4 step 3).
	// The first that parses as a compound id wins.
	LastMsgIDTemplates []string `mapstructure:"last_msg_id_templates"`

	WebsocketEnabled    bool `mapstructure:"websocket_enabled"`
	EventsourceEnabled  bool `mapstructure:"eventsource_enabled"`
	ChunkedEnabled      bool `mapstructure:"chunked_enabled"`
	MultipartEnabled    bool `mapstructure:"multipart_enabled"`
	IntervalPollEnabled bool `mapstructure:"interval_poll_enabled"`
	LongPollEnabled     bool `mapstructure:"long_poll_enabled"`
}

// LocationSet is the parsed contents of a broker.yaml file: one or more
// named locations.
type LocationSet struct {
	Locations map[string]*LocationConfig `mapstructure:"locations"`
}

// LoadLocationSet reads and validates a YAML location-set file. A
// missing file is not an error: callers get an empty LocationSet and
// fall back to whatever default location their caller constructs.
func LoadLocationSet(path string) (*LocationSet, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok || errors.Is(err, fs.ErrNotExist) {
			return &LocationSet{Locations: map[string]*LocationConfig{}}, nil
		}
		return nil, fmt.Errorf("read location config %s: %w", path, err)
	}

	var set LocationSet
	if err := v.Unmarshal(&set); err != nil {
		return nil, fmt.Errorf("parse location config %s: %w", path, err)
	}
	for name, loc := range set.Locations {
		loc.Name = name
		loc.ChannelID = loc.toChanidConfig()
	}
	return &set, nil
}

// HasSubscriberTransport reports whether this location has any
// subscriber-side transport enabled (spec.md §4.4). A location with none
// enabled is publisher-only; one with any enabled is treated as the
// subscriber side of the surface for CORS preflight purposes (§6, §8
// scenario 5), since nchan-style configs separate pub and sub locations
// rather than mixing their method/header sets on one path.
func (l *LocationConfig) HasSubscriberTransport() bool {
	return l.WebsocketEnabled || l.EventsourceEnabled || l.ChunkedEnabled ||
		l.MultipartEnabled || l.IntervalPollEnabled || l.LongPollEnabled
}

func (l *LocationConfig) toChanidConfig() chanid.Config {
	mode := chanid.ModeModern
	if l.Mode == "legacy" {
		mode = chanid.ModeLegacy
	}
	return chanid.Config{
		Mode:                mode,
		PublisherTemplates:  l.PublisherTemplates,
		SubscriberTemplates: l.SubscriberTemplates,
		CommonTemplates:     l.CommonTemplates,
		LegacyVariable:      l.LegacyVariable,
		SplitDelimiter:      l.SplitDelimiter,
		Group:               l.Group,
		MaxChannelIDLength:  l.MaxChannelIDLength,
	}
}
