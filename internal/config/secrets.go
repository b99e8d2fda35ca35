package config

import (
	"net/url"
	"strings"
)

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Privacy.ProverKeyHex)
	redact(&out.Privacy.ProverKeyPassword)
	redact(&out.Postgres.DSN)
	redact(&out.Redis.Password)
	redactURLPassword(&out.Redis.Addr)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Server.APIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Venues is a slice; copy it so redaction never reaches the original.
	if cfg.Venues != nil {
		out.Venues = make([]VenueConfig, len(cfg.Venues))
		copy(out.Venues, cfg.Venues)
		for i := range out.Venues {
			redact(&out.Venues[i].KeyPassword)
			redact(&out.Venues[i].APIKey)
			redact(&out.Venues[i].APISecret)
		}
	}
	if cfg.Notify.Events != nil {
		out.Notify.Events = make([]string, len(cfg.Notify.Events))
		copy(out.Notify.Events, cfg.Notify.Events)
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

// redactURLPassword masks the password of a URL-form address such as
// redis://user:pw@host. Plain host:port values are left alone.
func redactURLPassword(s *string) {
	u, err := url.Parse(*s)
	if err != nil || u.User == nil {
		return
	}
	if pw, ok := u.User.Password(); ok && pw != "" {
		name := u.User.Username()
		u.User = url.User(name)
		*s = strings.Replace(u.String(), name+"@", name+":"+redacted+"@", 1)
	}
}
