package main

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// MessageKey identifies a user-facing status message.
type MessageKey string

const (
	MsgKeyUnreachable  MessageKey = "unreachable"
	MsgKeyReconnecting MessageKey = "reconnecting"
	MsgKeyNotConnected MessageKey = "not_connected"
	MsgKeyTimeout      MessageKey = "timeout"
	MsgKeyFailed       MessageKey = "failed"
)

var catalog = map[string]map[MessageKey]string{
	"en": {
		MsgKeyUnreachable:  "Unable to reach the server",
		MsgKeyReconnecting: "Reconnecting in %ds...",
		MsgKeyNotConnected: "Not connected",
		MsgKeyTimeout:      "Timeout connecting to %s",
		MsgKeyFailed:       "Failed to connect to %s",
	},
	"fr": {
		MsgKeyUnreachable:  "Impossible de se connecter au serveur",
		MsgKeyReconnecting: "Reconnexion dans %ds...",
		MsgKeyNotConnected: "Non connecté",
		MsgKeyTimeout:      "Délai dépassé pour %s",
		MsgKeyFailed:       "Échec de connexion à %s",
	},
}

// Localizer renders status messages in one locale, falling back to English.
type Localizer struct {
	locale string
}

func NewLocalizer(locale string) Localizer {
	locale = strings.ToLower(strings.TrimSpace(locale))
	if i := strings.IndexAny(locale, "-_"); i > 0 {
		locale = locale[:i]
	}
	if _, ok := catalog[locale]; !ok {
		locale = "en"
	}
	return Localizer{locale: locale}
}

// Locale returns the resolved locale.
func (l Localizer) Locale() string {
	if l.locale == "" {
		return "en"
	}
	return l.locale
}

func (l Localizer) T(key MessageKey, args ...any) string {
	format, ok := catalog[l.Locale()][key]
	if !ok {
		format = catalog["en"][key]
	}
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}

// Reconnecting renders the countdown shown while a retry is pending.
func (l Localizer) Reconnecting(delay time.Duration) string {
	return l.T(MsgKeyReconnecting, int(math.Ceil(delay.Seconds())))
}

// Attempt renders a single candidate failure.
func (l Localizer) Attempt(err *TransientConnectionError) string {
	if err == nil {
		return ""
	}
	if err.Outcome == OutcomeTimeout {
		return l.T(MsgKeyTimeout, err.URL)
	}
	return l.T(MsgKeyFailed, err.URL)
}
