// Package notifier delivers escalation notices to a subject's trusted contact.
package notifier

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"guardian/internal/models"
)

// ErrPermanent marks a delivery failure that retrying will not fix, such as
// a malformed address or a 4xx from the gateway.
var ErrPermanent = errors.New("permanent delivery failure")

// Notifier sends one notification.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// AddressKind classifies a trusted contact address.
type AddressKind int

const (
	AddressHandle AddressKind = iota
	AddressEmail
	AddressTelegram
)

// KindOf guesses the channel an address belongs to: emails contain '@',
// Telegram chat ids are integers, everything else is a gateway handle.
func KindOf(address string) AddressKind {
	address = strings.TrimSpace(address)
	if strings.Contains(address, "@") {
		return AddressEmail
	}
	if _, err := strconv.ParseInt(address, 10, 64); err == nil {
		return AddressTelegram
	}
	return AddressHandle
}

// Router picks a notifier per address kind. Missing channels fall back to
// Gateway, then to Fallback.
type Router struct {
	Email    Notifier
	Telegram Notifier
	Gateway  Notifier
	Fallback Notifier
}

func (r *Router) Notify(ctx context.Context, n models.Notification) error {
	return r.route(n.TrustedContact.Address).Notify(ctx, n)
}

func (r *Router) route(address string) Notifier {
	var n Notifier
	switch KindOf(address) {
	case AddressEmail:
		n = r.Email
	case AddressTelegram:
		n = r.Telegram
	}
	if n == nil {
		n = r.Gateway
	}
	if n == nil {
		n = r.Fallback
	}
	return n
}
