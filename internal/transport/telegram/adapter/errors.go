package adapter

import (
	"errors"
	"fmt"

	tele "gopkg.in/telebot.v4"

	kit "prayerbot/internal/transport"
)

// permanent lists API errors after which a chat can never receive messages
// again until the user acts.
var permanent = []error{
	tele.ErrBlockedByUser,
	tele.ErrChatNotFound,
	tele.ErrUserIsDeactivated,
	tele.ErrNotStartedByUser,
	tele.ErrKickedFromGroup,
	tele.ErrKickedFromSuperGroup,
	tele.ErrKickedFromChannel,
}

// classify wraps permanent delivery failures with kit.ErrUnreachable so
// callers stop retrying them.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, p := range permanent {
		if errors.Is(err, p) {
			return fmt.Errorf("%w: %w", kit.ErrUnreachable, err)
		}
	}
	return err
}
